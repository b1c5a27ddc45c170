// Package logstore implements the Log & Vote Store (spec.md §4.1): a durable,
// replicated command log plus a persistent vote record, on top of the
// go-ethereum ethdb.KeyValueStore interface so the same code runs against an
// in-memory store (tests, single-node dev) or a durable goleveldb store.
package logstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/extractctl/controlplane/internal/types"
)

// entryCacheSize bounds the single-entry lookup cache. AppendEntries and
// commit advancement both probe individual indices repeatedly on the hot
// path (previous-entry term checks, commit-term checks); this cache avoids
// re-decoding those from the KeyValueStore on every round trip.
const entryCacheSize = 4096

// LogID identifies a log entry by the term that created it and its index,
// mirroring Raft's (term, index) log identity.
type LogID struct {
	Term  uint64 `json:"term"`
	Index uint64 `json:"index"`
}

// Entry is one proposed command at a given log position.
type Entry struct {
	ID      LogID                  `json:"id"`
	Payload types.ProposalRequest  `json:"payload"`
}

// Vote is the durable record of the term and candidate this node most
// recently voted for.
type Vote struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
}

const (
	logKeyPrefix = 'l'
	voteKey      = "vote"
	purgedKey    = "purged"
)

func logKey(index uint64) []byte {
	b := make([]byte, 9)
	b[0] = logKeyPrefix
	binary.BigEndian.PutUint64(b[1:], index)
	return b
}

// Store is the concrete Log & Vote Store. It owns a single read/write lock
// distinct from the state machine's lock (spec.md §5): it is held only long
// enough to mutate the in-memory index bookkeeping and touch the underlying
// KeyValueStore.
type Store struct {
	mu sync.RWMutex
	db ethdb.KeyValueStore

	entryCache *lru.Cache // index -> Entry

	lastIndex  uint64
	lastTerm   uint64
	hasEntries bool

	lastPurged   uint64
	hasPurged    bool
}

// New wraps db as a Log & Vote Store, replaying its bookkeeping keys so a
// restart against a durable backend resumes from where it left off.
func New(db ethdb.KeyValueStore) (*Store, error) {
	cache, err := lru.New(entryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("logstore: init entry cache: %w", err)
	}
	s := &Store{db: db, entryCache: cache}
	if raw, err := db.Get([]byte(purgedKey)); err == nil {
		var id LogID
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("logstore: decode purged marker: %w", err)
		}
		s.lastPurged, s.hasPurged = id.Index, true
	}
	it := db.NewIterator([]byte{logKeyPrefix}, nil)
	defer it.Release()
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("logstore: decode entry: %w", err)
		}
		if !s.hasEntries || e.ID.Index > s.lastIndex {
			s.lastIndex, s.lastTerm, s.hasEntries = e.ID.Index, e.ID.Term, true
		}
	}
	return s, it.Error()
}

// Append writes entries in order, overwriting any existing entries at the
// same index (used when a follower's log diverges and is repaired).
func (s *Store) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("logstore: encode entry %d: %w", e.ID.Index, err)
		}
		if err := batch.Put(logKey(e.ID.Index), raw); err != nil {
			return err
		}
		if !s.hasEntries || e.ID.Index >= s.lastIndex {
			s.lastIndex, s.lastTerm, s.hasEntries = e.ID.Index, e.ID.Term, true
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	for _, e := range entries {
		s.entryCache.Add(e.ID.Index, e)
	}
	return nil
}

// TruncateSince discards the uncommitted suffix [index, +inf) of the log,
// used on a leader change when a follower's tail conflicts.
func (s *Store) TruncateSince(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	it := s.db.NewIterator([]byte{logKeyPrefix}, binaryIndex(index))
	defer it.Release()
	removed := 0
	for it.Next() {
		if err := batch.Delete(append([]byte(nil), it.Key()...)); err != nil {
			return err
		}
		removed++
	}
	if err := it.Error(); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	if removed > 0 {
		s.recomputeLast()
		s.entryCache.Purge()
	}
	log.Debug("log store truncated suffix", "since", index, "removed", removed)
	return nil
}

// recomputeLast rescans the store for the new tail after a truncation.
// Callers must hold s.mu.
func (s *Store) recomputeLast() {
	s.hasEntries = false
	it := s.db.NewIterator([]byte{logKeyPrefix}, nil)
	defer it.Release()
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		if !s.hasEntries || e.ID.Index > s.lastIndex {
			s.lastIndex, s.lastTerm, s.hasEntries = e.ID.Index, e.ID.Term, true
		}
	}
}

// PurgeUpto trims the committed prefix (-inf, x] covered by a snapshot.
// x must be >= the last purge point; violating that is a fatal bug in the
// caller, matching spec.md §4.1's "fatal otherwise".
func (s *Store) PurgeUpto(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasPurged && index < s.lastPurged {
		panic(fmt.Sprintf("logstore: purge_upto(%d) below last_purged(%d)", index, s.lastPurged))
	}

	batch := s.db.NewBatch()
	it := s.db.NewIterator([]byte{logKeyPrefix}, nil)
	defer it.Release()
	removed := 0
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return err
		}
		if e.ID.Index > index {
			break
		}
		if err := batch.Delete(append([]byte(nil), it.Key()...)); err != nil {
			return err
		}
		removed++
	}
	if err := it.Error(); err != nil {
		return err
	}
	marker, err := json.Marshal(LogID{Index: index})
	if err != nil {
		return err
	}
	if err := batch.Put([]byte(purgedKey), marker); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.lastPurged, s.hasPurged = index, true
	s.entryCache.Purge()
	log.Debug("log store purged prefix", "upto", index, "removed", removed)
	return nil
}

// Read returns entries with index in [lo, hi], ascending.
func (s *Store) Read(lo, hi uint64) ([]Entry, error) {
	if lo == hi {
		if e, ok := s.entryCache.Get(lo); ok {
			return []Entry{e.(Entry)}, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	it := s.db.NewIterator([]byte{logKeyPrefix}, binaryIndex(lo))
	defer it.Release()
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, err
		}
		if e.ID.Index > hi {
			break
		}
		out = append(out, e)
		s.entryCache.Add(e.ID.Index, e)
	}
	return out, it.Error()
}

// LastLogID returns the identity of the most recently appended entry, or
// false if the log (and any snapshot) is empty.
func (s *Store) LastLogID() (LogID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasEntries {
		return LogID{Term: s.lastTerm, Index: s.lastIndex}, true
	}
	return LogID{}, false
}

// LastPurged returns the highest index covered by a completed purge.
func (s *Store) LastPurged() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPurged, s.hasPurged
}

// SaveVote durably persists v before the caller acknowledges a vote grant.
func (s *Store) SaveVote(v Vote) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put([]byte(voteKey), raw)
}

// ReadVote returns the most recently saved vote, if any.
func (s *Store) ReadVote() (Vote, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.db.Get([]byte(voteKey))
	if err != nil {
		return Vote{}, false, nil //nolint:nilerr // ethdb.Get returns an error for a missing key
	}
	var v Vote
	if err := json.Unmarshal(raw, &v); err != nil {
		return Vote{}, false, err
	}
	return v, true, nil
}

func binaryIndex(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}
