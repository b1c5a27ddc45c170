package logstore

import (
	"testing"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"

	"github.com/extractctl/controlplane/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(memorydb.New())
	require.NoError(t, err)
	return s
}

func entry(term, index uint64) Entry {
	return Entry{ID: LogID{Term: term, Index: index}, Payload: types.ProposalRequest{Tag: types.TagSet, SetKey: "k"}}
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3)}))

	got, err := s.Read(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	last, ok := s.LastLogID()
	require.True(t, ok)
	require.Equal(t, uint64(3), last.Index)
}

func TestTruncateSinceDiscardsSuffix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]Entry{entry(1, 1), entry(1, 2), entry(2, 3)}))
	require.NoError(t, s.TruncateSince(2))

	got, err := s.Read(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)

	last, ok := s.LastLogID()
	require.True(t, ok)
	require.Equal(t, uint64(1), last.Index)
}

func TestPurgeUptoTrimsPrefix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3)}))
	require.NoError(t, s.PurgeUpto(2))

	got, err := s.Read(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].ID.Index)
}

func TestPurgeUptoBelowLastPurgedIsFatal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]Entry{entry(1, 1), entry(1, 2)}))
	require.NoError(t, s.PurgeUpto(2))

	require.Panics(t, func() {
		_ = s.PurgeUpto(1)
	})
}

func TestPurgeThenReadMatchesPreviousResult(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3), entry(1, 4)}))

	before, err := s.Read(3, 4)
	require.NoError(t, err)

	require.NoError(t, s.PurgeUpto(2))

	after, err := s.Read(3, 4)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSaveAndReadVote(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.ReadVote()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveVote(Vote{Term: 4, VotedFor: "n2"}))
	v, ok, err := s.ReadVote()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), v.Term)
	require.Equal(t, "n2", v.VotedFor)
}
