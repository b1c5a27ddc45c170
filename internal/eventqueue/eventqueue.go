// Package eventqueue implements the Event Queue (spec.md §4.5): a single
// bounded channel of wake-up signals from apply-side hooks to the
// Coordinator Loop, built on github.com/ethereum/go-ethereum/event's
// Feed/Subscription rather than a hand-rolled broadcaster.
package eventqueue

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/extractctl/controlplane/internal/types"
)

// signalCapacity bounds the number of coalesced wake-ups buffered for a
// single subscriber, per spec.md §4.5 ("capacity ≈ 32").
const signalCapacity = 32

// SignalWork is the wake-up signal sent whenever apply commits a command
// that may have produced new unprocessed extraction events.
type SignalWork struct{}

// Queue is the Event Queue. Its zero value is not usable; construct with
// New.
type Queue struct {
	feed event.Feed
}

// New constructs an empty Event Queue.
func New() *Queue {
	return &Queue{}
}

// Subscribe returns a channel the Coordinator Loop selects on for wake-ups.
// Multiple apply events may coalesce into a single delivered signal because
// the loop always drains all currently unprocessed events once woken
// (spec.md §4.5), not because any send is dropped — see Signal for the
// actual blocking behavior of the underlying event.Feed.
func (q *Queue) Subscribe() (<-chan SignalWork, event.Subscription) {
	ch := make(chan SignalWork, signalCapacity)
	sub := q.feed.Subscribe(ch)
	return ch, sub
}

// Signal wakes any subscriber. event.Feed.Send blocks until every subscriber
// channel has accepted the value, so a subscriber that never drains its
// channel would stall the apply path; the Coordinator Loop takes one signal
// off its channel per pass, and signalCapacity gives enough buffered
// headroom that a send completes immediately in the common case, which is
// what makes coalescing multiple apply-side signals into one wake-up
// acceptable per spec.md §4.5.
func (q *Queue) Signal() {
	q.feed.Send(SignalWork{})
}

// ApplyHook returns a raft.ApplyHook-shaped function that signals the queue
// whenever the applied batch contains a command that can produce new
// extraction events: AddExtractionEvent, CreateContent, or CreateBinding
// (the latter two append an event as a side effect of apply, per spec.md
// §4.2).
func (q *Queue) ApplyHook() func(reqs []types.ProposalRequest, resps []types.ProposalResponse) {
	return func(reqs []types.ProposalRequest, _ []types.ProposalResponse) {
		for _, req := range reqs {
			switch req.Tag {
			case types.TagAddExtractionEvent, types.TagCreateContent, types.TagCreateBinding:
				q.Signal()
				return
			}
		}
	}
}
