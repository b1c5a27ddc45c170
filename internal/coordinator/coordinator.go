// Package coordinator implements the Coordinator Loop (spec.md §4.6): the
// single-node-at-a-time driver that turns unprocessed extraction events into
// tasks and unassigned tasks into assignments. It runs on every node but is
// only effectual on the leader, since Propose on a follower is forwarded
// (spec.md §4.4) and a failed proposal is simply logged and retried on the
// next tick.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slices"

	"github.com/extractctl/controlplane/internal/eventqueue"
	"github.com/extractctl/controlplane/internal/executorregistry"
	"github.com/extractctl/controlplane/internal/filterexpr"
	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

// tickInterval is the periodic fallback drive, independent of event signals,
// per spec.md §4.6 ("also run on a fixed tick so a missed signal cannot wedge
// the system").
const tickInterval = 5 * time.Second

// Proposer is the subset of the Command Router the loop needs.
type Proposer interface {
	Propose(ctx context.Context, req types.ProposalRequest) (types.ProposalResponse, error)
}

// Clock returns the current unix time; overridable in tests.
type Clock func() int64

// Loop is the Coordinator Loop for one node.
type Loop struct {
	sm       *statemachine.StateMachine
	proposer Proposer
	queue    *eventqueue.Queue

	livenessWindowSecs int64
	clock              Clock
	rng                *rand.Rand
}

// New constructs a Loop. rng defaults to a time-seeded source if nil;
// pass a seeded one in tests for determinism (spec.md §9).
func New(sm *statemachine.StateMachine, proposer Proposer, queue *eventqueue.Queue, livenessWindowSecs int64, clock Clock, rng *rand.Rand) *Loop {
	if livenessWindowSecs <= 0 {
		livenessWindowSecs = executorregistry.DefaultLivenessWindowSecs
	}
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Loop{sm: sm, proposer: proposer, queue: queue, livenessWindowSecs: livenessWindowSecs, clock: clock, rng: rng}
}

// Run drives the loop until ctx is cancelled, waking on queue signals or the
// fixed tick, whichever comes first (spec.md §4.6).
func (l *Loop) Run(ctx context.Context) {
	ch, sub := l.queue.Subscribe()
	defer sub.Unsubscribe()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			l.RunOnce(ctx)
		case <-ticker.C:
			l.RunOnce(ctx)
		case err := <-errChan(sub):
			if err != nil {
				log.Warn("coordinator: event subscription error", "err", err)
			}
			return
		}
	}
}

// errChan adapts event.Subscription's Err() so it can be select-ed alongside
// the other channels without blocking when nothing has gone wrong.
func errChan(sub event.Subscription) <-chan error {
	return sub.Err()
}

// RunOnce performs exactly one pass of process_extraction_events followed by
// distribute_work (spec.md §4.6). It is exported so tests and a manual
// "tick now" admin hook can drive the loop deterministically.
func (l *Loop) RunOnce(ctx context.Context) {
	l.ProcessExtractionEvents(ctx)
	l.DistributeWork(ctx)
}

// ProcessExtractionEvents runs process_extraction_events on its own, without
// distribute_work. Exported so tests can observe or interrupt the cycle
// between its two phases (e.g. a leader failover test that commits
// CreateTasks but never reaches distribute_work).
func (l *Loop) ProcessExtractionEvents(ctx context.Context) {
	l.processExtractionEvents(ctx)
}

// DistributeWork runs distribute_work on its own, without re-processing
// extraction events. Exported for the same reason as ProcessExtractionEvents.
func (l *Loop) DistributeWork(ctx context.Context) {
	l.distributeWork(ctx)
}

// processExtractionEvents handles every currently unprocessed event in
// ascending id order (spec.md §4.6 "process in the order events were
// created, to keep task synthesis deterministic across replays"), proposing
// CreateTasks for the matches it finds and then MarkExtractionEventProcessed
// for the event itself. A proposal failure is logged and the loop continues
// to the next event; the event remains unprocessed and is retried on the
// next drive.
func (l *Loop) processExtractionEvents(ctx context.Context) {
	events := l.sm.UnprocessedExtractionEvents()
	slices.SortFunc(events, func(a, b types.ExtractionEvent) bool { return a.ID < b.ID })

	for _, ev := range events {
		tasks, err := l.synthesizeTasks(ev)
		if err != nil {
			log.Error("coordinator: synthesize tasks failed", "event_id", ev.ID, "err", err)
			continue
		}

		if len(tasks) > 0 {
			if _, err := l.proposer.Propose(ctx, types.ProposalRequest{Tag: types.TagCreateTasks, Tasks: tasks}); err != nil {
				log.Warn("coordinator: propose CreateTasks failed, will retry", "event_id", ev.ID, "err", err)
				continue
			}
		}

		if _, err := l.proposer.Propose(ctx, types.ProposalRequest{Tag: types.TagMarkExtractionEventProcessed, EventID: ev.ID}); err != nil {
			log.Warn("coordinator: propose MarkExtractionEventProcessed failed, will retry", "event_id", ev.ID, "err", err)
		}
	}
}

// synthesizeTasks computes the tasks a single extraction event should
// produce, without proposing anything.
func (l *Loop) synthesizeTasks(ev types.ExtractionEvent) ([]types.Task, error) {
	switch ev.Kind {
	case types.EventContentCreated:
		content, ok := l.sm.Content(ev.ContentID)
		if !ok {
			log.Warn("coordinator: content_created event for unknown content", "event_id", ev.ID, "content_id", ev.ContentID)
			return nil, nil
		}
		bindings := l.sm.BindingsInRepository(ev.Repository)
		var tasks []types.Task
		for _, binding := range bindings {
			matched, err := filterexpr.Matches(binding.Filters, content.Labels)
			if err != nil {
				return nil, err
			}
			if matched {
				tasks = append(tasks, l.buildTask(binding, content))
			}
		}
		return tasks, nil

	case types.EventBindingAdded:
		binding, ok := l.sm.Binding(ev.BindingID)
		if !ok {
			log.Warn("coordinator: binding_added event for unknown binding", "event_id", ev.ID, "binding_id", ev.BindingID)
			return nil, nil
		}
		contents := l.sm.ContentInRepository(ev.Repository)
		var tasks []types.Task
		for _, content := range contents {
			matched, err := filterexpr.Matches(binding.Filters, content.Labels)
			if err != nil {
				return nil, err
			}
			if matched {
				tasks = append(tasks, l.buildTask(binding, content))
			}
		}
		return tasks, nil

	default:
		log.Warn("coordinator: extraction event of unknown kind", "event_id", ev.ID, "kind", ev.Kind)
		return nil, nil
	}
}

func (l *Loop) buildTask(binding types.ExtractorBinding, content types.ContentMetadata) types.Task {
	return types.Task{
		ID:                 TaskID(binding.ID, content.ID),
		ExtractorBindingID: binding.ID,
		ExtractorName:      binding.ExtractorName,
		Repository:         binding.Repository,
		ContentID:          content.ID,
		InputParams:        binding.InputParams,
		Status:             types.TaskUnassigned,
	}
}

// TaskID deterministically derives a task id from its binding and content,
// so re-synthesizing from a replayed event is idempotent (CreateTasks is a
// no-op for an already-known id — see internal/statemachine's apply).
func TaskID(bindingID, contentID string) string {
	sum := sha256.Sum256([]byte(bindingID + "\x00" + contentID))
	return hex.EncodeToString(sum[:16])
}

// distributeWork assigns every currently unassigned task to a live executor
// advertising its extractor, selected uniformly at random (spec.md §4.6,
// §4.8, §9). Tasks with no live candidate executor are left unassigned and
// retried on the next drive. All resulting assignments are committed in a
// single AssignTask proposal.
func (l *Loop) distributeWork(ctx context.Context) {
	unassigned := l.sm.UnassignedTasks()
	slices.Sort(unassigned)
	if len(unassigned) == 0 {
		return
	}

	now := l.clock()
	assignments := make(map[string]string, len(unassigned))
	for _, taskID := range unassigned {
		task, ok := l.sm.Task(taskID)
		if !ok {
			continue
		}
		candidates := l.sm.ExecutorsForExtractor(task.ExtractorName, l.livenessWindowSecs, now)
		executor, ok := executorregistry.PickExecutor(candidates, l.rng)
		if !ok {
			log.Debug("coordinator: no live executor for task", "task_id", taskID, "extractor", task.ExtractorName)
			continue
		}
		assignments[taskID] = executor.ID
	}

	if len(assignments) == 0 {
		return
	}
	if _, err := l.proposer.Propose(ctx, types.ProposalRequest{Tag: types.TagAssignTask, Assignments: assignments}); err != nil {
		log.Warn("coordinator: propose AssignTask failed, will retry", "err", err)
	}
}
