// Package ingestion implements the Index Ingestion Bridge (spec.md §4.7):
// on receiving a batch of TaskStatus reports from executors, it records each
// task's terminal state and fans extracted features out to the vector and
// attribute index managers, which live outside this core (spec.md §1).
package ingestion

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/extractctl/controlplane/internal/statemachine"
	"github.com/extractctl/controlplane/internal/types"
)

// VectorEntry is one embedding sample forwarded to the Vector Index Manager.
type VectorEntry struct {
	ContentID string    `json:"content_id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// AttributeRecord is one metadata sample forwarded to the Attribute Index
// Manager.
type AttributeRecord struct {
	ContentID     string         `json:"content_id"`
	Attributes    map[string]any `json:"attributes"`
	ExtractorName string         `json:"extractor_name"`
}

// VectorIndex is the outbound interface to the Vector Index Manager
// (spec.md §6), consumed as an external collaborator.
type VectorIndex interface {
	Add(ctx context.Context, repository, indexName string, entries []VectorEntry) error
}

// AttributeIndex is the outbound interface to the Attribute Index Manager
// (spec.md §6), consumed as an external collaborator.
type AttributeIndex interface {
	Add(ctx context.Context, repository, indexName string, record AttributeRecord) error
}

// NoopVectorIndex discards every entry. It is the default wiring for a node
// that has not been configured with a real Vector Index Manager endpoint.
type NoopVectorIndex struct{}

// Add implements VectorIndex.
func (NoopVectorIndex) Add(context.Context, string, string, []VectorEntry) error { return nil }

// NoopAttributeIndex discards every record. It is the default wiring for a
// node that has not been configured with a real Attribute Index Manager
// endpoint.
type NoopAttributeIndex struct{}

// Add implements AttributeIndex.
func (NoopAttributeIndex) Add(context.Context, string, string, AttributeRecord) error { return nil }

// Proposer is the subset of the Command Router the bridge needs to commit a
// task's terminal state.
type Proposer interface {
	Propose(ctx context.Context, req types.ProposalRequest) (types.ProposalResponse, error)
}

// Bridge is the Index Ingestion Bridge for one node.
type Bridge struct {
	sm        *statemachine.StateMachine
	proposer  Proposer
	vector    VectorIndex
	attribute AttributeIndex
}

// New constructs a Bridge reading task/binding identity from sm, committing
// terminal task state through proposer, and fanning features out to vector
// and attribute.
func New(sm *statemachine.StateMachine, proposer Proposer, vector VectorIndex, attribute AttributeIndex) *Bridge {
	return &Bridge{sm: sm, proposer: proposer, vector: vector, attribute: attribute}
}

// ReportStatuses processes a batch of executor-reported task statuses
// (spec.md §4.7):
//  1. each task's terminal state is committed via an UpdateTask proposal;
//  2. for each ExtractedContent with a feature carrying an embedding, the
//     sample is forwarded to the Vector Index Manager;
//  3. for each ExtractedContent with a feature carrying metadata, the
//     sample is forwarded to the Attribute Index Manager.
//
// Index-side errors are logged and do not block other features in the
// batch or other reports; the task's terminal state is already recorded by
// the time indexing runs, so a retry of this call would double-index — an
// accepted at-least-once semantic for indexes (spec.md §4.7).
func (b *Bridge) ReportStatuses(ctx context.Context, reports []types.TaskStatusReport) error {
	for _, report := range reports {
		task, ok := b.sm.Task(report.TaskID)
		if !ok {
			log.Warn("ingestion: status report for unknown task", "task_id", report.TaskID)
			continue
		}
		updated := task
		updated.Status = report.Status
		if _, err := b.proposer.Propose(ctx, types.ProposalRequest{Tag: types.TagUpdateTask, UpdatedTask: &updated}); err != nil {
			return fmt.Errorf("ingestion: commit terminal state for task %s: %w", report.TaskID, err)
		}

		for _, extracted := range report.ExtractedContent {
			b.ingestFeature(ctx, task, extracted)
		}
	}
	return nil
}

func (b *Bridge) ingestFeature(ctx context.Context, task types.Task, extracted types.ExtractedContent) {
	if extracted.Feature == nil {
		return
	}
	indexName := fmt.Sprintf("%s-%s", task.ExtractorBindingID, extracted.Feature.Name)

	if len(extracted.Feature.Embedding) > 0 && extracted.Text != "" {
		entry := VectorEntry{ContentID: extracted.ContentID, Text: extracted.Text, Embedding: extracted.Feature.Embedding}
		if err := b.vector.Add(ctx, task.Repository, indexName, []VectorEntry{entry}); err != nil {
			log.Error("ingestion: vector index add failed", "index", indexName, "content_id", extracted.ContentID, "err", err)
		}
	}

	if len(extracted.Feature.Metadata) > 0 {
		record := AttributeRecord{ContentID: extracted.ContentID, Attributes: extracted.Feature.Metadata, ExtractorName: task.ExtractorName}
		if err := b.attribute.Add(ctx, task.Repository, indexName, record); err != nil {
			log.Error("ingestion: attribute index add failed", "index", indexName, "content_id", extracted.ContentID, "err", err)
		}
	}
}
