// Package types holds the data model replicated by the state machine:
// executors, repositories, bindings, content, extraction events, tasks and
// assignments, plus the wire-serialized proposal request/response shapes.
package types

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskUnassigned TaskStatus = "unassigned"
	TaskAssigned   TaskStatus = "assigned"
	TaskRunning    TaskStatus = "running"
	TaskSuccess    TaskStatus = "success"
	TaskFailure    TaskStatus = "failure"
)

// ExtractorDescription is immutable once registered; identity is Name.
type ExtractorDescription struct {
	Name           string   `json:"name"`
	InputSchema    string   `json:"input_schema"`
	OutputFeatures []string `json:"output_features"`
}

// ExecutorMetadata is soft state, created/refreshed on heartbeat.
type ExecutorMetadata struct {
	ID            string                `json:"id"`
	Address       string                `json:"address"`
	Extractor     ExtractorDescription  `json:"extractor"`
	LastSeenSecs  int64                 `json:"last_seen_secs"`
}

// Repository is a logical namespace for content and bindings.
type Repository struct {
	Name string `json:"name"`
}

// ExtractorBinding is immutable after creation.
type ExtractorBinding struct {
	ID            string            `json:"id"`
	Repository    string            `json:"repository"`
	ExtractorName string            `json:"extractor_name"`
	InputParams   map[string]any    `json:"input_params"`
	Filters       string            `json:"filters"`
}

// ContentMetadata is immutable, created by a user submission.
type ContentMetadata struct {
	ID        string            `json:"id"`
	Repository string           `json:"repository"`
	SourceRef string            `json:"source_ref"`
	Labels    map[string]string `json:"labels"`
	Mime      string            `json:"mime"`
}

// ExtractionEventKind discriminates the two event payload shapes.
type ExtractionEventKind string

const (
	EventBindingAdded   ExtractionEventKind = "binding_added"
	EventContentCreated ExtractionEventKind = "content_created"
)

// ExtractionEvent is a control-plane trigger that causes tasks to be
// synthesized. ProcessedAt is nil (zero) until MarkExtractionEventProcessed.
type ExtractionEvent struct {
	ID          string              `json:"id"`
	Repository  string              `json:"repository"`
	Kind        ExtractionEventKind `json:"kind"`
	BindingID   string              `json:"binding_id,omitempty"`
	ContentID   string              `json:"content_id,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	ProcessedAt *int64              `json:"processed_at,omitempty"`
}

// Task is the primary scheduling object. ID is deterministically derived
// from (ExtractorBindingID, ContentID) so re-applying CreateTasks is
// idempotent (see TaskID in internal/coordinator).
type Task struct {
	ID               string         `json:"id"`
	ExtractorBindingID string       `json:"extractor_binding_id"`
	ExtractorName    string         `json:"extractor_name"`
	Repository       string         `json:"repository"`
	ContentID        string         `json:"content_id"`
	InputParams      map[string]any `json:"input_params"`
	Status           TaskStatus     `json:"status"`
}

// Feature is an extractor output: an embedding vector or structured metadata,
// never both populated for the same feature in a well-formed report.
type Feature struct {
	Name      string         `json:"name"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExtractedContent is one extractor output sample for a task's content.
type ExtractedContent struct {
	ContentID string    `json:"content_id"`
	Text      string    `json:"text,omitempty"`
	Feature   *Feature  `json:"feature,omitempty"`
}

// TaskStatusReport is what an executor posts back via report_status.
type TaskStatusReport struct {
	TaskID           string             `json:"task_id"`
	Status           TaskStatus         `json:"status"`
	ExtractedContent []ExtractedContent `json:"extracted_content"`
}

// --- Proposal request/response wire shapes (spec.md §6) ---

// RequestTag is the stable wire tag discriminating a ProposalRequest.
type RequestTag string

const (
	TagSet                           RequestTag = "Set"
	TagExecutorHeartbeat             RequestTag = "ExecutorHeartbeat"
	TagCreateTasks                   RequestTag = "CreateTasks"
	TagAssignTask                    RequestTag = "AssignTask"
	TagAddExtractionEvent            RequestTag = "AddExtractionEvent"
	TagMarkExtractionEventProcessed  RequestTag = "MarkExtractionEventProcessed"
	TagCreateContent                 RequestTag = "CreateContent"
	TagCreateBinding                 RequestTag = "CreateBinding"
	TagUpdateTask                    RequestTag = "UpdateTask"
)

// ProposalRequest is the single command type carried through the Raft log.
// Only the field matching Tag is populated; this mirrors the tagged-enum
// wire shape of the original design while staying a plain Go struct.
type ProposalRequest struct {
	Tag RequestTag `json:"tag"`

	SetKey   string `json:"set_key,omitempty"`
	SetValue string `json:"set_value,omitempty"`

	Executor *ExecutorHeartbeat `json:"executor,omitempty"`

	Tasks []Task `json:"tasks,omitempty"`

	Assignments map[string]string `json:"assignments,omitempty"` // task_id -> executor_id

	Event *ExtractionEvent `json:"event,omitempty"`

	EventID string `json:"event_id,omitempty"`

	Content *ContentMetadata `json:"content,omitempty"`

	Binding *ExtractorBinding `json:"binding,omitempty"`

	UpdatedTask *Task `json:"updated_task,omitempty"`
}

// ExecutorHeartbeat is the payload of a TagExecutorHeartbeat proposal.
type ExecutorHeartbeat struct {
	ExecutorID string               `json:"executor_id"`
	Addr       string               `json:"addr"`
	Extractor  ExtractorDescription `json:"extractor"`
}

// ProposalResponse is populated only for TagSet, per spec.md §6.
type ProposalResponse struct {
	Value *string `json:"value,omitempty"`
}
