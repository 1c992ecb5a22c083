package extraction

import (
	"context"
	"time"

	"github.com/emergent-company/emergent.extract/pkg/llm/gemini"
	"github.com/emergent-company/emergent.extract/pkg/sdk/graph"
)

// JobRequest is the host-delivered job record.
type JobRequest struct {
	// JobID identifies the job for logging; generated when missing.
	JobID string `json:"job_id"`

	// JobCollection is the collection owning the workflow audit trail.
	JobCollection string `json:"job_collection"`

	// TargetEntity is the id of the chunk entity to process.
	TargetEntity string `json:"target_entity"`

	// TargetCollection is where extracted entities are placed.
	TargetCollection string `json:"target_collection"`

	// APIBase is the graph service base URL for this job.
	APIBase string `json:"api_base"`

	// Network selects the environment the job runs against.
	Network string `json:"network,omitempty"`

	// Rhiza carries opaque host workflow context, echoed back untouched.
	Rhiza map[string]any `json:"rhiza,omitempty"`
}

// JobResult is returned to the host when a job completes.
type JobResult struct {
	Status string     `json:"status"`
	Output []string   `json:"output"`
	Error  *JobError  `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// JobError is the user-visible failure shape.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LogEntry is one per-step log line surfaced to the host.
type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// SourceRef identifies the source chunk; embedded in every provenance
// property block.
type SourceRef struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// EntityContext is the chunk-side context composed into the user prompt.
type EntityContext struct {
	ID            string
	Type          string
	Label         string
	Description   string
	Properties    map[string]any
	Relationships []graph.Relationship
}

// CreateOp declares an entity found in the text.
type CreateOp struct {
	Label       string            `json:"label"`
	EntityType  string            `json:"entity_type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// PropertyOp sets one property on an already-declared entity. Legacy shape
// still emitted by older prompts.
type PropertyOp struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// RelationshipOp declares a directed relationship between two labels.
type RelationshipOp struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
	QuoteStart  string `json:"quote_start,omitempty"`
	QuoteEnd    string `json:"quote_end,omitempty"`
}

// ParsedOperations is the validated output of one LLM extraction.
type ParsedOperations struct {
	Creates       []CreateOp
	Properties    []PropertyOp
	Relationships []RelationshipOp

	// Warnings collects per-op validation notes that did not drop the op.
	Warnings []string
}

// CheckCreateResult is the outcome of one check-create protocol run.
type CheckCreateResult struct {
	EntityID string
	IsNew    bool
	Label    string
	Type     string
}

// GraphAPI is the graph service surface the worker consumes. Satisfied by
// *graph.Client; narrowed so tests can swap in a fake.
type GraphAPI interface {
	GetEntity(ctx context.Context, id string, expandPreviews bool) (*graph.Entity, error)
	LookupEntities(ctx context.Context, collection, label, typ string, limit int) ([]graph.EntityRef, error)
	CreateEntity(ctx context.Context, req *graph.CreateEntityRequest) (*graph.EntityRef, error)
	DeleteEntity(ctx context.Context, id string) error
	PostAdditiveUpdates(ctx context.Context, updates []graph.AdditiveUpdate) (*graph.AdditiveUpdateResponse, error)
	GetEntityContent(ctx context.Context, id, key string) (string, error)
}

// GraphClientFactory mints a per-job graph client for the job's api_base.
type GraphClientFactory func(apiBase string) GraphAPI

// LLMClient is the single-call LLM surface. Satisfied by *gemini.Client.
type LLMClient interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (*gemini.Result, error)
}
