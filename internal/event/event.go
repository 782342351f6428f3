// Package event defines the immutable event record exchanged on the bus
// and the closed set of event types the pipeline recognizes.
package event

import "time"

// Type is the closed enum of wire event identifiers. New variants are not
// added by callers; the set is fixed by the pipeline's external contract.
type Type string

const (
	WorkflowStarted        Type = "WORKFLOW_STARTED"
	WorkflowCompleted      Type = "WORKFLOW_COMPLETED"
	WorkflowFailed         Type = "WORKFLOW_FAILED"
	WorkflowSuspended      Type = "WORKFLOW_SUSPENDED"
	ChapterParsed          Type = "CHAPTER_PARSED"
	SectionParsed          Type = "SECTION_PARSED"
	ParagraphParsed        Type = "PARAGRAPH_PARSED"
	StructureAnalyzed      Type = "STRUCTURE_ANALYZED"
	ContentGenerated       Type = "CONTENT_GENERATED"
	ChapterAggregated      Type = "CHAPTER_AGGREGATED"
	MetadataGenerated      Type = "METADATA_GENERATED"
	ThumbnailGenerated     Type = "THUMBNAIL_GENERATED"
	ImageProcessed         Type = "IMAGE_PROCESSED"
	IntermediateAggregated Type = "INTERMEDIATE_AGGREGATED"
	ReportGenerated        Type = "REPORT_GENERATED"
	TaskStarted            Type = "TASK_STARTED"
	TaskCompleted          Type = "TASK_COMPLETED"
	TaskFailed             Type = "TASK_FAILED"
)

// Known reports whether t is a member of the closed event type set.
func Known(t Type) bool {
	switch t {
	case WorkflowStarted, WorkflowCompleted, WorkflowFailed, WorkflowSuspended,
		ChapterParsed, SectionParsed, ParagraphParsed, StructureAnalyzed,
		ContentGenerated, ChapterAggregated, MetadataGenerated,
		ThumbnailGenerated, ImageProcessed, IntermediateAggregated,
		ReportGenerated, TaskStarted, TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}

// Event is an immutable tagged record dispatched on the EventBus. Payload
// carries the type-specific variant; callers type-assert it against the
// Payload* structs in payload.go after checking Type.
type Event struct {
	ID         string
	Type       Type
	WorkflowID string
	TraceID    string
	RetryCount int
	Priority   int
	CreatedAt  time.Time
	Payload    any
}

// Validate checks the invariants from the data model: workflow_id
// non-empty, type recognized, retry_count >= 0.
func (e Event) Validate() error {
	if e.WorkflowID == "" {
		return ErrMissingWorkflowID
	}
	if !Known(e.Type) {
		return ErrUnknownType
	}
	if e.RetryCount < 0 {
		return ErrNegativeRetryCount
	}
	return nil
}

// WithRetry returns a copy of e with RetryCount incremented by one,
// preserving WorkflowID and TraceID as required by the retry contract.
func (e Event) WithRetry() Event {
	e2 := e
	e2.RetryCount = e.RetryCount + 1
	return e2
}
