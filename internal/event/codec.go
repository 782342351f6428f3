package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire form of an Event: the payload is carried as raw
// JSON and decoded into its concrete variant based on Type, keeping the
// sum type closed at the decoding boundary.
type envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	TraceID    string          `json:"trace_id,omitempty"`
	RetryCount int             `json:"retry_count"`
	Priority   int             `json:"priority,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes e, including its typed payload, as a JSON document
// that Unmarshal can round-trip. The worker base layer persists the
// in-flight event inside its pre-checkpoint this way so the
// orchestrator can re-emit it verbatim on resume.
func Marshal(e Event) ([]byte, error) {
	env := envelope{
		ID:         e.ID,
		Type:       e.Type,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		RetryCount: e.RetryCount,
		Priority:   e.Priority,
		CreatedAt:  e.CreatedAt,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("event: marshal %s payload: %w", e.Type, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Unmarshal decodes a document produced by Marshal, reconstructing the
// payload's concrete variant from the event type. Unknown types are
// rejected rather than decoded into a free-form map.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("event: unmarshal envelope: %w", err)
	}
	if !Known(env.Type) {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	e := Event{
		ID:         env.ID,
		Type:       env.Type,
		WorkflowID: env.WorkflowID,
		TraceID:    env.TraceID,
		RetryCount: env.RetryCount,
		Priority:   env.Priority,
		CreatedAt:  env.CreatedAt,
	}
	if len(env.Payload) == 0 {
		return e, nil
	}

	target := payloadValue(env.Type)
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return Event{}, fmt.Errorf("event: decode %s payload: %w", env.Type, err)
	}
	e.Payload = dereference(target)
	return e, nil
}

// payloadValue returns a pointer to the zero payload variant for t.
// Known(t) must already hold.
func payloadValue(t Type) any {
	switch t {
	case WorkflowStarted:
		return &PayloadWorkflowStarted{}
	case ChapterParsed:
		return &PayloadChapterParsed{}
	case SectionParsed:
		return &PayloadSectionParsed{}
	case ParagraphParsed:
		return &PayloadParagraphParsed{}
	case StructureAnalyzed:
		return &PayloadStructureAnalyzed{}
	case ContentGenerated:
		return &PayloadContentGenerated{}
	case ChapterAggregated:
		return &PayloadChapterAggregated{}
	case MetadataGenerated:
		return &PayloadMetadataGenerated{}
	case ThumbnailGenerated:
		return &PayloadThumbnailGenerated{}
	case ImageProcessed:
		return &PayloadImageProcessed{}
	case IntermediateAggregated:
		return &PayloadIntermediateAggregated{}
	case WorkflowCompleted:
		return &PayloadWorkflowCompleted{}
	case ReportGenerated:
		return &PayloadReportGenerated{}
	case WorkflowFailed:
		return &PayloadWorkflowFailed{}
	case WorkflowSuspended:
		return &PayloadWorkflowSuspended{}
	case TaskStarted:
		return &PayloadTaskStarted{}
	case TaskCompleted:
		return &PayloadTaskCompleted{}
	default:
		return &PayloadTaskFailed{}
	}
}

// dereference unwraps the pointer payloadValue returned so handlers
// type-assert against the same value forms publishers use.
func dereference(p any) any {
	switch v := p.(type) {
	case *PayloadWorkflowStarted:
		return *v
	case *PayloadChapterParsed:
		return *v
	case *PayloadSectionParsed:
		return *v
	case *PayloadParagraphParsed:
		return *v
	case *PayloadStructureAnalyzed:
		return *v
	case *PayloadContentGenerated:
		return *v
	case *PayloadChapterAggregated:
		return *v
	case *PayloadMetadataGenerated:
		return *v
	case *PayloadThumbnailGenerated:
		return *v
	case *PayloadImageProcessed:
		return *v
	case *PayloadIntermediateAggregated:
		return *v
	case *PayloadWorkflowCompleted:
		return *v
	case *PayloadReportGenerated:
		return *v
	case *PayloadWorkflowFailed:
		return *v
	case *PayloadWorkflowSuspended:
		return *v
	case *PayloadTaskStarted:
		return *v
	case *PayloadTaskCompleted:
		return *v
	case *PayloadTaskFailed:
		return *v
	default:
		return p
	}
}
