package event

import "errors"

var (
	ErrMissingWorkflowID  = errors.New("event: workflow_id is required")
	ErrUnknownType        = errors.New("event: unrecognized type")
	ErrNegativeRetryCount = errors.New("event: retry_count must be >= 0")
)
