// Package chat adapts slack-go/slack into a notify sink, posting
// WORKFLOW_COMPLETED / WORKFLOW_FAILED summaries to a configured
// channel.
package chat

import (
	"fmt"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/develogon/contentpipe/internal/event"
)

// PostMessageAPI captures the subset of the Slack client the sink
// calls, so tests can substitute a fake.
type PostMessageAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Sink posts workflow lifecycle summaries to a single Slack channel.
type Sink struct {
	api     PostMessageAPI
	channel string
}

// New constructs a Sink posting to channel via api.
func New(api PostMessageAPI, channel string) *Sink {
	return &Sink{api: api, channel: channel}
}

// NewFromToken constructs a Sink using a real Slack bot token. A
// non-nil httpClient (typically the shared ServiceClient base's
// HTTPClient) routes posts through the base's outbound-call pipeline.
func NewFromToken(token, channel string, httpClient *http.Client) *Sink {
	var opts []slack.Option
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return New(slack.New(token, opts...), channel)
}

// Notify posts a one-line summary for e. Only WORKFLOW_COMPLETED and
// WORKFLOW_FAILED are rendered with full detail; other event types get
// a terse line.
func (s *Sink) Notify(e event.Event) error {
	text := summarize(e)
	_, _, err := s.api.PostMessage(s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat notify %s: %w", e.Type, err)
	}
	return nil
}

func summarize(e event.Event) string {
	switch p := e.Payload.(type) {
	case event.PayloadWorkflowCompleted:
		return fmt.Sprintf(":white_check_mark: workflow `%s` completed: %d content items, %d images processed",
			e.WorkflowID, p.AggregationResult.TotalContentItems, p.AggregationResult.ProcessedImages)
	case event.PayloadWorkflowFailed:
		return fmt.Sprintf(":x: workflow `%s` failed: %s (%s)", e.WorkflowID, p.Reason, p.Err)
	default:
		return fmt.Sprintf("workflow `%s`: %s", e.WorkflowID, e.Type)
	}
}
