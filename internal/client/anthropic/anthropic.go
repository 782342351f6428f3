// Package anthropic adapts the Anthropic Claude Messages API into an
// ai.Generator, producing one ContentItem per (kind, paragraph) pair.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/develogon/contentpipe/internal/client"
	"github.com/develogon/contentpipe/internal/event"
)

// MessagesClient captures the subset of the Anthropic SDK client the
// generator calls, so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the generator's default model and sampling
// parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int64
	Temperature  float64
}

// Generator implements ai.Generator on top of the Anthropic Messages API.
type Generator struct {
	msg   MessagesClient
	model string
	maxTk int64
	temp  float64
}

// New builds a Generator from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Generator, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &Generator{msg: msg, model: opts.DefaultModel, maxTk: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Generator over the given HTTP client
// (typically one returned by the shared ServiceClient base's
// HTTPClient, so calls pass through rate limiting, circuit breaking,
// and retry). A nil httpClient falls back to the SDK default.
func NewFromAPIKey(apiKey, defaultModel string, httpClient *http.Client) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Generate produces one ContentItem of the requested kind from a
// paragraph's text, one prompt template per generation kind.
func (g *Generator) Generate(ctx context.Context, kind event.ContentKind, paragraph event.Paragraph, section event.Section) (event.ContentItem, error) {
	prompt := promptFor(kind, paragraph, section)

	resp, err := g.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(g.model),
		MaxTokens: g.maxTk,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if isRateLimited(err) {
			return event.ContentItem{}, client.NewFromStatus("anthropic", "generate", 429, err.Error(), "")
		}
		return event.ContentItem{}, fmt.Errorf("anthropic generate %s: %w", kind, err)
	}

	body := extractText(resp)
	return event.ContentItem{
		Kind:           kind,
		Title:          titleFor(kind, section),
		Body:           body,
		WordCount:      len(strings.Fields(body)),
		CharacterCount: len(body),
		Format:         formatFor(kind),
	}, nil
}

func promptFor(kind event.ContentKind, p event.Paragraph, s event.Section) string {
	switch kind {
	case event.ContentKindArticle:
		return fmt.Sprintf("Write a full article section expanding on this paragraph from %q:\n\n%s", s.Title, p.Content)
	case event.ContentKindScript:
		return fmt.Sprintf("Write a narration script for a screencast covering this paragraph from %q:\n\n%s", s.Title, p.Content)
	case event.ContentKindScriptStructured:
		return fmt.Sprintf("Produce a structured screencast script for this paragraph from %q as a JSON array of {\"name\",\"value\"} actions drawn only from author-speak-before, file-explorer-create-file, file-explorer-open-file, editor-type, editor-enter, editor-space, editor-save:\n\n%s", s.Title, p.Content)
	case event.ContentKindMicroPost:
		return fmt.Sprintf("Write a short social media post (under 280 characters) summarizing this paragraph from %q:\n\n%s", s.Title, p.Content)
	case event.ContentKindDescription:
		return fmt.Sprintf("Write a one-paragraph description of this content from %q:\n\n%s", s.Title, p.Content)
	default:
		return p.Content
	}
}

func titleFor(kind event.ContentKind, s event.Section) string {
	return fmt.Sprintf("%s: %s", s.Title, kind)
}

func formatFor(kind event.ContentKind) event.ContentFormat {
	if kind == event.ContentKindScriptStructured {
		return event.ContentFormatStructured
	}
	return event.ContentFormatMarkdown
}

func extractText(msg *sdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			b.WriteString(text)
		}
	}
	return b.String()
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}
