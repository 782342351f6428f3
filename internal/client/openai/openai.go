// Package openai adapts the OpenAI Chat Completions API into an
// ai.Generator, serving as an alternate content-generation backend to
// internal/client/anthropic.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/develogon/contentpipe/internal/event"
)

// ChatClient captures the subset of the openai-go client the generator
// calls, so tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the generator's default model and token cap.
type Options struct {
	Client       ChatClient
	DefaultModel string
	MaxTokens    int64
}

// Generator implements ai.Generator on top of the OpenAI Chat
// Completions API.
type Generator struct {
	chat     ChatClient
	model    string
	maxToken int64
}

// New builds a Generator from an openai-go chat-completions client and
// options.
func New(opts Options) (*Generator, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &Generator{chat: opts.Client, model: modelID, maxToken: maxTok}, nil
}

// NewFromAPIKey constructs a Generator over the given HTTP client
// (typically one returned by the shared ServiceClient base's
// HTTPClient). A nil httpClient falls back to the SDK default.
func NewFromAPIKey(apiKey, defaultModel string, httpClient *http.Client) (*Generator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := openai.NewClient(opts...)
	return New(Options{Client: &client.Chat.Completions, DefaultModel: defaultModel})
}

// Generate produces one ContentItem of the requested kind from a
// paragraph's text.
func (g *Generator) Generate(ctx context.Context, kind event.ContentKind, paragraph event.Paragraph, section event.Section) (event.ContentItem, error) {
	prompt := promptFor(kind, paragraph, section)

	completion, err := g.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:     g.model,
		MaxTokens: openai.Int(g.maxToken),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return event.ContentItem{}, fmt.Errorf("openai generate %s: %w", kind, err)
	}
	if len(completion.Choices) == 0 {
		return event.ContentItem{}, fmt.Errorf("openai generate %s: empty response", kind)
	}

	body := completion.Choices[0].Message.Content
	return event.ContentItem{
		Kind:           kind,
		Title:          fmt.Sprintf("%s: %s", section.Title, kind),
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

func formatFor(kind event.ContentKind) event.ContentFormat {
	if kind == event.ContentKindScriptStructured {
		return event.ContentFormatStructured
	}
	return event.ContentFormatMarkdown
}
