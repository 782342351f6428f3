// Package bedrock adapts the AWS Bedrock Converse API into an
// ai.Generator, giving the AI Worker a third interchangeable
// content-generation backend alongside anthropic and openai.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/develogon/contentpipe/internal/event"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// generator calls. It is satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the generator's default model identifier.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	MaxTokens    int32
}

// Generator implements ai.Generator on top of AWS Bedrock Converse.
type Generator struct {
	runtime RuntimeClient
	model   string
	maxTok  int32
}

// New builds a Generator from a Bedrock runtime client and options.
func New(opts Options) (*Generator, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &Generator{runtime: opts.Runtime, model: opts.DefaultModel, maxTok: maxTok}, nil
}

// Generate produces one ContentItem of the requested kind from a
// paragraph's text, via a single-turn Bedrock Converse call.
func (g *Generator) Generate(ctx context.Context, kind event.ContentKind, paragraph event.Paragraph, section event.Section) (event.ContentItem, error) {
	prompt := promptFor(kind, paragraph, section)

	output, err := g.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(g.model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(g.maxTok)},
	})
	if err != nil {
		return event.ContentItem{}, fmt.Errorf("bedrock generate %s: %w", kind, err)
	}

	body, err := extractText(output)
	if err != nil {
		return event.ContentItem{}, err
	}

	return event.ContentItem{
		Kind:           kind,
		Title:          fmt.Sprintf("%s: %s", section.Title, kind),
		Body:           body,
		WordCount:      len(strings.Fields(body)),
		CharacterCount: len(body),
		Format:         formatFor(kind),
	}, nil
}

func extractText(output *bedrockruntime.ConverseOutput) (string, error) {
	if output == nil {
		return "", errors.New("bedrock: response is nil")
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response had no message output")
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return b.String(), nil
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
