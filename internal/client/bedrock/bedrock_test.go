package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/develogon/contentpipe/internal/event"
)

type stubRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.output, s.err
}

func TestGenerateExtractsTextFromConverseOutput(t *testing.T) {
	stub := &stubRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role:    brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "hello from bedrock"}},
				},
			},
		},
	}
	gen, err := New(Options{Runtime: stub, DefaultModel: "anthropic.claude-3-sonnet-20240229-v1:0"})
	require.NoError(t, err)

	item, err := gen.Generate(context.Background(), event.ContentKindArticle, event.Paragraph{Content: "source"}, event.Section{Title: "Sec"})
	require.NoError(t, err)
	require.Equal(t, "hello from bedrock", item.Body)
	require.Equal(t, *stub.lastInput.ModelId, "anthropic.claude-3-sonnet-20240229-v1:0")
}

func TestGenerateErrorsWhenResponseHasNoMessageOutput(t *testing.T) {
	stub := &stubRuntime{output: &bedrockruntime.ConverseOutput{}}
	gen, err := New(Options{Runtime: stub, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), event.ContentKindArticle, event.Paragraph{}, event.Section{})
	require.Error(t, err)
}

func TestGeneratePropagatesRuntimeError(t *testing.T) {
	stub := &stubRuntime{err: errors.New("throttled")}
	gen, err := New(Options{Runtime: stub, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), event.ContentKindArticle, event.Paragraph{}, event.Section{})
	require.ErrorContains(t, err, "throttled")
}

func TestNewRejectsMissingRuntimeOrModel(t *testing.T) {
	_, err := New(Options{DefaultModel: "m"})
	require.Error(t, err)

	_, err = New(Options{Runtime: &stubRuntime{}})
	require.Error(t, err)
}
