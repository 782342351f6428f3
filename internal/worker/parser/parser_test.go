package parser_test

import (
	"context"
	"testing"
	"time"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker/parser"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = time.Second
	testTick    = time.Millisecond
)

func TestExtractChaptersSplitsOnLevel1Headings(t *testing.T) {
	text := "# First\nbody one\n# Second\nbody two"
	chapters := parser.ExtractChapters(text)
	require.Len(t, chapters, 2)
	require.Equal(t, "First", chapters[0].Title)
	require.Equal(t, "Second", chapters[1].Title)
}

func TestExtractChaptersFallsBackToMainContent(t *testing.T) {
	chapters := parser.ExtractChapters("just some text\nwith no headings")
	require.Len(t, chapters, 1)
	require.Equal(t, "Main Content", chapters[0].Title)
	require.Len(t, chapters[0].Sections, 1)
}

func TestExtractSectionsSplitsOnLevel2Headings(t *testing.T) {
	sections := parser.ExtractSections("## A\ntext a\n## B\ntext b")
	require.Len(t, sections, 2)
	require.Equal(t, "A", sections[0].Title)
	require.Equal(t, "B", sections[1].Title)
}

func TestExtractSectionsIgnoresLevel3Headings(t *testing.T) {
	sections := parser.ExtractSections("## A\n### not a section\nbody")
	require.Len(t, sections, 1)
	require.Equal(t, "A", sections[0].Title)
}

func TestExtractParagraphsClassifiesByContent(t *testing.T) {
	content := "A short one.\n\n- a list item\n\n> a quote\n\n```code block```\n\nThis paragraph has way more than ten words in its body so it should classify as a regular paragraph."
	paragraphs := parser.ExtractParagraphs(content)
	require.Len(t, paragraphs, 5)
	require.Equal(t, event.ParagraphTypeShort, paragraphs[0].Type)
	require.Equal(t, event.ParagraphTypeList, paragraphs[1].Type)
	require.Equal(t, event.ParagraphTypeQuote, paragraphs[2].Type)
	require.Equal(t, event.ParagraphTypeCode, paragraphs[3].Type)
	require.Equal(t, event.ParagraphTypeParagraph, paragraphs[4].Type)
}

func TestExtractParagraphsSkipsBlankBlocks(t *testing.T) {
	paragraphs := parser.ExtractParagraphs("one\n\n\n\ntwo")
	require.Len(t, paragraphs, 2)
	require.Equal(t, 0, paragraphs[0].Index)
	require.Equal(t, 1, paragraphs[1].Index, "indices stay dense across skipped blank blocks")
}

func TestWorkerHandlesWorkflowStartedEndToEnd(t *testing.T) {
	bus := event.NewBus()
	w := parser.New()

	var sectionCount, structureSeen int
	bus.Subscribe(event.StructureAnalyzed, func(ctx context.Context, e event.Event) error {
		structureSeen++
		return nil
	})
	bus.Subscribe(event.ChapterParsed, func(ctx context.Context, e event.Event) error {
		return w.Process(ctx, bus, e)
	})
	bus.Subscribe(event.SectionParsed, func(ctx context.Context, e event.Event) error {
		sectionCount++
		return w.Process(ctx, bus, e)
	})
	var paragraphCount int
	bus.Subscribe(event.ParagraphParsed, func(ctx context.Context, e event.Event) error {
		paragraphCount++
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.WorkflowStarted,
		WorkflowID: "wf-1",
		Payload:    event.PayloadWorkflowStarted{Title: "Doc", Text: "# Ch1\n## Sec1\npara one\n\npara two"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return structureSeen == 1 && sectionCount == 1 && paragraphCount == 2
	}, testTimeout, testTick)
}
