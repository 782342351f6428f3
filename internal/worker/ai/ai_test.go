package ai_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker/ai"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []event.ContentKind
	fail  map[event.ContentKind]bool
	body  func(kind event.ContentKind) string
}

func (g *fakeGenerator) Generate(ctx context.Context, kind event.ContentKind, p event.Paragraph, s event.Section) (event.ContentItem, error) {
	g.mu.Lock()
	g.calls = append(g.calls, kind)
	g.mu.Unlock()

	if g.fail != nil && g.fail[kind] {
		return event.ContentItem{}, errors.New("generation failed")
	}

	body := p.Content
	if g.body != nil {
		body = g.body(kind)
	}
	return event.ContentItem{
		Kind:           kind,
		Body:           body,
		CharacterCount: len(body),
		Format:         event.ContentFormatMarkdown,
	}, nil
}

func TestHandleParagraphParsedFansOutFiveKinds(t *testing.T) {
	bus := event.NewBus()
	gen := &fakeGenerator{}
	w := ai.New(gen, ai.Config{})

	var mu sync.Mutex
	var received []event.ContentKind
	bus.Subscribe(event.ContentGenerated, func(ctx context.Context, e event.Event) error {
		p := e.Payload.(event.PayloadContentGenerated)
		mu.Lock()
		received = append(received, p.Content.Kind)
		mu.Unlock()
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ParagraphParsed,
		WorkflowID: "wf-1",
		Payload: event.PayloadParagraphParsed{
			Paragraph: event.Paragraph{Content: "hello world"},
			Section:   event.Section{Title: "Sec"},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 5
	}, time.Second, time.Millisecond)
}

func TestHandleParagraphParsedIsolatesFailures(t *testing.T) {
	bus := event.NewBus()
	gen := &fakeGenerator{fail: map[event.ContentKind]bool{event.ContentKindScript: true}}
	w := ai.New(gen, ai.Config{})

	var mu sync.Mutex
	var received []event.ContentKind
	bus.Subscribe(event.ContentGenerated, func(ctx context.Context, e event.Event) error {
		p := e.Payload.(event.PayloadContentGenerated)
		mu.Lock()
		received = append(received, p.Content.Kind)
		mu.Unlock()
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ParagraphParsed,
		WorkflowID: "wf-1",
		Payload: event.PayloadParagraphParsed{
			Paragraph: event.Paragraph{Content: "hello world"},
			Section:   event.Section{Title: "Sec"},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range received {
		require.NotEqual(t, event.ContentKindScript, k)
	}
}

func TestMicroPostIsTruncatedAndMarked(t *testing.T) {
	bus := event.NewBus()
	longBody := strings.Repeat("x", 400)
	gen := &fakeGenerator{body: func(kind event.ContentKind) string {
		if kind == event.ContentKindMicroPost {
			return longBody
		}
		return "short"
	}}
	w := ai.New(gen, ai.Config{})

	var item event.ContentItem
	var found bool
	var mu sync.Mutex
	bus.Subscribe(event.ContentGenerated, func(ctx context.Context, e event.Event) error {
		p := e.Payload.(event.PayloadContentGenerated)
		if p.Content.Kind == event.ContentKindMicroPost {
			mu.Lock()
			item = p.Content
			found = true
			mu.Unlock()
		}
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ParagraphParsed,
		WorkflowID: "wf-1",
		Payload: event.PayloadParagraphParsed{
			Paragraph: event.Paragraph{Content: "hi"},
			Section:   event.Section{Title: "Sec"},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return found
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, len([]rune(item.Body)), 280)
	require.Equal(t, true, item.Metadata["truncated"])
}

func TestScriptStructuredWithUnrecognizedActionIsDropped(t *testing.T) {
	bus := event.NewBus()
	gen := &fakeGenerator{body: func(kind event.ContentKind) string {
		if kind == event.ContentKindScriptStructured {
			return `[{"name":"editor-type","value":"hi"},{"name":"delete-everything","value":"oops"}]`
		}
		return "short"
	}}
	w := ai.New(gen, ai.Config{})

	var mu sync.Mutex
	var received []event.ContentKind
	bus.Subscribe(event.ContentGenerated, func(ctx context.Context, e event.Event) error {
		p := e.Payload.(event.PayloadContentGenerated)
		mu.Lock()
		received = append(received, p.Content.Kind)
		mu.Unlock()
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ParagraphParsed,
		WorkflowID: "wf-1",
		Payload: event.PayloadParagraphParsed{
			Paragraph: event.Paragraph{Content: "hello world"},
			Section:   event.Section{Title: "Sec"},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range received {
		require.NotEqual(t, event.ContentKindScriptStructured, k)
	}
}

func TestHandleSectionParsedEmitsStructureAnalyzed(t *testing.T) {
	bus := event.NewBus()
	w := ai.New(&fakeGenerator{}, ai.Config{})

	var analysis *event.StructureAnalysis
	var mu sync.Mutex
	bus.Subscribe(event.StructureAnalyzed, func(ctx context.Context, e event.Event) error {
		p := e.Payload.(event.PayloadStructureAnalyzed)
		mu.Lock()
		analysis = p.Structure
		mu.Unlock()
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.SectionParsed,
		WorkflowID: "wf-1",
		Payload: event.PayloadSectionParsed{
			Section: event.Section{Content: "this has an API and a database call", Paragraphs: []event.Paragraph{{}, {}}},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return analysis != nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "technical", analysis.ContentType)
	require.Equal(t, 2, analysis.ParagraphCount)
}

func TestAnalyzeStructureClassifiesByWordCount(t *testing.T) {
	simple := ai.AnalyzeStructure("short text here", 1)
	require.Equal(t, "simple", simple.ComplexityLevel)

	complex := ai.AnalyzeStructure(strings.Repeat("word ", 250), 1)
	require.Equal(t, "complex", complex.ComplexityLevel)
}

func TestGenerateChapterMetadataSumsParagraphs(t *testing.T) {
	chapter := event.Chapter{
		Title: "Ch",
		Sections: []event.Section{
			{Paragraphs: []event.Paragraph{{}, {}}},
			{Paragraphs: []event.Paragraph{{}}},
		},
	}
	meta := ai.GenerateChapterMetadata(chapter)
	require.Equal(t, 2, meta.SectionCount)
	require.Equal(t, 3, meta.TotalParagraphs)
}

func TestHandleChapterAggregatedEmitsMetadataAndThumbnail(t *testing.T) {
	bus := event.NewBus()
	w := ai.New(&fakeGenerator{}, ai.Config{})

	var payload event.PayloadMetadataGenerated
	var mu sync.Mutex
	var got bool
	bus.Subscribe(event.MetadataGenerated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		payload = e.Payload.(event.PayloadMetadataGenerated)
		got = true
		mu.Unlock()
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ChapterAggregated,
		WorkflowID: "wf-1",
		Payload:    event.PayloadChapterAggregated{Chapter: event.Chapter{Title: "Intro"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, payload.Thumbnail)
	require.Equal(t, "Intro", payload.Thumbnail.Title)
	require.Equal(t, 1200, payload.Thumbnail.Width)
}
