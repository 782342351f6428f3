// Package ai implements the generation worker: structural analysis of
// sections, five-way fan-out content generation per paragraph, and
// chapter metadata/thumbnail-request production.
package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker"
	"golang.org/x/sync/semaphore"
)

// microPostLimit is the hard character cap enforced on generated
// micro-posts.
const microPostLimit = 280

// Generator produces one ContentItem for a given kind from a paragraph
// and its enclosing section. Implementations wrap a specific LM client
// (Anthropic, OpenAI, Bedrock) plus the shared cache/rate-limit
// machinery; a failure here is isolated by the worker's fan-out from
// the other four concurrent tasks.
type Generator interface {
	Generate(ctx context.Context, kind event.ContentKind, paragraph event.Paragraph, section event.Section) (event.ContentItem, error)
}

// Worker implements worker.Role for the generation stage.
type Worker struct {
	gen       Generator
	fanoutSem *semaphore.Weighted
}

// Config tunes the worker's fan-out concurrency guard.
type Config struct {
	// MaxConcurrentGeneration bounds in-flight generation tasks per
	// paragraph (default 3).
	MaxConcurrentGeneration int64
}

// New constructs an ai.Worker backed by gen.
func New(gen Generator, cfg Config) *Worker {
	if cfg.MaxConcurrentGeneration <= 0 {
		cfg.MaxConcurrentGeneration = 3
	}
	return &Worker{gen: gen, fanoutSem: semaphore.NewWeighted(cfg.MaxConcurrentGeneration)}
}

func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{
		event.SectionParsed,
		event.ParagraphParsed,
		event.ChapterAggregated,
		event.StructureAnalyzed,
	}
}

func (w *Worker) Process(ctx context.Context, bus *event.Bus, e event.Event) error {
	switch e.Type {
	case event.SectionParsed:
		return w.handleSectionParsed(ctx, bus, e)
	case event.ParagraphParsed:
		return w.handleParagraphParsed(ctx, bus, e)
	case event.ChapterAggregated:
		return w.handleChapterAggregated(ctx, bus, e)
	case event.StructureAnalyzed:
		// No further action: the aggregator is the consumer of record.
		return nil
	default:
		return fmt.Errorf("%w: ai worker does not handle %q", worker.ErrValidation, e.Type)
	}
}

func (w *Worker) handleSectionParsed(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadSectionParsed)
	if !ok {
		return fmt.Errorf("%w: malformed section_parsed payload", worker.ErrValidation)
	}

	analysis := AnalyzeStructure(p.Section.Content, len(p.Section.Paragraphs))

	return bus.Publish(event.Event{
		Type:       event.StructureAnalyzed,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		Payload: event.PayloadStructureAnalyzed{
			Chapters:  []event.Chapter{p.Chapter},
			Structure: &analysis,
		},
	})
}

var generationKinds = []event.ContentKind{
	event.ContentKindArticle,
	event.ContentKindScript,
	event.ContentKindScriptStructured,
	event.ContentKindMicroPost,
	event.ContentKindDescription,
}

func (w *Worker) handleParagraphParsed(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadParagraphParsed)
	if !ok {
		return fmt.Errorf("%w: malformed paragraph_parsed payload", worker.ErrValidation)
	}

	var wg sync.WaitGroup
	for _, kind := range generationKinds {
		kind := kind
		if err := w.fanoutSem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.fanoutSem.Release(1)

			item, err := w.gen.Generate(ctx, kind, p.Paragraph, p.Section)
			if err != nil {
				// Individual fan-out failures are isolated: this task's
				// absence from the emitted set is the only signal.
				return
			}
			if kind == event.ContentKindScriptStructured {
				if err := validateScriptStructured(item.Body); err != nil {
					return
				}
			}
			if kind == event.ContentKindMicroPost {
				item = enforceMicroPostLimit(item)
			}
			_ = bus.Publish(event.Event{
				Type:       event.ContentGenerated,
				WorkflowID: e.WorkflowID,
				TraceID:    e.TraceID,
				Payload:    event.PayloadContentGenerated{Content: item, Paragraph: p.Paragraph, Section: p.Section},
			})
		}()
	}
	wg.Wait()
	return nil
}

// enforceMicroPostLimit truncates a micro-post body to the platform
// character limit and records the truncation in its metadata so
// downstream consumers can tell an edited post from a naturally short
// one.
func enforceMicroPostLimit(item event.ContentItem) event.ContentItem {
	if item.CharacterCount <= microPostLimit && len([]rune(item.Body)) <= microPostLimit {
		return item
	}
	runes := []rune(item.Body)
	if len(runes) > microPostLimit {
		item.Body = string(runes[:microPostLimit])
	}
	item.CharacterCount = len([]rune(item.Body))
	if item.Metadata == nil {
		item.Metadata = make(map[string]any)
	}
	item.Metadata["truncated"] = true
	return item
}

func (w *Worker) handleChapterAggregated(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadChapterAggregated)
	if !ok {
		return fmt.Errorf("%w: malformed chapter_aggregated payload", worker.ErrValidation)
	}

	metadata := GenerateChapterMetadata(p.Chapter)
	thumbnail := GenerateThumbnailRequest(p.Chapter)

	return bus.Publish(event.Event{
		Type:       event.MetadataGenerated,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		Payload:    event.PayloadMetadataGenerated{Chapter: p.Chapter, Metadata: metadata, Thumbnail: &thumbnail},
	})
}

// AnalyzeStructure computes the shallow, heuristic structural read
// of a section: a content-type classification, a word-count-based
// complexity bucket, a small set of detected key concepts, and an
// estimated reading time at 200 words/minute.
func AnalyzeStructure(content string, paragraphCount int) event.StructureAnalysis {
	return event.StructureAnalysis{
		ContentType:         classifyContentType(content),
		ComplexityLevel:     assessComplexity(content),
		KeyConcepts:         extractKeyConcepts(content),
		EstimatedReadingMin: estimateReadingMinutes(content),
		ParagraphCount:      paragraphCount,
	}
}

var techTerms = []string{"api", "database", "server", "client", "algorithm", "code"}

func classifyContentType(content string) string {
	lower := strings.ToLower(content)
	for _, term := range techTerms {
		if strings.Contains(lower, term) {
			return "technical"
		}
	}
	if strings.Contains(content, "```") {
		return "technical"
	}
	switch {
	case strings.Contains(lower, "example"):
		return "example"
	case strings.Contains(lower, "overview"):
		return "overview"
	default:
		return "general"
	}
}

func assessComplexity(content string) string {
	words := len(strings.Fields(content))
	switch {
	case words < 50:
		return "simple"
	case words < 200:
		return "moderate"
	default:
		return "complex"
	}
}

var keyConceptTerms = []string{"API", "database", "server", "client", "algorithm", "data", "system"}

func extractKeyConcepts(content string) []string {
	lower := strings.ToLower(content)
	var found []string
	for _, term := range keyConceptTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			found = append(found, term)
			if len(found) == 5 {
				break
			}
		}
	}
	return found
}

func estimateReadingMinutes(content string) int {
	words := len(strings.Fields(content))
	minutes := words / 200
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// GenerateChapterMetadata summarizes a completed chapter for the
// METADATA_GENERATED event.
func GenerateChapterMetadata(chapter event.Chapter) event.ChapterMetadata {
	totalParagraphs := 0
	for _, s := range chapter.Sections {
		totalParagraphs += len(s.Paragraphs)
	}
	return event.ChapterMetadata{
		Title:           chapter.Title,
		SectionCount:    len(chapter.Sections),
		TotalParagraphs: totalParagraphs,
		ReadingTimeMins: estimateReadingMinutes(chapter.Content),
		Difficulty:      "intermediate",
	}
}

// GenerateThumbnailRequest builds the placeholder thumbnail
// specification the Media Worker renders into an actual image.
func GenerateThumbnailRequest(chapter event.Chapter) event.ThumbnailRequest {
	return event.ThumbnailRequest{
		Title:       chapter.Title,
		Style:       "modern",
		ColorScheme: "blue",
		Width:       1200,
		Height:      630,
	}
}
