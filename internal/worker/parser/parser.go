// Package parser implements the parsing worker: it turns raw document
// text into a chapter/section/paragraph tree and emits one event per
// node, driving the rest of the pipeline.
package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker"
)

// Worker implements worker.Role for the parsing stage.
type Worker struct{}

// New constructs a parsing Worker.
func New() *Worker { return &Worker{} }

func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{event.WorkflowStarted, event.ChapterParsed, event.SectionParsed}
}

func (w *Worker) Process(ctx context.Context, bus *event.Bus, e event.Event) error {
	switch e.Type {
	case event.WorkflowStarted:
		return w.handleWorkflowStarted(ctx, bus, e)
	case event.ChapterParsed:
		return w.handleChapterParsed(ctx, bus, e)
	case event.SectionParsed:
		return w.handleSectionParsed(ctx, bus, e)
	default:
		return fmt.Errorf("%w: parser does not handle %q", worker.ErrValidation, e.Type)
	}
}

func (w *Worker) handleWorkflowStarted(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadWorkflowStarted)
	if !ok || p.Text == "" {
		return fmt.Errorf("%w: workflow started event missing text", worker.ErrValidation)
	}

	chapters := ExtractChapters(p.Text)
	structure := &event.StructureAnalysis{ParagraphCount: countParagraphs(chapters)}

	if err := bus.Publish(event.Event{
		Type:       event.StructureAnalyzed,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		Payload:    event.PayloadStructureAnalyzed{Chapters: chapters, Structure: structure},
	}); err != nil {
		return err
	}

	for i := range chapters {
		if err := bus.Publish(event.Event{
			Type:       event.ChapterParsed,
			WorkflowID: e.WorkflowID,
			TraceID:    e.TraceID,
			Payload:    event.PayloadChapterParsed{Chapter: chapters[i]},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handleChapterParsed(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadChapterParsed)
	if !ok {
		return fmt.Errorf("%w: malformed chapter_parsed payload", worker.ErrValidation)
	}
	for i := range p.Chapter.Sections {
		if err := bus.Publish(event.Event{
			Type:       event.SectionParsed,
			WorkflowID: e.WorkflowID,
			TraceID:    e.TraceID,
			Payload:    event.PayloadSectionParsed{Section: p.Chapter.Sections[i], Chapter: p.Chapter},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handleSectionParsed(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadSectionParsed)
	if !ok {
		return fmt.Errorf("%w: malformed section_parsed payload", worker.ErrValidation)
	}
	for i := range p.Section.Paragraphs {
		if err := bus.Publish(event.Event{
			Type:       event.ParagraphParsed,
			WorkflowID: e.WorkflowID,
			TraceID:    e.TraceID,
			Payload:    event.PayloadParagraphParsed{Paragraph: p.Section.Paragraphs[i], Section: p.Section},
		}); err != nil {
			return err
		}
	}
	return nil
}

func countParagraphs(chapters []event.Chapter) int {
	n := 0
	for _, c := range chapters {
		for _, s := range c.Sections {
			n += len(s.Paragraphs)
		}
	}
	return n
}

// ExtractChapters splits text on level-1 Markdown headings ("# Title",
// but not "## ..."). Text with no level-1 heading becomes a single
// synthetic chapter titled "Main Content" so the rest of the pipeline
// always has at least one chapter to work with.
func ExtractChapters(text string) []event.Chapter {
	var chapters []event.Chapter
	var current *event.Chapter
	var buf []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.Join(buf, "\n")
		current.Sections = ExtractSections(current.Content)
		chapters = append(chapters, *current)
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") && !strings.HasPrefix(trimmed, "## ") {
			flush()
			current = &event.Chapter{Index: len(chapters), Title: strings.TrimSpace(trimmed[2:]), Level: 1}
			buf = nil
			continue
		}
		if current != nil {
			buf = append(buf, trimmed)
		}
	}
	flush()

	if len(chapters) == 0 {
		chapters = append(chapters, event.Chapter{
			Index:    0,
			Title:    "Main Content",
			Level:    1,
			Content:  text,
			Sections: ExtractSections(text),
		})
	}
	assignIndices(chapters)
	return chapters
}

// assignIndices backfills the chapter/section index fields on nested
// sections and paragraphs so downstream id derivation (chapter/section/
// paragraph ids) has stable coordinates to work from.
func assignIndices(chapters []event.Chapter) {
	for ci := range chapters {
		for si := range chapters[ci].Sections {
			chapters[ci].Sections[si].ChapterIdx = ci
			for pi := range chapters[ci].Sections[si].Paragraphs {
				chapters[ci].Sections[si].Paragraphs[pi].ChapterIdx = ci
				chapters[ci].Sections[si].Paragraphs[pi].SectionIdx = si
			}
		}
	}
}

// ExtractSections splits content on level-2 headings ("## Title", but
// not "### ..."), falling back to a single "Main Section" when none are
// present.
func ExtractSections(content string) []event.Section {
	var sections []event.Section
	var current *event.Section
	var buf []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.Join(buf, "\n")
		current.Paragraphs = ExtractParagraphs(current.Content)
		sections = append(sections, *current)
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") && !strings.HasPrefix(trimmed, "### ") {
			flush()
			current = &event.Section{Index: len(sections), Title: strings.TrimSpace(trimmed[3:]), Level: 2}
			buf = nil
			continue
		}
		if current != nil {
			buf = append(buf, trimmed)
		}
	}
	flush()

	if len(sections) == 0 {
		sections = append(sections, event.Section{
			Index:      0,
			Title:      "Main Section",
			Level:      2,
			Content:    content,
			Paragraphs: ExtractParagraphs(content),
		})
	}
	return sections
}

// ExtractParagraphs splits content on blank lines and classifies each
// resulting block. Indices count non-empty blocks only, so the
// sequence is dense and 0-based regardless of stray blank runs.
func ExtractParagraphs(content string) []event.Paragraph {
	var paragraphs []event.Paragraph
	for _, raw := range strings.Split(content, "\n\n") {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		paragraphs = append(paragraphs, event.Paragraph{
			Index:     len(paragraphs),
			Content:   text,
			Type:      classifyParagraph(text),
			WordCount: len(strings.Fields(text)),
		})
	}
	return paragraphs
}

// classifyParagraph is a coarse, order-sensitive classifier: heading3
// and block markers win over length, and "short" is a catch-all for
// anything under ten words.
func classifyParagraph(text string) event.ParagraphType {
	switch {
	case strings.HasPrefix(text, "###"):
		return event.ParagraphTypeHeading3
	case strings.HasPrefix(text, "- "), strings.HasPrefix(text, "* "):
		return event.ParagraphTypeList
	case strings.HasPrefix(text, "> "):
		return event.ParagraphTypeQuote
	case strings.Contains(text, "```"):
		return event.ParagraphTypeCode
	case len(strings.Fields(text)) < 10:
		return event.ParagraphTypeShort
	default:
		return event.ParagraphTypeParagraph
	}
}
