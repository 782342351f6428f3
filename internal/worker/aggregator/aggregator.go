// Package aggregator implements the result-accumulating worker: it
// maintains one WorkflowState per in-flight workflow, evaluates the
// completion predicate after every update, and produces the final
// report (or an intermediate progress event).
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker"
)

// Sink persists the final report document and per-content-item files
// for a completed workflow.
type Sink interface {
	PutReport(ctx context.Context, workflowID string, report []byte) error
	PutContentFile(ctx context.Context, workflowID, filename string, body []byte) error
}

// WorkflowState is the single per-workflow accumulator the Aggregator
// Worker builds up from every inbound event, keyed by each entity's
// deterministic id.
type WorkflowState struct {
	WorkflowID      string
	Status          string
	Chapters        map[string]event.Chapter
	Sections        map[string]event.Section
	Paragraphs      map[string]event.Paragraph
	ContentItems    map[string]contentRecord
	ProcessedImages map[string]event.ProcessedImage
	ThumbnailIDs    map[string]bool
	Metadata        map[string]event.ChapterMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time

	aggregatedChapters map[string]bool
}

type contentRecord struct {
	Content event.ContentItem
}

func newWorkflowState(id string) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		WorkflowID:         id,
		Status:             "initialized",
		Chapters:           make(map[string]event.Chapter),
		Sections:           make(map[string]event.Section),
		Paragraphs:         make(map[string]event.Paragraph),
		ContentItems:       make(map[string]contentRecord),
		ProcessedImages:    make(map[string]event.ProcessedImage),
		ThumbnailIDs:       make(map[string]bool),
		Metadata:           make(map[string]event.ChapterMetadata),
		CreatedAt:          now,
		UpdatedAt:          now,
		aggregatedChapters: make(map[string]bool),
	}
}

// Config tunes the aggregation worker's optional behaviors.
type Config struct {
	// EmitChapterAggregated, when set, makes the worker publish one
	// CHAPTER_AGGREGATED event per chapter as soon as every paragraph of
	// that chapter has at least one generated content item, feeding the
	// AI worker's metadata/thumbnail stage. Off by default so
	// content-only pipelines complete without a metadata round-trip.
	EmitChapterAggregated bool
}

// Worker implements worker.Role for the aggregation stage. It owns the
// full table of per-workflow states for the process's lifetime; the
// caller is expected to invoke CleanupOlderThan periodically.
type Worker struct {
	sink Sink
	cfg  Config

	mu     sync.Mutex
	states map[string]*WorkflowState
}

// New constructs an aggregator Worker writing final reports to sink.
func New(sink Sink) *Worker {
	return NewWithConfig(sink, Config{})
}

// NewWithConfig constructs an aggregator Worker with explicit options.
func NewWithConfig(sink Sink, cfg Config) *Worker {
	return &Worker{sink: sink, cfg: cfg, states: make(map[string]*WorkflowState)}
}

func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{
		event.StructureAnalyzed,
		event.ContentGenerated,
		event.ImageProcessed,
		event.MetadataGenerated,
		event.ParagraphParsed,
		event.SectionParsed,
		event.ChapterParsed,
		event.WorkflowFailed,
	}
}

func (w *Worker) Process(ctx context.Context, bus *event.Bus, e event.Event) error {
	state := w.stateFor(e.WorkflowID)

	switch p := e.Payload.(type) {
	case event.PayloadStructureAnalyzed:
		w.recordStructure(state, p)
	case event.PayloadContentGenerated:
		w.recordContent(state, p)
	case event.PayloadImageProcessed:
		w.recordImages(state, p)
	case event.PayloadMetadataGenerated:
		w.recordMetadata(state, p)
	case event.PayloadParagraphParsed:
		w.recordParagraph(state, p)
	case event.PayloadSectionParsed:
		w.recordSection(state, p)
	case event.PayloadChapterParsed:
		w.recordChapter(state, p)
	case event.PayloadWorkflowFailed:
		return w.flushPartial(ctx, state, p)
	default:
		return fmt.Errorf("%w: aggregator cannot interpret payload for %q", worker.ErrValidation, e.Type)
	}

	if w.cfg.EmitChapterAggregated {
		if err := w.emitCompletedChapters(ctx, bus, state, e.TraceID); err != nil {
			return err
		}
	}

	return w.checkCompletionAndAggregate(ctx, bus, state, e.TraceID)
}

// flushPartial persists whatever the failed workflow accumulated, with
// the failure recorded in the report's errors list, so operators still
// see partial results after a WORKFLOW_FAILED.
func (w *Worker) flushPartial(ctx context.Context, s *WorkflowState, p event.PayloadWorkflowFailed) error {
	w.mu.Lock()
	if s.Status == "completed" || s.Status == "failed" {
		w.mu.Unlock()
		return nil
	}
	s.Status = "failed"
	s.UpdatedAt = time.Now()
	w.mu.Unlock()

	if w.sink == nil {
		return nil
	}

	result := w.finalizeAggregation(ctx, s)
	result.Status = "failed"

	errMsg := p.Err
	if errMsg == "" {
		errMsg = p.Reason
	}
	report, err := w.buildReportDocument(s, result, []string{errMsg})
	if err != nil {
		return err
	}
	return w.sink.PutReport(ctx, s.WorkflowID, report)
}

// emitCompletedChapters publishes CHAPTER_AGGREGATED once per chapter,
// as soon as every paragraph the chapter's own tree names has at least
// one generated content item recorded.
func (w *Worker) emitCompletedChapters(ctx context.Context, bus *event.Bus, s *WorkflowState, traceID string) error {
	w.mu.Lock()
	var ready []event.Chapter
	for id, ch := range s.Chapters {
		if s.aggregatedChapters[id] || !chapterCoveredLocked(s, ch) {
			continue
		}
		s.aggregatedChapters[id] = true
		ready = append(ready, ch)
	}
	w.mu.Unlock()

	for _, ch := range ready {
		if err := bus.Publish(event.Event{
			Type:       event.ChapterAggregated,
			WorkflowID: s.WorkflowID,
			TraceID:    traceID,
			Payload:    event.PayloadChapterAggregated{ChapterID: ChapterID(ch), Chapter: ch},
		}); err != nil {
			return err
		}
	}
	return nil
}

// chapterCoveredLocked reports whether every paragraph in ch's tree has
// at least one content item recorded. Caller holds w.mu.
func chapterCoveredLocked(s *WorkflowState, ch event.Chapter) bool {
	covered := 0
	for _, sec := range ch.Sections {
		for _, p := range sec.Paragraphs {
			prefix := ParagraphID(p) + "_"
			found := false
			for key := range s.ContentItems {
				if strings.HasPrefix(key, prefix) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			covered++
		}
	}
	return covered > 0
}

func (w *Worker) stateFor(workflowID string) *WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.states[workflowID]
	if !ok {
		s = newWorkflowState(workflowID)
		w.states[workflowID] = s
	}
	return s
}

func (w *Worker) recordStructure(s *WorkflowState, p event.PayloadStructureAnalyzed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range p.Chapters {
		s.Chapters[ChapterID(ch)] = ch
	}
	s.UpdatedAt = time.Now()
}

func (w *Worker) recordContent(s *WorkflowState, p event.PayloadContentGenerated) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := fmt.Sprintf("%s_%s", ParagraphID(p.Paragraph), p.Content.Kind)
	s.ContentItems[key] = contentRecord{Content: p.Content}
	s.UpdatedAt = time.Now()
}

func (w *Worker) recordImages(s *WorkflowState, p event.PayloadImageProcessed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, img := range p.Images {
		id := img.URL
		if id == "" {
			id = fmt.Sprintf("img_%d", len(s.ProcessedImages)+i)
		}
		s.ProcessedImages[id] = img
		if p.Thumbnail {
			s.ThumbnailIDs[id] = true
		}
	}
	s.UpdatedAt = time.Now()
}

func (w *Worker) recordMetadata(s *WorkflowState, p event.PayloadMetadataGenerated) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := fmt.Sprintf("metadata_%s", p.Chapter.Title)
	s.Metadata[id] = p.Metadata
	s.UpdatedAt = time.Now()
}

func (w *Worker) recordParagraph(s *WorkflowState, p event.PayloadParagraphParsed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s.Paragraphs[ParagraphID(p.Paragraph)] = p.Paragraph
	s.UpdatedAt = time.Now()
}

func (w *Worker) recordSection(s *WorkflowState, p event.PayloadSectionParsed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s.Sections[SectionID(p.Section)] = p.Section
	s.UpdatedAt = time.Now()
}

func (w *Worker) recordChapter(s *WorkflowState, p event.PayloadChapterParsed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s.Chapters[ChapterID(p.Chapter)] = p.Chapter
	s.UpdatedAt = time.Now()
}

// CompletionStatus reports the per-workflow completion assessment
// computed after every event.
type CompletionStatus struct {
	IsComplete           bool
	Progress             float64
	TotalChapters        int
	TotalSections        int
	TotalParagraphs      int
	TotalContentItems    int
	ExpectedContentItems int
	CompletionPercentage float64
}

// AssessCompletion evaluates the workflow completion predicate from
// its counters: chapters, sections, and paragraphs each at least one, and at
// least as many content items as paragraphs.
func AssessCompletion(s *WorkflowState) CompletionStatus {
	totalChapters := len(s.Chapters)
	totalSections := len(s.Sections)
	totalParagraphs := len(s.Paragraphs)
	totalContentItems := len(s.ContentItems)

	expected := totalParagraphs * 2
	if expected < 1 {
		expected = 1
	}
	progress := float64(totalContentItems) / float64(expected)
	if progress > 1.0 {
		progress = 1.0
	}

	isComplete := totalChapters >= 1 && totalSections >= 1 && totalParagraphs >= 1 &&
		totalContentItems >= totalParagraphs

	return CompletionStatus{
		IsComplete:           isComplete,
		Progress:             progress,
		TotalChapters:        totalChapters,
		TotalSections:        totalSections,
		TotalParagraphs:      totalParagraphs,
		TotalContentItems:    totalContentItems,
		ExpectedContentItems: expected,
		CompletionPercentage: progress * 100,
	}
}

func (w *Worker) checkCompletionAndAggregate(ctx context.Context, bus *event.Bus, s *WorkflowState, traceID string) error {
	// Claim completion under the lock: concurrent handler invocations
	// for different event types may both observe the predicate true, and
	// only one of them gets to publish WORKFLOW_COMPLETED.
	w.mu.Lock()
	status := AssessCompletion(s)
	claimed := false
	if status.IsComplete && s.Status != "completed" {
		s.Status = "completed"
		s.UpdatedAt = time.Now()
		claimed = true
	}
	done := s.Status == "completed"
	w.mu.Unlock()

	if done && !claimed {
		return nil
	}

	if claimed {
		result := w.finalizeAggregation(ctx, s)

		if err := bus.Publish(event.Event{
			Type:       event.WorkflowCompleted,
			WorkflowID: s.WorkflowID,
			TraceID:    traceID,
			Payload: event.PayloadWorkflowCompleted{
				AggregationResult: result,
				CompletionSummary: map[string]any{
					"total_chapters":   status.TotalChapters,
					"total_sections":   status.TotalSections,
					"total_paragraphs": status.TotalParagraphs,
					"total_content":    status.TotalContentItems,
					"completion_pct":   status.CompletionPercentage,
				},
			},
		}); err != nil {
			return err
		}

		generated, err := w.generateFinalOutputs(ctx, s, result)
		if err != nil {
			return err
		}

		return bus.Publish(event.Event{
			Type:       event.ReportGenerated,
			WorkflowID: s.WorkflowID,
			TraceID:    traceID,
			Payload:    event.PayloadReportGenerated{Format: "json", FilesGenerated: generated},
		})
	}

	if status.Progress >= 0.5 {
		return bus.Publish(event.Event{
			Type:       event.IntermediateAggregated,
			WorkflowID: s.WorkflowID,
			TraceID:    traceID,
			Payload: event.PayloadIntermediateAggregated{
				Progress: status.Progress,
				Stats: map[string]any{
					"total_content_items": status.TotalContentItems,
					"total_paragraphs":    status.TotalParagraphs,
				},
			},
		})
	}

	return nil
}

func (w *Worker) finalizeAggregation(ctx context.Context, s *WorkflowState) event.AggregationResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	summary := make(map[event.ContentKind]event.ContentSummaryEntry)
	for _, rec := range s.ContentItems {
		entry := summary[rec.Content.Kind]
		entry.Count++
		entry.TotalWords += rec.Content.WordCount
		summary[rec.Content.Kind] = entry
	}

	formatCounts := make(map[string]int)
	totalSize := 0
	for _, img := range s.ProcessedImages {
		formatCounts[img.Format]++
		totalSize += img.SizeBytes
	}
	thumbnails := len(s.ThumbnailIDs)

	duration := time.Since(s.CreatedAt).Seconds()
	if duration <= 0 {
		duration = 1
	}

	return event.AggregationResult{
		WorkflowID:          s.WorkflowID,
		Status:              "completed",
		TotalContentItems:   len(s.ContentItems),
		ProcessedImages:     len(s.ProcessedImages),
		GeneratedThumbnails: thumbnails,
		MetadataEntries:     len(s.Metadata),
		ContentSummary:      summary,
		ProcessingStats: event.ProcessingStats{
			DurationSeconds:   duration,
			ItemsPerSecond:    float64(len(s.ContentItems)) / duration,
			ImageFormatCounts: formatCounts,
			MetadataCount:     len(s.Metadata),
		},
	}
}

// generateFinalOutputs writes the JSON report and one file per content
// item to the sink, returning the generated filenames.
func (w *Worker) generateFinalOutputs(ctx context.Context, s *WorkflowState, result event.AggregationResult) ([]string, error) {
	if w.sink == nil {
		return nil, nil
	}

	w.mu.Lock()
	items := make(map[string]contentRecord, len(s.ContentItems))
	for k, v := range s.ContentItems {
		items[k] = v
	}
	w.mu.Unlock()

	report, err := w.buildReportDocument(s, result, nil)
	if err != nil {
		return nil, err
	}
	if err := w.sink.PutReport(ctx, s.WorkflowID, report); err != nil {
		return nil, err
	}

	filenames := []string{fmt.Sprintf("report_%s.json", s.WorkflowID)}
	for id, rec := range items {
		filename := fmt.Sprintf("%s_%s_%s%s", rec.Content.Kind, sanitizeTitle(rec.Content.Title), id, extensionFor(rec.Content.Format))
		body := []byte(fmt.Sprintf("Title: %s\nType: %s\n\n%s\n", rec.Content.Title, rec.Content.Kind, rec.Content.Body))
		if err := w.sink.PutContentFile(ctx, s.WorkflowID, filename, body); err != nil {
			continue
		}
		filenames = append(filenames, filename)
	}
	return filenames, nil
}

func extensionFor(format event.ContentFormat) string {
	switch format {
	case event.ContentFormatMarkdown:
		return ".md"
	case event.ContentFormatStructured:
		return ".json"
	default:
		return ".txt"
	}
}

// reportDocument is the single JSON document persisted per completed
// workflow: the full accumulated state plus the computed aggregation
// result and an errors list (empty on a clean run).
type reportDocument struct {
	WorkflowID      string                           `json:"workflow_id"`
	Status          string                           `json:"status"`
	CreatedAt       time.Time                        `json:"created_at"`
	UpdatedAt       time.Time                        `json:"updated_at"`
	Chapters        map[string]event.Chapter         `json:"chapters"`
	Sections        map[string]event.Section         `json:"sections"`
	Paragraphs      map[string]event.Paragraph       `json:"paragraphs"`
	ContentItems    map[string]event.ContentItem     `json:"content_items"`
	ProcessedImages map[string]event.ProcessedImage  `json:"processed_images"`
	Metadata        map[string]event.ChapterMetadata `json:"metadata"`
	Result          event.AggregationResult          `json:"aggregation_result"`
	Errors          []string                         `json:"errors"`
}

func (w *Worker) buildReportDocument(s *WorkflowState, result event.AggregationResult, errs []string) ([]byte, error) {
	if errs == nil {
		errs = []string{}
	}
	w.mu.Lock()
	doc := reportDocument{
		WorkflowID:      s.WorkflowID,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Chapters:        make(map[string]event.Chapter, len(s.Chapters)),
		Sections:        make(map[string]event.Section, len(s.Sections)),
		Paragraphs:      make(map[string]event.Paragraph, len(s.Paragraphs)),
		ContentItems:    make(map[string]event.ContentItem, len(s.ContentItems)),
		ProcessedImages: make(map[string]event.ProcessedImage, len(s.ProcessedImages)),
		Metadata:        make(map[string]event.ChapterMetadata, len(s.Metadata)),
		Result:          result,
		Errors:          errs,
	}
	for k, v := range s.Chapters {
		doc.Chapters[k] = v
	}
	for k, v := range s.Sections {
		doc.Sections[k] = v
	}
	for k, v := range s.Paragraphs {
		doc.Paragraphs[k] = v
	}
	for k, v := range s.ContentItems {
		doc.ContentItems[k] = v.Content
	}
	for k, v := range s.ProcessedImages {
		doc.ProcessedImages[k] = v
	}
	for k, v := range s.Metadata {
		doc.Metadata[k] = v
	}
	w.mu.Unlock()

	return json.MarshalIndent(doc, "", "  ")
}

var unsafeTitleChars = regexp.MustCompile(`[^a-zA-Z0-9 _-]`)

// sanitizeTitle strips characters unsafe for a filename and truncates
// to 50 bytes.
func sanitizeTitle(title string) string {
	safe := unsafeTitleChars.ReplaceAllString(title, "")
	safe = strings.TrimSpace(safe)
	safe = strings.ReplaceAll(safe, " ", "_")
	if len(safe) > 50 {
		safe = safe[:50]
	}
	if safe == "" {
		safe = "untitled"
	}
	return safe
}

var titleSlugPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func slug(title string, limit int) string {
	s := titleSlugPattern.ReplaceAllString(strings.ToLower(title), "_")
	s = strings.Trim(s, "_")
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

// ChapterID derives the stable id used to key a chapter across the
// workflow's lifetime: "chapter_{level}_{slug(title)[:30]}".
func ChapterID(c event.Chapter) string {
	return fmt.Sprintf("chapter_%d_%s", c.Level, slug(c.Title, 30))
}

// SectionID derives a section's id, scoped by its owning chapter's
// index.
func SectionID(s event.Section) string {
	return fmt.Sprintf("section_%d_%d_%s", s.ChapterIdx, s.Index, slug(s.Title, 20))
}

// ParagraphID derives a paragraph's id, scoped by its chapter and
// section indices.
func ParagraphID(p event.Paragraph) string {
	return fmt.Sprintf("paragraph_%d_%d_%d", p.ChapterIdx, p.SectionIdx, p.Index)
}

// CleanupOlderThan removes completed workflow states whose last update
// is older than retention, returning the count removed. It applies no
// default retention; a zero or negative retention removes every
// completed state.
func (w *Worker) CleanupOlderThan(retention time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for id, s := range w.states {
		if s.Status == "completed" && s.UpdatedAt.Before(cutoff) {
			delete(w.states, id)
			removed++
		}
	}
	return removed
}

// Status returns a snapshot of one workflow's aggregation state, or nil
// if unknown.
func (w *Worker) Status(workflowID string) *CompletionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.states[workflowID]
	if !ok {
		return nil
	}
	status := AssessCompletion(s)
	return &status
}
