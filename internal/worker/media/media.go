// Package media implements the diagram-rasterizing worker: detection of
// embedded diagrams, conversion through a pluggable registry, upload to
// the object-store sink, and body rewriting.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker"
)

// Converter turns one diagram's source text into raster image bytes.
// Implementations are opaque plugins discovered by DiagramKind.
type Converter interface {
	Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error)
}

// Uploader stores raster bytes in the object-store sink and returns a
// retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, workflowID, filename string, data []byte) (string, error)
}

// ConverterFunc adapts a plain function to the Converter interface.
type ConverterFunc func(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error)

func (f ConverterFunc) Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error) {
	return f(ctx, kind, content)
}

// Registry dispatches to a Converter by DiagramKind. At least svg,
// flowchart_dsl, and diagram_xml must be registered.
type Registry map[event.DiagramKind]Converter

func (r Registry) Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error) {
	c, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("media: no converter registered for kind %q", kind)
	}
	return c.Convert(ctx, kind, content)
}

// Worker implements worker.Role for the media stage.
type Worker struct {
	converter Converter
	uploader  Uploader
}

// New constructs a media Worker backed by converter and uploader.
func New(converter Converter, uploader Uploader) *Worker {
	return &Worker{converter: converter, uploader: uploader}
}

func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{event.ContentGenerated, event.ThumbnailGenerated, event.MetadataGenerated}
}

func (w *Worker) Process(ctx context.Context, bus *event.Bus, e event.Event) error {
	switch e.Type {
	case event.ContentGenerated:
		return w.handleContentGenerated(ctx, bus, e)
	case event.ThumbnailGenerated:
		return w.handleThumbnailGenerated(ctx, bus, e)
	case event.MetadataGenerated:
		return w.handleMetadataGenerated(ctx, bus, e)
	default:
		return fmt.Errorf("%w: media worker does not handle %q", worker.ErrValidation, e.Type)
	}
}

func (w *Worker) handleContentGenerated(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadContentGenerated)
	if !ok {
		return fmt.Errorf("%w: malformed content_generated payload", worker.ErrValidation)
	}

	diagrams := DetectDiagrams(p.Content.Body)
	if len(diagrams) == 0 {
		// No diagrams present: the original content is still visible to
		// the Aggregator via CONTENT_GENERATED, so nothing to emit.
		return nil
	}

	updatedBody := p.Content.Body
	var processed []event.ProcessedImage

	for idx, d := range diagrams {
		raster, err := w.converter.Convert(ctx, d.Kind, d.Content)
		if err != nil {
			// A converter failure skips this diagram and leaves its
			// original reference intact; the failure is not reported.
			continue
		}

		filename := fmt.Sprintf("image_%d_%s.png", idx, d.Kind)
		url, err := w.uploader.Upload(ctx, e.WorkflowID, filename, raster)
		if err != nil {
			continue
		}

		updatedBody = strings.ReplaceAll(updatedBody, d.Reference, markdownImage(url))
		processed = append(processed, event.ProcessedImage{
			OriginalKind:     d.Kind,
			Format:           "png",
			SizeBytes:        len(raster),
			URL:              url,
			SourceWorkflowID: e.WorkflowID,
		})
	}

	updated := p.Content
	updated.Body = updatedBody

	return bus.Publish(event.Event{
		Type:       event.ImageProcessed,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		Payload: event.PayloadImageProcessed{
			OriginalContent: p.Content,
			UpdatedContent:  updated,
			Images:          processed,
			Paragraph:       &p.Paragraph,
			Section:         &p.Section,
		},
	})
}

// handleMetadataGenerated renders the thumbnail request embedded in a
// METADATA_GENERATED payload, if any.
func (w *Worker) handleMetadataGenerated(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadMetadataGenerated)
	if !ok {
		return fmt.Errorf("%w: malformed metadata_generated payload", worker.ErrValidation)
	}
	if p.Thumbnail == nil {
		return nil
	}
	return w.renderAndUploadThumbnail(ctx, bus, e, *p.Thumbnail)
}

func (w *Worker) handleThumbnailGenerated(ctx context.Context, bus *event.Bus, e event.Event) error {
	p, ok := e.Payload.(event.PayloadThumbnailGenerated)
	if !ok {
		return fmt.Errorf("%w: malformed thumbnail_generated payload", worker.ErrValidation)
	}
	return w.renderAndUploadThumbnail(ctx, bus, e, p.Request)
}

func (w *Worker) renderAndUploadThumbnail(ctx context.Context, bus *event.Bus, e event.Event, req event.ThumbnailRequest) error {
	placeholder := renderThumbnailPlaceholder(req)
	hash := md5.Sum([]byte(req.Title))
	filename := fmt.Sprintf("thumbnail_%s.png", hex.EncodeToString(hash[:]))

	url, err := w.uploader.Upload(ctx, e.WorkflowID, filename, placeholder)
	if err != nil {
		return err
	}

	return bus.Publish(event.Event{
		Type:       event.ImageProcessed,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		Payload: event.PayloadImageProcessed{
			Images: []event.ProcessedImage{{
				OriginalKind:     event.DiagramKindRaster,
				Format:           "png",
				Width:            req.Width,
				Height:           req.Height,
				SizeBytes:        len(placeholder),
				URL:              url,
				SourceWorkflowID: e.WorkflowID,
			}},
			Thumbnail: true,
		},
	})
}

// renderThumbnailPlaceholder stands in for an actual rendering library:
// it returns a fixed 1x1 PNG regardless of requested dimensions, the
// dimensions being recorded separately in the ProcessedImage record.
func renderThumbnailPlaceholder(req event.ThumbnailRequest) []byte {
	return placeholderPNG
}

// placeholderPNG is a 1x1 transparent PNG used wherever an actual
// rendering backend is not wired in.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x01, 0x63, 0xfc, 0xff, 0xff, 0x3f,
	0x03, 0x1a, 0x00, 0x07, 0x82, 0x02, 0x7f, 0x3d,
	0xc8, 0x48, 0xef, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func markdownImage(url string) string {
	return fmt.Sprintf("![](%s)", url)
}

// detectedDiagram is one embedded diagram found in an artifact body,
// paired with the exact substring to replace once rasterized.
type detectedDiagram struct {
	Kind      event.DiagramKind
	Content   string
	Reference string
}

var (
	svgPattern        = regexp.MustCompile(`(?s)<svg[^>]*>.*?</svg>`)
	flowchartPattern  = regexp.MustCompile("(?s)```flowchart\n(.*?)\n```")
	diagramXMLPattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)]*\.diagramxml(?:\.png|\.svg)?)\)`)
)

// DetectDiagrams scans body with three regex-level classifiers: inline
// SVG blocks, fenced "flowchart" code blocks, and Markdown image
// references pointing at a diagram-XML family file.
func DetectDiagrams(body string) []detectedDiagram {
	var diagrams []detectedDiagram

	for _, m := range svgPattern.FindAllString(body, -1) {
		diagrams = append(diagrams, detectedDiagram{Kind: event.DiagramKindSVG, Content: m, Reference: m})
	}

	for _, m := range flowchartPattern.FindAllStringSubmatch(body, -1) {
		diagrams = append(diagrams, detectedDiagram{Kind: event.DiagramKindFlowchartDSL, Content: m[1], Reference: m[0]})
	}

	for _, m := range diagramXMLPattern.FindAllStringSubmatch(body, -1) {
		diagrams = append(diagrams, detectedDiagram{Kind: event.DiagramKindDiagramXML, Content: m[1], Reference: m[0]})
	}

	return diagrams
}
