// Package diagram provides the concrete converters wired into the
// media worker's Registry: one per DiagramKind.
package diagram

import (
	"context"
	"regexp"
	"strings"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker/media"
)

// placeholderPNG is the fixed 1x1 PNG that every converter below
// returns.
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

var (
	svgCommentPattern    = regexp.MustCompile(`(?s)<!--.*?-->`)
	svgWhitespacePattern = regexp.MustCompile(`\s+`)
)

// SVGConverter handles inline SVG markup. It runs the markup through
// optimizeSVG (strips comments, collapses whitespace), discards the
// result, and returns placeholderPNG; the SVG is not rendered.
type SVGConverter struct{}

func (SVGConverter) Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error) {
	_ = optimizeSVG(content)
	return placeholderPNG, nil
}

func optimizeSVG(content string) string {
	content = svgCommentPattern.ReplaceAllString(content, "")
	content = svgWhitespacePattern.ReplaceAllString(content, " ")
	content = strings.ReplaceAll(content, "> <", "><")
	return strings.TrimSpace(content)
}

// FlowchartConverter handles a fenced flowchart-DSL block. It returns
// placeholderPNG; the flowchart is not rendered.
type FlowchartConverter struct{}

func (FlowchartConverter) Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error) {
	return placeholderPNG, nil
}

// DiagramXMLConverter handles a diagram-XML (draw.io family) reference.
// It returns placeholderPNG; the referenced document is not fetched or
// rendered.
type DiagramXMLConverter struct{}

func (DiagramXMLConverter) Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error) {
	return placeholderPNG, nil
}

// NewRegistry builds the media.Registry with all three required
// converters wired in.
func NewRegistry() media.Registry {
	return media.Registry{
		event.DiagramKindSVG:          SVGConverter{},
		event.DiagramKindFlowchartDSL: FlowchartConverter{},
		event.DiagramKindDiagramXML:   DiagramXMLConverter{},
	}
}
