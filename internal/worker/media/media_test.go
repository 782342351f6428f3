package media_test

import (
	"context"
	"errors"
	"testing"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker/media"
	"github.com/stretchr/testify/require"
)

type stubUploader struct {
	url string
	err error
}

func (u *stubUploader) Upload(ctx context.Context, workflowID, filename string, data []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

type stubConverter struct {
	bytesOut []byte
	err      error
}

func (c *stubConverter) Convert(ctx context.Context, kind event.DiagramKind, content string) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.bytesOut, nil
}

func TestDetectDiagramsFindsFlowchartBlock(t *testing.T) {
	body := "abc\n\n```flowchart\nA->B\n```\n\ndef"
	diagrams := media.DetectDiagrams(body)
	require.Len(t, diagrams, 1)
	require.Equal(t, event.DiagramKindFlowchartDSL, diagrams[0].Kind)
}

func TestDetectDiagramsFindsInlineSVG(t *testing.T) {
	body := "before <svg width=\"10\"><circle /></svg> after"
	diagrams := media.DetectDiagrams(body)
	require.Len(t, diagrams, 1)
	require.Equal(t, event.DiagramKindSVG, diagrams[0].Kind)
}

func TestDetectDiagramsFindsDiagramXMLReference(t *testing.T) {
	body := "see ![alt](https://example.com/chart.diagramxml.png) for details"
	diagrams := media.DetectDiagrams(body)
	require.Len(t, diagrams, 1)
	require.Equal(t, event.DiagramKindDiagramXML, diagrams[0].Kind)
}

func TestDetectDiagramsReturnsNoneForPlainText(t *testing.T) {
	diagrams := media.DetectDiagrams("just plain text, nothing embedded")
	require.Empty(t, diagrams)
}

func TestHandleContentGeneratedRewritesBodyAndEmitsImageProcessed(t *testing.T) {
	bus := event.NewBus()
	converter := &stubConverter{bytesOut: []byte{1, 2, 3, 4}}
	uploader := &stubUploader{url: "https://sink/x.png"}
	w := media.New(converter, uploader)

	var payload event.PayloadImageProcessed
	var got bool
	bus.Subscribe(event.ImageProcessed, func(ctx context.Context, e event.Event) error {
		payload = e.Payload.(event.PayloadImageProcessed)
		got = true
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ContentGenerated,
		WorkflowID: "wf-1",
		Payload: event.PayloadContentGenerated{
			Content: event.ContentItem{Body: "abc\n\n```flowchart\nA->B\n```\n\ndef"},
		},
	})
	require.NoError(t, err)
	bus.Stop()
	require.True(t, got)
	require.Contains(t, payload.UpdatedContent.Body, "https://sink/x.png")
	require.NotContains(t, payload.UpdatedContent.Body, "```flowchart")
	require.Len(t, payload.Images, 1)
}

func TestHandleContentGeneratedNoDiagramsEmitsNothing(t *testing.T) {
	bus := event.NewBus()
	w := media.New(&stubConverter{}, &stubUploader{})

	got := false
	bus.Subscribe(event.ImageProcessed, func(ctx context.Context, e event.Event) error {
		got = true
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ContentGenerated,
		WorkflowID: "wf-1",
		Payload:    event.PayloadContentGenerated{Content: event.ContentItem{Body: "no diagrams here"}},
	})
	require.NoError(t, err)
	require.False(t, got)
}

func TestHandleContentGeneratedLeavesReferenceIntactOnConverterFailure(t *testing.T) {
	bus := event.NewBus()
	converter := &stubConverter{err: errors.New("boom")}
	w := media.New(converter, &stubUploader{url: "https://sink/x.png"})

	var payload event.PayloadImageProcessed
	bus.Subscribe(event.ImageProcessed, func(ctx context.Context, e event.Event) error {
		payload = e.Payload.(event.PayloadImageProcessed)
		return nil
	})

	body := "abc\n\n```flowchart\nA->B\n```\n\ndef"
	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ContentGenerated,
		WorkflowID: "wf-1",
		Payload:    event.PayloadContentGenerated{Content: event.ContentItem{Body: body}},
	})
	require.NoError(t, err)
	bus.Stop()
	require.Contains(t, payload.UpdatedContent.Body, "```flowchart")
	require.Empty(t, payload.Images)
}

func TestHandleThumbnailGeneratedEmitsThumbnailFlag(t *testing.T) {
	bus := event.NewBus()
	w := media.New(&stubConverter{}, &stubUploader{url: "https://sink/thumb.png"})

	var payload event.PayloadImageProcessed
	var got bool
	bus.Subscribe(event.ImageProcessed, func(ctx context.Context, e event.Event) error {
		payload = e.Payload.(event.PayloadImageProcessed)
		got = true
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.ThumbnailGenerated,
		WorkflowID: "wf-1",
		Payload:    event.PayloadThumbnailGenerated{Request: event.ThumbnailRequest{Title: "Intro", Width: 1200, Height: 630}},
	})
	require.NoError(t, err)
	bus.Stop()
	require.True(t, got)
	require.True(t, payload.Thumbnail)
	require.Len(t, payload.Images, 1)
	require.Equal(t, "https://sink/thumb.png", payload.Images[0].URL)
}

func TestHandleMetadataGeneratedRendersEmbeddedThumbnail(t *testing.T) {
	bus := event.NewBus()
	uploader := &stubUploader{url: "https://sink/thumb.png"}
	w := media.New(&stubConverter{bytesOut: []byte{1, 2, 3, 4}}, uploader)

	processed := make(chan event.Event, 1)
	bus.Subscribe(event.ImageProcessed, func(ctx context.Context, e event.Event) error {
		processed <- e
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.MetadataGenerated,
		WorkflowID: "wf-thumb",
		Payload: event.PayloadMetadataGenerated{
			Metadata:  event.ChapterMetadata{Title: "Intro"},
			Chapter:   event.Chapter{Title: "Intro", Level: 1},
			Thumbnail: &event.ThumbnailRequest{Title: "Intro", Width: 1200, Height: 630},
		},
	})
	require.NoError(t, err)
	bus.Stop()

	select {
	case e := <-processed:
		p := e.Payload.(event.PayloadImageProcessed)
		require.True(t, p.Thumbnail)
		require.Len(t, p.Images, 1)
		require.Equal(t, "https://sink/thumb.png", p.Images[0].URL)
		require.Equal(t, 1200, p.Images[0].Width)
	default:
		t.Fatal("expected IMAGE_PROCESSED for the embedded thumbnail request")
	}
}

func TestHandleMetadataGeneratedWithoutThumbnailEmitsNothing(t *testing.T) {
	bus := event.NewBus()
	w := media.New(&stubConverter{}, &stubUploader{url: "https://sink/x.png"})

	processed := make(chan event.Event, 1)
	bus.Subscribe(event.ImageProcessed, func(ctx context.Context, e event.Event) error {
		processed <- e
		return nil
	})

	err := w.Process(context.Background(), bus, event.Event{
		Type:       event.MetadataGenerated,
		WorkflowID: "wf-thumb-2",
		Payload:    event.PayloadMetadataGenerated{Metadata: event.ChapterMetadata{Title: "Intro"}},
	})
	require.NoError(t, err)
	bus.Stop()

	select {
	case <-processed:
		t.Fatal("no thumbnail request embedded; nothing should be emitted")
	default:
	}
}
