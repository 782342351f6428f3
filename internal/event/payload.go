package event

// The payload types below form a closed sum type. Worker processors
// switch on Event.Type and type-assert Event.Payload to the matching
// struct; an unrecognized combination is rejected during validation,
// not at dispatch time.

// Chapter is the parsed representation of a level-1 heading and its
// nested sections.
type Chapter struct {
	Index    int
	Title    string
	Level    int
	Content  string
	Sections []Section
}

// Section is the parsed representation of a level-2 heading and its
// paragraphs.
type Section struct {
	Index      int
	ChapterIdx int
	Title      string
	Level      int
	Content    string
	Paragraphs []Paragraph
}

// ParagraphType classifies a parsed paragraph body.
type ParagraphType string

const (
	ParagraphTypeParagraph ParagraphType = "paragraph"
	ParagraphTypeList      ParagraphType = "list"
	ParagraphTypeQuote     ParagraphType = "quote"
	ParagraphTypeCode      ParagraphType = "code"
	ParagraphTypeShort     ParagraphType = "short"
	ParagraphTypeHeading3  ParagraphType = "heading3"
)

// Paragraph is one parsed paragraph within a section.
type Paragraph struct {
	Index      int
	SectionIdx int
	ChapterIdx int
	Content    string
	Type       ParagraphType
	WordCount  int
}

// ContentKind is the closed set of artifact kinds the AI worker produces.
type ContentKind string

const (
	ContentKindArticle          ContentKind = "article"
	ContentKindScript           ContentKind = "script"
	ContentKindScriptStructured ContentKind = "script_structured"
	ContentKindMicroPost        ContentKind = "micro_post"
	ContentKindDescription      ContentKind = "description"
)

// ContentFormat is the closed set of body encodings for a ContentItem.
type ContentFormat string

const (
	ContentFormatMarkdown   ContentFormat = "markdown"
	ContentFormatText       ContentFormat = "text"
	ContentFormatStructured ContentFormat = "structured"
)

// ContentItem is the result of one generation task.
type ContentItem struct {
	ID                       string
	Kind                     ContentKind
	Title                    string
	Body                     string
	WordCount                int
	CharacterCount           int
	EstimatedDurationSeconds int
	Format                   ContentFormat
	SourceParagraphID        string
	RetryCount               int
	Metadata                 map[string]any
}

// ScriptAction is one action record in the structured script artifact
//. The action-name set is closed; unrecognized names are rejected by
// the script validator, not silently accepted.
type ScriptAction struct {
	Name  string
	Value string
}

// Recognized structured-script action names. The set is part of the
// external contract and must be accepted and emitted verbatim.
const (
	ActionAuthorSpeakBefore      = "author-speak-before"
	ActionFileExplorerCreateFile = "file-explorer-create-file"
	ActionFileExplorerOpenFile   = "file-explorer-open-file"
	ActionEditorType             = "editor-type"
	ActionEditorEnter            = "editor-enter"
	ActionEditorSpace            = "editor-space"
	ActionEditorSave             = "editor-save"
)

// DiagramKind is the closed set of embedded-diagram families Media Worker
// recognizes.
type DiagramKind string

const (
	DiagramKindSVG          DiagramKind = "svg"
	DiagramKindFlowchartDSL DiagramKind = "flowchart_dsl"
	DiagramKindDiagramXML   DiagramKind = "diagram_xml"
	DiagramKindRaster       DiagramKind = "raster"
)

// ProcessedImage is the record of one rasterized-and-uploaded diagram.
type ProcessedImage struct {
	ID               string
	OriginalKind     DiagramKind
	Format           string
	Width            int
	Height           int
	SizeBytes        int
	URL              string
	SourceWorkflowID string
	Thumbnail        bool
}

// ChapterMetadata is the AI worker's chapter-level summary artifact.
type ChapterMetadata struct {
	Title           string
	SectionCount    int
	TotalParagraphs int
	ReadingTimeMins int
	Difficulty      string
}

// ThumbnailRequest describes a placeholder thumbnail to render for a
// chapter.
type ThumbnailRequest struct {
	Title       string
	Style       string
	ColorScheme string
	Width       int
	Height      int
}

// StructureAnalysis is AI Worker's shallow structural read of a section,
// or the whole-tree summary attached to STRUCTURE_ANALYZED.
type StructureAnalysis struct {
	ContentType         string
	ComplexityLevel     string
	KeyConcepts         []string
	EstimatedReadingMin int
	ParagraphCount      int
}

// --- Event payload variants, one per Type in the closed enum. ---

type PayloadWorkflowStarted struct {
	Title string
	Text  string
}

type PayloadChapterParsed struct {
	Chapter   Chapter
	Structure *StructureAnalysis
}

type PayloadSectionParsed struct {
	Section Section
	Chapter Chapter
}

type PayloadParagraphParsed struct {
	Paragraph Paragraph
	Section   Section
}

type PayloadStructureAnalyzed struct {
	Chapters  []Chapter
	Structure *StructureAnalysis
}

type PayloadContentGenerated struct {
	Content   ContentItem
	Paragraph Paragraph
	Section   Section
}

type PayloadChapterAggregated struct {
	ChapterID string
	Chapter   Chapter
}

type PayloadMetadataGenerated struct {
	Metadata  ChapterMetadata
	Chapter   Chapter
	Thumbnail *ThumbnailRequest
}

type PayloadThumbnailGenerated struct {
	Request ThumbnailRequest
}

type PayloadImageProcessed struct {
	OriginalContent ContentItem
	UpdatedContent  ContentItem
	Images          []ProcessedImage
	Paragraph       *Paragraph
	Section         *Section
	Thumbnail       bool
}

// ContentSummaryEntry rolls up one content kind's count and word total
// within an AggregationResult.
type ContentSummaryEntry struct {
	Count      int
	TotalWords int
}

// ProcessingStats carries the wall-clock and throughput figures
// computed at final aggregation.
type ProcessingStats struct {
	DurationSeconds   float64
	ItemsPerSecond    float64
	ImageFormatCounts map[string]int
	MetadataCount     int
}

// AggregationResult is the Aggregator Worker's computed summary of one
// completed workflow.
type AggregationResult struct {
	WorkflowID          string
	Status              string
	TotalContentItems   int
	ProcessedImages     int
	GeneratedThumbnails int
	MetadataEntries     int
	ContentSummary      map[ContentKind]ContentSummaryEntry
	ProcessingStats     ProcessingStats
}

type PayloadIntermediateAggregated struct {
	Progress float64
	Stats    map[string]any
}

type PayloadWorkflowCompleted struct {
	AggregationResult AggregationResult
	CompletionSummary map[string]any
}

type PayloadReportGenerated struct {
	Format         string
	OutputDir      string
	FilesGenerated []string
}

type PayloadWorkflowFailed struct {
	Reason        string
	OriginalEvent *Event
	Err           string
}

type PayloadWorkflowSuspended struct {
	Reason string
}

type PayloadTaskStarted struct {
	TaskID   string
	TaskType string
}

type PayloadTaskCompleted struct {
	TaskID string
}

type PayloadTaskFailed struct {
	TaskID string
	Err    string
}
