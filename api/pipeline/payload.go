package pipeline

// MediaKind identifies the kind of artifact submitted for analysis.
type MediaKind string

const (
	// MediaImage is a screenshot or other still image.
	MediaImage MediaKind = "image"
	// MediaAudio is a recorded audio clip.
	MediaAudio MediaKind = "audio"
)

// Valid reports whether the media kind is one the pipeline understands.
func (m MediaKind) Valid() bool {
	return m == MediaImage || m == MediaAudio
}

// Submission is the artifact to analyze.  It is immutable once accepted.
type Submission struct {
	Bytes     []byte    `json:"-"`
	MediaKind MediaKind `json:"media_kind"`
	Locale    string    `json:"locale"`
}

// Classification is the terminal scam determination of a run.
type Classification string

const (
	ClassificationScam         Classification = "scam"
	ClassificationSafe         Classification = "safe"
	ClassificationInconclusive Classification = "inconclusive"
)

// Confidence bounds for verdicts.
const (
	MinConfidence = 1
	MaxConfidence = 5
)

// LinkFinding is the reputation outcome for a single URL found in the
// extracted text.
type LinkFinding struct {
	URL      string `json:"url"`
	Flagged  bool   `json:"flagged"`
	Category string `json:"category,omitempty"`
}

// StagePayload is the closed set of typed stage outputs.  Each stage kind
// produces exactly one payload variant, which lets the aggregator match
// exhaustively instead of probing loosely typed fields.
type StagePayload interface {
	stagePayload()
}

// ExtractionPayload is the output of the extract stage.
type ExtractionPayload struct {
	Text             string `json:"text"`
	DetectedLanguage string `json:"detected_language,omitempty"`
}

// LinkCheckPayload is the output of the link_check stage.
type LinkCheckPayload struct {
	Findings []LinkFinding `json:"findings"`
}

// AnalysisPayload is the output of the content_analysis stage.
type AnalysisPayload struct {
	Patterns []string `json:"patterns"`
	Notes    string   `json:"notes,omitempty"`
}

// DecisionPayload is the output of the decision stage.
type DecisionPayload struct {
	Classification Classification `json:"classification"`
	Confidence     int            `json:"confidence"`
	Rationale      string         `json:"rationale,omitempty"`
}

// SummaryPayload is the output of the summarize stage.  The locale is the
// language the summary was produced in, before any translation.
type SummaryPayload struct {
	Text   string `json:"text"`
	Locale string `json:"locale"`
}

// TranslationPayload is the output of the translate stage.
type TranslationPayload struct {
	Text   string `json:"text"`
	Locale string `json:"locale"`
}

// PersistencePayload is the output of the persist stage.
type PersistencePayload struct {
	RecordID int64 `json:"record_id"`
}

func (ExtractionPayload) stagePayload()  {}
func (LinkCheckPayload) stagePayload()   {}
func (AnalysisPayload) stagePayload()    {}
func (DecisionPayload) stagePayload()    {}
func (SummaryPayload) stagePayload()     {}
func (TranslationPayload) stagePayload() {}
func (PersistencePayload) stagePayload() {}

// Verdict is the terminal, aggregated output of a pipeline run.
type Verdict struct {
	Classification   Classification   `json:"classification"`
	Confidence       int              `json:"confidence"`
	Summary          string           `json:"summary"`
	FlaggedLinks     []string         `json:"flagged_links"`
	Patterns         []string         `json:"patterns"`
	ExtractedText    string           `json:"extracted_text"`
	Locale           string           `json:"locale"`
	Degraded         bool             `json:"degraded,omitempty"`
	DegradationNotes []string         `json:"degradation_notes,omitempty"`
	AbortReason      *ErrorDescriptor `json:"abort_reason,omitempty"`
}
