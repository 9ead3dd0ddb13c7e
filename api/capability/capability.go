package capability

import (
	"context"
	"time"

	"github.com/minervahq/triage/api/pipeline"
)

// The pipeline core consumes external capabilities through the narrow
// contracts below.  Implementations normalize their failures into
// pipeline.StageError values so the coordinator can categorize them.

// ExtractionResult is what the extraction capability recovers from an
// artifact.
type ExtractionResult struct {
	Text             string
	DetectedLanguage string
}

// Extractor recovers text from an artifact: OCR for images, transcription
// for audio.
type Extractor interface {
	Extract(ctx context.Context, data []byte, kind pipeline.MediaKind) (ExtractionResult, error)
}

// LinkVerdict is the reputation outcome for one URL.
type LinkVerdict struct {
	Flagged  bool
	Category string
}

// LinkChecker looks up the reputation of a batch of URLs.
type LinkChecker interface {
	Check(ctx context.Context, urls []string) (map[string]LinkVerdict, error)
}

// Assessment is the reasoning capability's structured answer.
type Assessment struct {
	Classification pipeline.Classification
	Confidence     int
	Patterns       []string
	Rationale      string
}

// Reasoner analyzes text for scam signals.  The context string carries
// whatever evidence the calling stage wants the model to weigh.
type Reasoner interface {
	Analyze(ctx context.Context, text, analysisContext string) (Assessment, error)
}

// SummaryMaterial is the evidence the summarizer condenses for the user.
type SummaryMaterial struct {
	Classification pipeline.Classification
	Confidence     int
	Rationale      string
	Patterns       []string
	FlaggedLinks   []string
	ExtractedText  string
}

// Summarizer produces the human-readable explanation of a verdict.
type Summarizer interface {
	Summarize(ctx context.Context, material SummaryMaterial) (string, error)
}

// Translator renders text in a target locale.
type Translator interface {
	Translate(ctx context.Context, text, targetLocale string) (string, error)
}

// HistoryRecord is one row of the append-only verdict history.
type HistoryRecord struct {
	ID             int64     `json:"id"`
	Fingerprint    string    `json:"fingerprint"`
	CreatedAt      time.Time `json:"created_at"`
	Classification string    `json:"classification"`
	Confidence     int       `json:"confidence"`
	Summary        string    `json:"summary"`
	ExtractedText  string    `json:"extracted_text"`
	FlaggedLinks   []string  `json:"flagged_links"`
	Patterns       []string  `json:"patterns"`
	Locale         string    `json:"locale"`
}
