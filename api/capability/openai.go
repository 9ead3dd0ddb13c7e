package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/config"
)

// noTextSentinel is what the extraction prompt instructs the model to emit
// when an artifact carries no recoverable text.
const noTextSentinel = "NO_TEXT_FOUND"

// ModelClient implements the extraction, reasoning, summarization and
// translation capabilities on an OpenAI-compatible endpoint.  A Gemini
// endpoint in OpenAI-compatibility mode works unchanged.
type ModelClient struct {
	config.Config
	client          *openai.Client
	model           string
	visionModel     string
	transcribeModel string
}

// NewModelClient creates a client from the environment configuration.
func NewModelClient(cfg *config.Config) *ModelClient {
	clientConfig := openai.DefaultConfig(cfg.Environment.ModelAPIKey)
	if cfg.Environment.ModelAddr != "" {
		clientConfig.BaseURL = cfg.Environment.ModelAddr
	}
	return &ModelClient{
		Config: config.Config{
			Logger:      cfg.Logger,
			Environment: cfg.Environment,
		},
		client:          openai.NewClientWithConfig(clientConfig),
		model:           cfg.Environment.ModelName,
		visionModel:     cfg.Environment.VisionModelName,
		transcribeModel: cfg.Environment.TranscribeModelName,
	}
}

// Extract recovers text from the artifact: vision OCR for screenshots,
// transcription for audio clips.
func (m *ModelClient) Extract(ctx context.Context, data []byte, kind pipeline.MediaKind) (ExtractionResult, error) {
	switch kind {
	case pipeline.MediaImage:
		return m.extractImage(ctx, data)
	case pipeline.MediaAudio:
		return m.extractAudio(ctx, data)
	default:
		return ExtractionResult{}, pipeline.PermanentStageError(pipeline.ErrUnreadableContent,
			errors.Errorf("unsupported media kind %q", kind))
	}
}

func (m *ModelClient) extractImage(ctx context.Context, data []byte) (ExtractionResult, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Transcribe every piece of text visible in the image exactly as written, " +
					"including URLs. After the text, on the last line, write LANGUAGE: followed by the " +
					"ISO 639-1 code of the dominant language. If the image contains no readable text, " +
					"reply with exactly " + noTextSentinel + ".",
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				},
			},
		},
	})
	if err != nil {
		return ExtractionResult{}, pipeline.NewStageError(pipeline.ErrReasoningUnavailable,
			errors.Wrap(err, "vision extraction request failed"))
	}
	if len(resp.Choices) == 0 {
		return ExtractionResult{}, pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.New("vision extraction returned no choices"))
	}
	return parseExtraction(resp.Choices[0].Message.Content)
}

func (m *ModelClient) extractAudio(ctx context.Context, data []byte) (ExtractionResult, error) {
	resp, err := m.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    m.transcribeModel,
		Reader:   bytes.NewReader(data),
		FilePath: "submission.wav",
	})
	if err != nil {
		return ExtractionResult{}, pipeline.NewStageError(pipeline.ErrReasoningUnavailable,
			errors.Wrap(err, "audio transcription request failed"))
	}
	if strings.TrimSpace(resp.Text) == "" {
		return ExtractionResult{}, pipeline.PermanentStageError(pipeline.ErrUnreadableContent,
			errors.New("no speech recoverable from audio clip"))
	}
	return ExtractionResult{Text: resp.Text, DetectedLanguage: resp.Language}, nil
}

// parseExtraction splits the model's transcription from the trailing
// language marker and maps the no-text sentinel to UnreadableContent.
func parseExtraction(content string) (ExtractionResult, error) {
	content = strings.TrimSpace(content)
	if content == "" || strings.Contains(content, noTextSentinel) {
		return ExtractionResult{}, pipeline.PermanentStageError(pipeline.ErrUnreadableContent,
			errors.New("no text recoverable from image"))
	}
	result := ExtractionResult{Text: content}
	if idx := strings.LastIndex(content, "LANGUAGE:"); idx >= 0 {
		result.Text = strings.TrimSpace(content[:idx])
		result.DetectedLanguage = strings.ToLower(strings.TrimSpace(content[idx+len("LANGUAGE:"):]))
	}
	return result, nil
}

// assessmentResponse is the strict JSON shape the reasoning prompt asks
// for.
type assessmentResponse struct {
	Classification string   `json:"classification"`
	Confidence     int      `json:"confidence"`
	Patterns       []string `json:"patterns"`
	Rationale      string   `json:"rationale"`
}

// Analyze asks the model for a structured scam assessment of the text.
func (m *ModelClient) Analyze(ctx context.Context, text, analysisContext string) (Assessment, error) {
	system := "You analyze content for scam and fraud signals. " + analysisContext +
		` Respond with a single JSON object, no prose: {"classification": "scam"|"safe"|"inconclusive", ` +
		`"confidence": 1-5, "patterns": ["label", ...], "rationale": "one sentence"}. ` +
		`Pattern labels use the form category:detail, e.g. "urgency:deadline", "authority:impersonation".`

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return Assessment{}, pipeline.NewStageError(pipeline.ErrReasoningUnavailable,
			errors.Wrap(err, "reasoning request failed"))
	}
	if len(resp.Choices) == 0 {
		return Assessment{}, pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.New("reasoning returned no choices"))
	}

	var parsed assessmentResponse
	raw := jsonBody(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Assessment{}, pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.Wrapf(err, "reasoning response is not the expected JSON: %.120s", raw))
	}

	classification := pipeline.Classification(parsed.Classification)
	switch classification {
	case pipeline.ClassificationScam, pipeline.ClassificationSafe, pipeline.ClassificationInconclusive:
	default:
		return Assessment{}, pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.Errorf("unknown classification %q in reasoning response", parsed.Classification))
	}
	confidence := parsed.Confidence
	if confidence < pipeline.MinConfidence {
		confidence = pipeline.MinConfidence
	}
	if confidence > pipeline.MaxConfidence {
		confidence = pipeline.MaxConfidence
	}
	return Assessment{
		Classification: classification,
		Confidence:     confidence,
		Patterns:       parsed.Patterns,
		Rationale:      parsed.Rationale,
	}, nil
}

// Summarize condenses the assessment into a short plain-language
// explanation a non-technical user can act on.
func (m *ModelClient) Summarize(ctx context.Context, material SummaryMaterial) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Determination: %s (confidence %d/%d).\n",
		material.Classification, material.Confidence, pipeline.MaxConfidence)
	if len(material.Patterns) > 0 {
		fmt.Fprintf(&sb, "Detected patterns: %s.\n", strings.Join(material.Patterns, ", "))
	}
	if len(material.FlaggedLinks) > 0 {
		fmt.Fprintf(&sb, "Flagged links: %s.\n", strings.Join(material.FlaggedLinks, ", "))
	}
	if material.Rationale != "" {
		fmt.Fprintf(&sb, "Rationale: %s\n", material.Rationale)
	}
	fmt.Fprintf(&sb, "Analyzed text:\n%s", material.ExtractedText)

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Write a short, plain-language summary (3-4 sentences) of this scam analysis " +
					"for a non-technical reader. State the determination, the strongest evidence, and " +
					"what the reader should do. No markdown.",
			},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", pipeline.NewStageError(pipeline.ErrReasoningUnavailable,
			errors.Wrap(err, "summarization request failed"))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.New("summarization returned no content"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Translate renders text in the target locale.
func (m *ModelClient) Translate(ctx context.Context, text, targetLocale string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Translate the user's text into the language with ISO 639-1 code %q. "+
					"Reply with the translation only.", targetLocale),
			},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", pipeline.NewStageError(pipeline.ErrReasoningUnavailable,
			errors.Wrap(err, "translation request failed"))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.New("translation returned no content"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// jsonBody strips common code fences so a fenced JSON answer still
// parses.
func jsonBody(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
