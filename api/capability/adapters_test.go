package capability

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/minervahq/triage/api/pipeline"
)

func TestExtractURLs(t *testing.T) {
	text := "Claim your prize at https://evil.test/promo, or visit http://short.test/x. " +
		"More at https://evil.test/promo and nothing else www-less."
	urls := ExtractURLs(text)
	assert.Equal(t, []string{"https://evil.test/promo", "http://short.test/x"}, urls)

	assert.Empty(t, ExtractURLs("no links in here"))
	assert.Equal(t, []string{"https://a.test/path"}, ExtractURLs("(see https://a.test/path)"))
}

type fakeExtractor struct {
	result ExtractionResult
	err    error
}

func (f fakeExtractor) Extract(ctx context.Context, data []byte, kind pipeline.MediaKind) (ExtractionResult, error) {
	return f.result, f.err
}

type fakeLinkChecker struct {
	verdicts map[string]LinkVerdict
	err      error
	gotURLs  []string
}

func (f *fakeLinkChecker) Check(ctx context.Context, urls []string) (map[string]LinkVerdict, error) {
	f.gotURLs = urls
	return f.verdicts, f.err
}

type fakeReasoner struct {
	assessment Assessment
	err        error
	gotContext string
}

func (f *fakeReasoner) Analyze(ctx context.Context, text, analysisContext string) (Assessment, error) {
	f.gotContext = analysisContext
	return f.assessment, f.err
}

type fakeSummarizer struct {
	text        string
	err         error
	gotMaterial SummaryMaterial
}

func (f *fakeSummarizer) Summarize(ctx context.Context, material SummaryMaterial) (string, error) {
	f.gotMaterial = material
	return f.text, f.err
}

type fakeTranslator struct {
	text      string
	err       error
	gotLocale string
}

func (f *fakeTranslator) Translate(ctx context.Context, text, targetLocale string) (string, error) {
	f.gotLocale = targetLocale
	return f.text, f.err
}

type fakeAppender struct {
	id      int64
	err     error
	gotFP   string
	verdict pipeline.Verdict
}

func (f *fakeAppender) Append(ctx context.Context, fp string, v pipeline.Verdict) (int64, error) {
	f.gotFP = fp
	f.verdict = v
	return f.id, f.err
}

func inputWith(results map[string]pipeline.StageResult) pipeline.StageInput {
	return pipeline.StageInput{
		Fingerprint: "fp-1",
		Submission:  pipeline.Submission{Bytes: []byte("img"), MediaKind: pipeline.MediaImage, Locale: "en"},
		Results:     results,
	}
}

func extractedInput(text string) pipeline.StageInput {
	return inputWith(map[string]pipeline.StageResult{
		pipeline.StageExtract: {
			Stage:   pipeline.StageExtract,
			Status:  pipeline.StageSucceeded,
			Payload: pipeline.ExtractionPayload{Text: text},
		},
	})
}

func TestExtractAdapter(t *testing.T) {
	a := Adapters{Extractor: fakeExtractor{result: ExtractionResult{Text: "pay now", DetectedLanguage: "en"}}}
	payload, err := a.extract(context.Background(), inputWith(nil))
	assert.NoError(t, err)
	assert.Equal(t, pipeline.ExtractionPayload{Text: "pay now", DetectedLanguage: "en"}, payload)
}

func TestExtractAdapterEmptyText(t *testing.T) {
	a := Adapters{Extractor: fakeExtractor{result: ExtractionResult{Text: "   "}}}
	_, err := a.extract(context.Background(), inputWith(nil))

	var se *pipeline.StageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, pipeline.ErrUnreadableContent, se.Category)
	assert.True(t, se.Permanent)
}

func TestLinkCheckAdapterNoURLs(t *testing.T) {
	checker := &fakeLinkChecker{}
	a := Adapters{LinkChecker: checker}

	payload, err := a.linkCheck(context.Background(), extractedInput("no links here"))
	assert.NoError(t, err)
	assert.Equal(t, pipeline.LinkCheckPayload{Findings: []pipeline.LinkFinding{}}, payload)
	// the reputation backend is never contacted for link-free text
	assert.Nil(t, checker.gotURLs)
}

func TestLinkCheckAdapterSortsFindings(t *testing.T) {
	checker := &fakeLinkChecker{verdicts: map[string]LinkVerdict{
		"https://z.test":  {Flagged: true, Category: "SOCIAL_ENGINEERING"},
		"https://a.test":  {},
		"http://mid.test": {Flagged: true, Category: "MALWARE"},
	}}
	a := Adapters{LinkChecker: checker}

	payload, err := a.linkCheck(context.Background(),
		extractedInput("https://z.test then https://a.test then http://mid.test"))
	assert.NoError(t, err)

	findings := payload.(pipeline.LinkCheckPayload).Findings
	assert.Equal(t, []pipeline.LinkFinding{
		{URL: "http://mid.test", Flagged: true, Category: "MALWARE"},
		{URL: "https://a.test"},
		{URL: "https://z.test", Flagged: true, Category: "SOCIAL_ENGINEERING"},
	}, findings)
}

func TestDecideAdapterConsumesLinkFindings(t *testing.T) {
	reasoner := &fakeReasoner{assessment: Assessment{
		Classification: pipeline.ClassificationScam, Confidence: 5, Rationale: "flagged link",
	}}
	a := Adapters{Reasoner: reasoner}

	in := extractedInput("visit https://evil.test")
	in.Results[pipeline.StageLinkCheck] = pipeline.StageResult{
		Stage:  pipeline.StageLinkCheck,
		Status: pipeline.StageSucceeded,
		Payload: pipeline.LinkCheckPayload{Findings: []pipeline.LinkFinding{
			{URL: "https://evil.test", Flagged: true, Category: "SOCIAL_ENGINEERING"},
		}},
	}

	payload, err := a.decide(context.Background(), in)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.ClassificationScam, payload.(pipeline.DecisionPayload).Classification)
	assert.Contains(t, reasoner.gotContext, "https://evil.test")
	assert.Contains(t, reasoner.gotContext, "SOCIAL_ENGINEERING")
}

func TestDecideAdapterWithoutLinkFindings(t *testing.T) {
	reasoner := &fakeReasoner{assessment: Assessment{
		Classification: pipeline.ClassificationInconclusive, Confidence: 2,
	}}
	a := Adapters{Reasoner: reasoner}

	// link_check failed; the decision proceeds on the remaining evidence
	in := extractedInput("visit https://evil.test")
	in.Results[pipeline.StageLinkCheck] = pipeline.StageResult{
		Stage:  pipeline.StageLinkCheck,
		Status: pipeline.StageFailed,
	}

	payload, err := a.decide(context.Background(), in)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.ClassificationInconclusive, payload.(pipeline.DecisionPayload).Classification)
	assert.NotContains(t, reasoner.gotContext, "evil.test")
}

func TestSummarizeAdapterComposesMaterial(t *testing.T) {
	summarizer := &fakeSummarizer{text: "This is a scam, do not pay."}
	a := Adapters{Summarizer: summarizer, DefaultLocale: "en"}

	in := extractedInput("pay the fee at https://evil.test")
	in.Results[pipeline.StageDecision] = pipeline.StageResult{
		Stage: pipeline.StageDecision, Status: pipeline.StageSucceeded,
		Payload: pipeline.DecisionPayload{Classification: pipeline.ClassificationScam, Confidence: 4, Rationale: "advance fee"},
	}
	in.Results[pipeline.StageContentAnalysis] = pipeline.StageResult{
		Stage: pipeline.StageContentAnalysis, Status: pipeline.StageSucceeded,
		Payload: pipeline.AnalysisPayload{Patterns: []string{"financial:advance-fee"}},
	}
	in.Results[pipeline.StageLinkCheck] = pipeline.StageResult{
		Stage: pipeline.StageLinkCheck, Status: pipeline.StageSucceeded,
		Payload: pipeline.LinkCheckPayload{Findings: []pipeline.LinkFinding{
			{URL: "https://evil.test", Flagged: true, Category: "SOCIAL_ENGINEERING"},
		}},
	}

	payload, err := a.summarize(context.Background(), in)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.SummaryPayload{Text: "This is a scam, do not pay.", Locale: "en"}, payload)

	assert.Equal(t, pipeline.ClassificationScam, summarizer.gotMaterial.Classification)
	assert.Equal(t, 4, summarizer.gotMaterial.Confidence)
	assert.Equal(t, []string{"financial:advance-fee"}, summarizer.gotMaterial.Patterns)
	assert.Equal(t, []string{"https://evil.test"}, summarizer.gotMaterial.FlaggedLinks)
}

func TestTranslateAdapterNotApplicable(t *testing.T) {
	a := Adapters{Translator: &fakeTranslator{}, DefaultLocale: "en", SupportedLocales: []string{"en", "es"}}

	in := extractedInput("text")
	in.Submission.Locale = "en"
	_, err := a.translate(context.Background(), in)
	assert.ErrorIs(t, err, pipeline.ErrNotApplicable)

	in.Submission.Locale = ""
	_, err = a.translate(context.Background(), in)
	assert.ErrorIs(t, err, pipeline.ErrNotApplicable)
}

func TestTranslateAdapterUnsupportedLocale(t *testing.T) {
	a := Adapters{Translator: &fakeTranslator{}, DefaultLocale: "en", SupportedLocales: []string{"en", "es"}}

	in := extractedInput("text")
	in.Submission.Locale = "zz"
	_, err := a.translate(context.Background(), in)

	var se *pipeline.StageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, pipeline.ErrUnsupportedLocale, se.Category)
	assert.True(t, se.Permanent)
}

func TestTranslateAdapter(t *testing.T) {
	translator := &fakeTranslator{text: "Esto es una estafa."}
	a := Adapters{Translator: translator, DefaultLocale: "en", SupportedLocales: []string{"en", "es"}}

	in := extractedInput("text")
	in.Submission.Locale = "es"
	in.Results[pipeline.StageSummarize] = pipeline.StageResult{
		Stage: pipeline.StageSummarize, Status: pipeline.StageSucceeded,
		Payload: pipeline.SummaryPayload{Text: "This is a scam.", Locale: "en"},
	}

	payload, err := a.translate(context.Background(), in)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.TranslationPayload{Text: "Esto es una estafa.", Locale: "es"}, payload)
	assert.Equal(t, "es", translator.gotLocale)
}

func TestPersistAdapter(t *testing.T) {
	appender := &fakeAppender{id: 42}
	a := Adapters{History: appender, DefaultLocale: "en"}

	in := extractedInput("pay the fee")
	in.Results[pipeline.StageDecision] = pipeline.StageResult{
		Stage: pipeline.StageDecision, Status: pipeline.StageSucceeded,
		Payload: pipeline.DecisionPayload{Classification: pipeline.ClassificationScam, Confidence: 4},
	}
	in.Results[pipeline.StageSummarize] = pipeline.StageResult{
		Stage: pipeline.StageSummarize, Status: pipeline.StageSucceeded,
		Payload: pipeline.SummaryPayload{Text: "Scam.", Locale: "en"},
	}

	payload, err := a.persist(context.Background(), in)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.PersistencePayload{RecordID: 42}, payload)
	assert.Equal(t, "fp-1", appender.gotFP)
	assert.Equal(t, pipeline.ClassificationScam, appender.verdict.Classification)
	assert.Equal(t, "Scam.", appender.verdict.Summary)
}

func TestPersistAdapterStorageFailure(t *testing.T) {
	appender := &fakeAppender{err: pipeline.NewStageError(pipeline.ErrStorageUnavailable, errors.New("disk full"))}
	a := Adapters{History: appender, DefaultLocale: "en"}

	_, err := a.persist(context.Background(), extractedInput("text"))
	var se *pipeline.StageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, pipeline.ErrStorageUnavailable, se.Category)
}

func TestStageAdaptersCoverTopology(t *testing.T) {
	a := Adapters{}
	adapters := a.StageAdapters()
	topo := pipeline.DefaultTopology(0)
	for _, s := range topo.Stages {
		assert.Contains(t, adapters, s.ID)
	}
}
