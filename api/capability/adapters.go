package capability

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/minervahq/triage/api/pipeline"
)

// urlPattern matches http(s) URLs in extracted text.  Trailing punctuation
// from sentence context is trimmed after the match.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs pulls the candidate URLs out of a block of extracted text,
// deduplicated and in order of first appearance.
func ExtractURLs(text string) []string {
	seen := map[string]bool{}
	var urls []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		u := strings.TrimRight(m, ".,;:!?")
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

// Adapters binds the capability implementations used to build the stage
// adapter set.  The default locale is what the summarizer produces without
// translation; supported locales bound what the translator will accept.
type Adapters struct {
	Extractor        Extractor
	LinkChecker      LinkChecker
	Reasoner         Reasoner
	Summarizer       Summarizer
	Translator       Translator
	History          pipeline.HistoryAppender
	DefaultLocale    string
	SupportedLocales []string
}

// StageAdapters builds the adapter for every built-in stage, keyed by
// stage ID for Topology.Bind.
func (a Adapters) StageAdapters() map[string]pipeline.StageAdapter {
	return map[string]pipeline.StageAdapter{
		pipeline.StageExtract:         pipeline.AdapterFunc(a.extract),
		pipeline.StageLinkCheck:       pipeline.AdapterFunc(a.linkCheck),
		pipeline.StageContentAnalysis: pipeline.AdapterFunc(a.contentAnalysis),
		pipeline.StageDecision:        pipeline.AdapterFunc(a.decide),
		pipeline.StageSummarize:       pipeline.AdapterFunc(a.summarize),
		pipeline.StageTranslate:       pipeline.AdapterFunc(a.translate),
		pipeline.StagePersist:         pipeline.AdapterFunc(a.persist),
	}
}

func (a Adapters) extract(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	result, err := a.Extractor.Extract(ctx, in.Submission.Bytes, in.Submission.MediaKind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Text) == "" {
		return nil, pipeline.PermanentStageError(pipeline.ErrUnreadableContent,
			fmt.Errorf("no text recoverable from %s artifact", in.Submission.MediaKind))
	}
	return pipeline.ExtractionPayload{Text: result.Text, DetectedLanguage: result.DetectedLanguage}, nil
}

func (a Adapters) linkCheck(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	urls := ExtractURLs(in.ExtractedText())
	if len(urls) == 0 {
		return pipeline.LinkCheckPayload{Findings: []pipeline.LinkFinding{}}, nil
	}
	verdicts, err := a.LinkChecker.Check(ctx, urls)
	if err != nil {
		return nil, err
	}
	findings := make([]pipeline.LinkFinding, 0, len(urls))
	for _, u := range urls {
		v := verdicts[u]
		findings = append(findings, pipeline.LinkFinding{URL: u, Flagged: v.Flagged, Category: v.Category})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].URL < findings[j].URL })
	return pipeline.LinkCheckPayload{Findings: findings}, nil
}

func (a Adapters) contentAnalysis(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	assessment, err := a.Reasoner.Analyze(ctx, in.ExtractedText(),
		"Survey the text for manipulation patterns (urgency, fear, authority impersonation, financial pressure).")
	if err != nil {
		return nil, err
	}
	return pipeline.AnalysisPayload{Patterns: assessment.Patterns, Notes: assessment.Rationale}, nil
}

func (a Adapters) decide(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	var sb strings.Builder
	sb.WriteString("Make the final scam determination. ")
	if p, ok := in.Payload(pipeline.StageContentAnalysis).(pipeline.AnalysisPayload); ok && len(p.Patterns) > 0 {
		fmt.Fprintf(&sb, "Detected patterns: %s. ", strings.Join(p.Patterns, ", "))
	}
	// link findings are consumed opportunistically: the decision does not
	// depend on the link_check stage having run
	if p, ok := in.Payload(pipeline.StageLinkCheck).(pipeline.LinkCheckPayload); ok {
		for _, f := range p.Findings {
			if f.Flagged {
				fmt.Fprintf(&sb, "URL %s is flagged as %s. ", f.URL, f.Category)
			}
		}
	}
	assessment, err := a.Reasoner.Analyze(ctx, in.ExtractedText(), sb.String())
	if err != nil {
		return nil, err
	}
	return pipeline.DecisionPayload{
		Classification: assessment.Classification,
		Confidence:     assessment.Confidence,
		Rationale:      assessment.Rationale,
	}, nil
}

func (a Adapters) summarize(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	material := SummaryMaterial{ExtractedText: in.ExtractedText()}
	if p, ok := in.Payload(pipeline.StageDecision).(pipeline.DecisionPayload); ok {
		material.Classification = p.Classification
		material.Confidence = p.Confidence
		material.Rationale = p.Rationale
	}
	if p, ok := in.Payload(pipeline.StageContentAnalysis).(pipeline.AnalysisPayload); ok {
		material.Patterns = p.Patterns
	}
	if p, ok := in.Payload(pipeline.StageLinkCheck).(pipeline.LinkCheckPayload); ok {
		for _, f := range p.Findings {
			if f.Flagged {
				material.FlaggedLinks = append(material.FlaggedLinks, f.URL)
			}
		}
	}
	text, err := a.Summarizer.Summarize(ctx, material)
	if err != nil {
		return nil, err
	}
	return pipeline.SummaryPayload{Text: text, Locale: a.DefaultLocale}, nil
}

func (a Adapters) translate(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	locale := in.Submission.Locale
	if locale == "" || locale == a.DefaultLocale {
		return nil, pipeline.ErrNotApplicable
	}
	supported := false
	for _, l := range a.SupportedLocales {
		if l == locale {
			supported = true
			break
		}
	}
	if !supported {
		return nil, pipeline.PermanentStageError(pipeline.ErrUnsupportedLocale,
			fmt.Errorf("locale %q is not supported for translation", locale))
	}
	summary, ok := in.Payload(pipeline.StageSummarize).(pipeline.SummaryPayload)
	if !ok {
		return nil, pipeline.PermanentStageError(pipeline.ErrMalformedResponse,
			fmt.Errorf("translate dispatched without a summary payload"))
	}
	text, err := a.Translator.Translate(ctx, summary.Text, locale)
	if err != nil {
		return nil, err
	}
	return pipeline.TranslationPayload{Text: text, Locale: locale}, nil
}

func (a Adapters) persist(ctx context.Context, in pipeline.StageInput) (pipeline.StagePayload, error) {
	verdict := pipeline.AggregateResults(in.Results, in.Submission.Locale, a.DefaultLocale)
	id, err := a.History.Append(ctx, in.Fingerprint, verdict)
	if err != nil {
		return nil, err
	}
	return pipeline.PersistencePayload{RecordID: id}, nil
}
