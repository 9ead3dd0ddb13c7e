package pipeline

import (
	"fmt"
	"sort"
)

// AggregateResults folds a set of recorded stage results into verdict
// evidence.  Pure function, no external calls: classification and
// confidence come from the decision payload when present and default to
// inconclusive at lowest confidence otherwise; the summary prefers the
// translation payload when the requested locale is not the default; links
// and patterns are the union of what link checking and content analysis
// reported, empty when those stages were skipped.
func AggregateResults(results map[string]StageResult, requestedLocale, defaultLocale string) Verdict {
	v := Verdict{
		Classification: ClassificationInconclusive,
		Confidence:     MinConfidence,
		FlaggedLinks:   []string{},
		Patterns:       []string{},
		Locale:         defaultLocale,
	}

	if p, ok := payloadOf(results, StageExtract).(ExtractionPayload); ok {
		v.ExtractedText = p.Text
	}
	if p, ok := payloadOf(results, StageLinkCheck).(LinkCheckPayload); ok {
		for _, f := range p.Findings {
			if f.Flagged {
				v.FlaggedLinks = append(v.FlaggedLinks, f.URL)
			}
		}
	}
	if p, ok := payloadOf(results, StageContentAnalysis).(AnalysisPayload); ok {
		v.Patterns = append(v.Patterns, p.Patterns...)
	}
	if p, ok := payloadOf(results, StageDecision).(DecisionPayload); ok {
		v.Classification = p.Classification
		v.Confidence = clampConfidence(p.Confidence)
	}
	if p, ok := payloadOf(results, StageSummarize).(SummaryPayload); ok {
		v.Summary = p.Text
		if p.Locale != "" {
			v.Locale = p.Locale
		}
	}
	if requestedLocale != "" && requestedLocale != defaultLocale {
		if p, ok := payloadOf(results, StageTranslate).(TranslationPayload); ok {
			v.Summary = p.Text
			v.Locale = p.Locale
		}
	}

	sort.Strings(v.FlaggedLinks)
	v.FlaggedLinks = dedupe(v.FlaggedLinks)
	sort.Strings(v.Patterns)
	v.Patterns = dedupe(v.Patterns)
	return v
}

// Aggregate composes the terminal verdict for a run.  Deterministic over
// the run's recorded results: degradation notes follow the order stages
// reached a terminal status.  A non-nil abort descriptor forces the
// verdict to inconclusive with the reason attached - an aborted run never
// terminates silently as safe.
func Aggregate(run *PipelineRun, defaultLocale string, abort *ErrorDescriptor) Verdict {
	results := run.resultSet()
	v := AggregateResults(results, run.Submission.Locale, defaultLocale)

	translated := false
	if _, ok := payloadOf(results, StageTranslate).(TranslationPayload); ok {
		translated = true
	}
	if run.Submission.Locale != "" && run.Submission.Locale != defaultLocale && !translated && v.Summary != "" {
		v.Degraded = true
		v.DegradationNotes = append(v.DegradationNotes,
			fmt.Sprintf("translation to %q unavailable, summary is in %q", run.Submission.Locale, v.Locale))
	}

	for _, res := range run.Results() {
		switch {
		case res.Status == StageFailed:
			v.Degraded = true
			v.DegradationNotes = append(v.DegradationNotes,
				fmt.Sprintf("stage %s failed (%s), its evidence is missing", res.Stage, res.Error.Category))
		case res.Status == StageSkipped && res.SkipReason != SkipNotApplicable:
			v.Degraded = true
			v.DegradationNotes = append(v.DegradationNotes,
				fmt.Sprintf("stage %s was skipped, its evidence is missing", res.Stage))
		}
	}

	if abort != nil {
		v.Classification = ClassificationInconclusive
		v.Confidence = MinConfidence
		v.AbortReason = abort
		if v.Summary == "" {
			v.Summary = fmt.Sprintf("analysis aborted: %s", abort.Message)
		}
	}
	return v
}

func payloadOf(results map[string]StageResult, stage string) StagePayload {
	res, ok := results[stage]
	if !ok || res.Status != StageSucceeded {
		return nil
	}
	return res.Payload
}

func clampConfidence(c int) int {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
