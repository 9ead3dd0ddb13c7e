package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// StageInput is what an adapter sees when its stage is dispatched: the
// original submission plus the successful results of every prior stage.
type StageInput struct {
	Fingerprint string
	Submission  Submission
	Results     map[string]StageResult
}

// Payload returns the payload recorded for a prior stage, or nil when the
// stage did not succeed.
func (in StageInput) Payload(stage string) StagePayload {
	res, ok := in.Results[stage]
	if !ok || res.Status != StageSucceeded {
		return nil
	}
	return res.Payload
}

// ExtractedText returns the text produced by the extract stage, or empty.
func (in StageInput) ExtractedText() string {
	if p, ok := in.Payload(StageExtract).(ExtractionPayload); ok {
		return p.Text
	}
	return ""
}

// StageAdapter is the uniform wrapper around one external capability.  An
// adapter never panics past this boundary and returns either a typed
// payload or an error the coordinator can categorize.  Returning
// ErrNotApplicable records the stage as skipped without failing it.
type StageAdapter interface {
	Invoke(ctx context.Context, in StageInput) (StagePayload, error)
}

// AdapterFunc adapts a plain function to the StageAdapter interface.
type AdapterFunc func(ctx context.Context, in StageInput) (StagePayload, error)

// Invoke implements StageAdapter.
func (f AdapterFunc) Invoke(ctx context.Context, in StageInput) (StagePayload, error) {
	return f(ctx, in)
}

// executeStage runs one stage under its timeout and retry policy and
// normalizes the outcome into a StageResult.  Failures never propagate as
// panics or raw errors past this function.
func executeStage(ctx context.Context, desc *StageDescriptor, in StageInput) StageResult {
	attempts := desc.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if desc.Retry.InitialBackoff > 0 {
		bo.InitialInterval = desc.Retry.InitialBackoff
	}
	if desc.Retry.MaxBackoff > 0 {
		bo.MaxInterval = desc.Retry.MaxBackoff
	}
	bo.Reset()

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		payload, err := invokeOnce(ctx, desc, in)
		if err == nil {
			return StageResult{Stage: desc.ID, Status: StageSucceeded, Payload: payload}
		}
		if errors.Is(err, ErrNotApplicable) {
			return StageResult{Stage: desc.ID, Status: StageSkipped, SkipReason: SkipNotApplicable}
		}
		lastErr = err
		if permanent(err) || ctx.Err() != nil || attempt == attempts {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = attempts
		}
	}

	category := categorize(lastErr)
	if ctx.Err() != nil {
		// run-level cancellation or timeout supersedes whatever the
		// adapter reported
		category = categorize(ctx.Err())
	}
	return StageResult{
		Stage:  desc.ID,
		Status: StageFailed,
		Error: &ErrorDescriptor{
			Category: category,
			Message:  lastErr.Error(),
			Attempts: made,
		},
	}
}

// invokeOnce runs a single attempt under the stage timeout, converting
// panics in capability code into categorized failures.
func invokeOnce(ctx context.Context, desc *StageDescriptor, in StageInput) (payload StagePayload, err error) {
	actx := ctx
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = NewStageError(ErrMalformedResponse, errors.Errorf("stage %s panicked: %v", desc.ID, r))
		}
	}()
	payload, err = desc.Adapter.Invoke(actx, in)
	if err == nil && payload == nil {
		err = NewStageError(ErrMalformedResponse, errors.Errorf("stage %s returned no payload", desc.ID))
	}
	return payload, err
}
