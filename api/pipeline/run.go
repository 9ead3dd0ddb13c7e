package pipeline

import (
	"sync"
	"time"
)

// RunState is the lifecycle state of one pipeline run.
type RunState string

const (
	// RunPending - run created, fingerprint checked, no stage started.
	RunPending RunState = "pending"
	// RunRunning - at least one stage dispatched, not all terminal.
	RunRunning RunState = "running"
	// RunCompleted - all stages terminal and mandatory stages succeeded.
	RunCompleted RunState = "completed"
	// RunDegraded - mandatory stages succeeded but one or more optional
	// stages failed or were skipped, so the verdict carries reduced evidence.
	RunDegraded RunState = "degraded"
	// RunAborted - a mandatory stage failed after exhausting its retry
	// policy, or the run was cancelled or timed out.
	RunAborted RunState = "aborted"
)

// Terminal reports whether the state is one of the three end states.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunDegraded || s == RunAborted
}

// StageStatus is the terminal status of one stage execution.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// SkipReason distinguishes why a stage was skipped.  Dependency and
// cancellation skips degrade the run; not-applicable skips do not.
type SkipReason string

const (
	SkipDependency    SkipReason = "dependency_not_met"
	SkipNotApplicable SkipReason = "not_applicable"
	SkipCancelled     SkipReason = "cancelled"
)

// StageResult is the recorded outcome of one stage execution for one run.
// Immutable once recorded, appended exactly once per stage per run.
type StageResult struct {
	Stage      string           `json:"stage"`
	Status     StageStatus      `json:"status"`
	Payload    StagePayload     `json:"payload,omitempty"`
	Error      *ErrorDescriptor `json:"error,omitempty"`
	SkipReason SkipReason       `json:"skip_reason,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`
}

// PipelineRun is the mutable aggregate for one submission's traversal of
// the stage graph.  It is owned and mutated exclusively by the coordinator
// for the lifetime of the run; everything else reads snapshots.
type PipelineRun struct {
	ID          string
	Fingerprint string
	Submission  Submission
	CreatedAt   time.Time

	mu      sync.RWMutex
	state   RunState
	results []StageResult
	byStage map[string]StageResult
	verdict *Verdict
}

// NewRun creates a pending run for the given submission.
func NewRun(id, fingerprint string, sub Submission) *PipelineRun {
	return &PipelineRun{
		ID:          id,
		Fingerprint: fingerprint,
		Submission:  sub,
		CreatedAt:   time.Now(),
		state:       RunPending,
		byStage:     map[string]StageResult{},
	}
}

// State returns the current run state.
func (r *PipelineRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Verdict returns the terminal verdict, or nil while the run is live.
func (r *PipelineRun) Verdict() *Verdict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verdict
}

// Results returns a copy of the stage results recorded so far, in the
// order the stages reached a terminal status.
func (r *PipelineRun) Results() []StageResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageResult, len(r.results))
	copy(out, r.results)
	return out
}

// resultSet returns the recorded results keyed by stage ID, for stage
// input assembly and aggregation.
func (r *PipelineRun) resultSet() map[string]StageResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]StageResult, len(r.byStage))
	for k, v := range r.byStage {
		out[k] = v
	}
	return out
}

func (r *PipelineRun) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// record appends a stage result.  A second result for the same stage is a
// coordinator bug and is dropped.
func (r *PipelineRun) record(res StageResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byStage[res.Stage]; ok {
		return false
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	r.results = append(r.results, res)
	r.byStage[res.Stage] = res
	return true
}

// finish records the terminal state and verdict.
func (r *PipelineRun) finish(state RunState, v Verdict) {
	r.mu.Lock()
	r.state = state
	r.verdict = &v
	r.mu.Unlock()
}

// RunSnapshot is a read-only view of a run for API consumers.
type RunSnapshot struct {
	ID          string        `json:"run_id"`
	Fingerprint string        `json:"fingerprint"`
	State       RunState      `json:"state"`
	MediaKind   MediaKind     `json:"media_kind"`
	Locale      string        `json:"locale"`
	CreatedAt   time.Time     `json:"created_at"`
	Results     []StageResult `json:"results"`
	Verdict     *Verdict      `json:"verdict,omitempty"`
}

// Snapshot captures the current run state for API consumers.
func (r *PipelineRun) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]StageResult, len(r.results))
	copy(results, r.results)
	return RunSnapshot{
		ID:          r.ID,
		Fingerprint: r.Fingerprint,
		State:       r.state,
		MediaKind:   r.Submission.MediaKind,
		Locale:      r.Submission.Locale,
		CreatedAt:   r.CreatedAt,
		Results:     results,
		Verdict:     r.verdict,
	}
}
