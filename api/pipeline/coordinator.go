package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/minervahq/triage/config"
)

// Coordinator drives submissions through the stage graph.  It owns the run
// state machine, dispatches eligible stages concurrently, emits one
// progress event per stage transition before any subsequent dispatch, and
// folds the recorded results into the terminal verdict.
type Coordinator struct {
	config.Config
	topology *Topology
}

// NewCoordinator validates the topology and checks that every stage has a
// bound adapter.
func NewCoordinator(cfg *config.Config, topology *Topology) (*Coordinator, error) {
	if err := topology.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stage topology")
	}
	for _, s := range topology.Stages {
		if s.Adapter == nil {
			return nil, errors.Errorf("stage %q has no bound adapter", s.ID)
		}
	}
	return &Coordinator{
		Config:   config.Config{Logger: cfg.Logger, Environment: cfg.Environment},
		topology: topology,
	}, nil
}

// Topology returns the validated stage graph the coordinator executes.
func (c *Coordinator) Topology() *Topology {
	return c.topology
}

type completion struct {
	stage  string
	result StageResult
}

// Execute runs the stage graph for one run to a terminal state and returns
// the aggregated verdict.  Stages become eligible once all their
// dependencies have recorded successful results; mutually independent
// eligible stages run concurrently.  Eligibility ties break in declaration
// order, but only dependency edges are authoritative.
//
// All stage events for the run are published in the order the stages
// actually start and finish, from this single goroutine, so observers see
// monotonic, causally ordered progress.
func (c *Coordinator) Execute(ctx context.Context, run *PipelineRun, pub *Publisher) *Verdict {
	run.setState(RunRunning)

	// stage invocations get their own context so a mandatory failure can
	// abort outstanding work without tearing down the caller's context
	stageCtx, stageCancel := context.WithCancel(ctx)
	defer stageCancel()

	completions := make(chan completion)
	started := map[string]bool{}
	inflight := 0
	var abort *ErrorDescriptor

	g, _ := errgroup.WithContext(stageCtx)

	dispatch := func() {
		// settle skips first so a dependency failure cascades through the
		// graph before anything new is dispatched
		for changed := true; changed; {
			changed = false
			for i := range c.topology.Stages {
				desc := &c.topology.Stages[i]
				if started[desc.ID] {
					continue
				}
				if abort != nil || c.dependencyBlocked(run, desc) {
					started[desc.ID] = true
					reason := SkipDependency
					if abort != nil && abort.Category == ErrCancelled {
						reason = SkipCancelled
					}
					res := StageResult{Stage: desc.ID, Status: StageSkipped, SkipReason: reason}
					run.record(res)
					pub.Publish(ProgressEvent{Kind: EventStageFinished, Stage: desc.ID, Status: StageSkipped})
					changed = true
				}
			}
		}
		if abort != nil {
			return
		}
		for i := range c.topology.Stages {
			desc := &c.topology.Stages[i]
			if started[desc.ID] || !c.eligible(run, desc) {
				continue
			}
			started[desc.ID] = true
			inflight++
			pub.Publish(ProgressEvent{Kind: EventStageStarted, Stage: desc.ID})

			in := StageInput{
				Fingerprint: run.Fingerprint,
				Submission:  run.Submission,
				Results:     run.resultSet(),
			}
			g.Go(func() error {
				res := executeStage(stageCtx, desc, in)
				completions <- completion{stage: desc.ID, result: res}
				return nil
			})
		}
	}

	dispatch()
	ctxDone := ctx.Done()
	for inflight > 0 {
		var comp completion
		select {
		case comp = <-completions:
		case <-ctxDone:
			// run cancelled or timed out: stop dispatching, flag the
			// abort, and keep draining in-flight stages
			if abort == nil {
				abort = &ErrorDescriptor{Category: categorize(ctx.Err()), Message: ctx.Err().Error()}
				stageCancel()
			}
			ctxDone = nil
			continue
		}
		inflight--

		res := comp.result
		if res.Status == StageFailed && res.Error.Category == ErrCancelled && (abort != nil || ctx.Err() != nil) {
			// a stage interrupted by the abort did not fail on its own
			// merits
			res = StageResult{Stage: res.Stage, Status: StageSkipped, SkipReason: SkipCancelled}
		}
		run.record(res)
		pub.Publish(ProgressEvent{
			Kind:   EventStageFinished,
			Stage:  res.Stage,
			Status: res.Status,
			Error:  res.Error,
		})

		if res.Status == StageFailed && c.topology.stage(res.Stage).Mandatory && abort == nil {
			abort = res.Error
			stageCancel()
			c.Logger.Warnw("mandatory stage failed, aborting run",
				"run_id", run.ID, "stage", res.Stage, "category", res.Error.Category)
		}

		dispatch()
	}
	_ = g.Wait()

	if abort == nil && ctx.Err() != nil {
		abort = &ErrorDescriptor{Category: categorize(ctx.Err()), Message: ctx.Err().Error()}
		// nothing was in flight when the run context died; settle the rest
		dispatch()
	}
	if abort == nil {
		abort = c.mandatoryGap(run)
	}

	state := c.terminalState(run, abort)
	verdict := Aggregate(run, c.Environment.DefaultLocale, abort)
	run.finish(state, verdict)
	pub.Publish(ProgressEvent{
		Kind:    EventRunFinished,
		State:   state,
		Error:   abort,
		Verdict: &verdict,
	})
	pub.Close()

	c.Logger.Infow("run finished",
		"run_id", run.ID, "fingerprint", run.Fingerprint, "state", state,
		"classification", verdict.Classification, "confidence", verdict.Confidence)
	return &verdict
}

// eligible reports whether every dependency of the stage has a recorded
// successful result.
func (c *Coordinator) eligible(run *PipelineRun, desc *StageDescriptor) bool {
	results := run.resultSet()
	for _, dep := range desc.DependsOn {
		res, ok := results[dep]
		if !ok || res.Status != StageSucceeded {
			return false
		}
	}
	return true
}

// dependencyBlocked reports whether some dependency already terminated
// without succeeding, which makes the stage unrunnable.
func (c *Coordinator) dependencyBlocked(run *PipelineRun, desc *StageDescriptor) bool {
	results := run.resultSet()
	for _, dep := range desc.DependsOn {
		if res, ok := results[dep]; ok && res.Status != StageSucceeded {
			return true
		}
	}
	return false
}

// mandatoryGap surfaces the abort reason when a mandatory stage ended
// without succeeding.  For a skipped mandatory stage the root cause is the
// first failure recorded upstream of it.
func (c *Coordinator) mandatoryGap(run *PipelineRun) *ErrorDescriptor {
	results := run.resultSet()
	for _, desc := range c.topology.Stages {
		if !desc.Mandatory {
			continue
		}
		res, ok := results[desc.ID]
		if ok && res.Status == StageSucceeded {
			continue
		}
		if res.Error != nil {
			return res.Error
		}
		for _, r := range run.Results() {
			if r.Status == StageFailed {
				return r.Error
			}
		}
		return &ErrorDescriptor{Category: ErrCancelled, Message: "mandatory stage " + desc.ID + " was not executed"}
	}
	return nil
}

// terminalState derives the run's end state from the recorded results.
func (c *Coordinator) terminalState(run *PipelineRun, abort *ErrorDescriptor) RunState {
	if abort != nil {
		return RunAborted
	}
	results := run.resultSet()
	for _, desc := range c.topology.Stages {
		res, ok := results[desc.ID]
		if !ok {
			return RunAborted
		}
		if res.Status == StageFailed || (res.Status == StageSkipped && res.SkipReason != SkipNotApplicable) {
			return RunDegraded
		}
	}
	return RunCompleted
}
