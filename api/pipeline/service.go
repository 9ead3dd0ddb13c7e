package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/minervahq/triage/api/queue"
	"github.com/minervahq/triage/config"
)

// FingerprintStore maps a content fingerprint to a previously computed
// verdict.  Dedup is an optimization, not a correctness requirement - an
// unavailable backend behaves as an always-miss.
type FingerprintStore interface {
	Lookup(fingerprint string) (*Verdict, bool)
	Store(fingerprint string, v Verdict)
}

// HistoryAppender appends one verdict record to the append-only history,
// keyed by fingerprint plus timestamp.  Repeat submissions produce a new
// history entry even when served from cache.
type HistoryAppender interface {
	Append(ctx context.Context, fingerprint string, v Verdict) (int64, error)
}

// Fingerprinter derives the dedup key for a submission's bytes.
type Fingerprinter func([]byte) string

// RunTicket is the intake queue entry for an accepted submission.  It
// carries the artifact itself so a persisted queue can rebuild the run
// after a restart.
type RunTicket struct {
	RunID       string
	Fingerprint string
	MediaKind   MediaKind
	Locale      string
	Artifact    []byte
	EnqueuedAt  time.Time
}

// SubmitReceipt is returned to the caller on a successful submission.
type SubmitReceipt struct {
	RunID       string `json:"run_id"`
	Fingerprint string `json:"fingerprint"`
	Cached      bool   `json:"cached"`
}

// ServiceStatus summarizes the intake queue and runner state.
type ServiceStatus struct {
	QueueDepth int  `json:"queue_depth"`
	ActiveRuns int  `json:"active_runs"`
	Running    bool `json:"is_running"`
}

// ErrIntakeFull is returned when the intake queue is at capacity.
var ErrIntakeFull = errors.New("intake queue full")

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

type runEntry struct {
	run       *PipelineRun
	pub       *Publisher
	cancel    context.CancelFunc
	cancelled bool
}

// Service ties the pieces together: it accepts submissions, deduplicates
// them by content fingerprint, queues them for execution, and drains the
// queue with a bounded number of concurrent pipeline runs.
type Service struct {
	config.Config
	coordinator   *Coordinator
	intake        queue.IntakeQueue
	store         FingerprintStore
	fingerprinter Fingerprinter
	history       HistoryAppender

	// exclusive-claim discipline per fingerprint: at most one full
	// pipeline execution for identical content, later claims read the
	// in-flight result.  The intake queue already deduplicates waiting
	// submissions by key, but a persisted queue can replay an item that
	// was mid-flight when the process died.
	group singleflight.Group

	mutex   *sync.RWMutex
	runs    map[string]*runEntry
	fpToRun map[string]string
	running bool
	wg      sync.WaitGroup
}

// NewService creates a Service around a validated coordinator.
func NewService(cfg *config.Config, coordinator *Coordinator, intake queue.IntakeQueue,
	store FingerprintStore, fingerprinter Fingerprinter, history HistoryAppender) *Service {
	return &Service{
		Config: config.Config{
			Logger:      cfg.Logger,
			Environment: cfg.Environment,
		},
		coordinator:   coordinator,
		intake:        intake,
		store:         store,
		fingerprinter: fingerprinter,
		history:       history,
		mutex:         &sync.RWMutex{},
		runs:          map[string]*runEntry{},
		fpToRun:       map[string]string{},
	}
}

// Start launches the intake workers.
func (s *Service) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return
	}
	s.running = true

	workers := s.Environment.Parallelism
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.Logger.Infof("Pipeline service started with %d workers", workers)
}

// Stop cancels in-flight runs, closes the intake queue and waits for the
// workers to drain.
func (s *Service) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	for _, entry := range s.runs {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	s.mutex.Unlock()

	if err := s.intake.Close(); err != nil {
		s.Logger.Errorf("%+v", err)
	}
	s.wg.Wait()
}

// Running indicates whether the intake workers are up.
func (s *Service) Running() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Submit accepts an artifact for analysis.  Identical content resolves
// without re-running the pipeline: a stored verdict is served immediately
// and a submission whose fingerprint is already in flight attaches to the
// existing run.
func (s *Service) Submit(sub Submission) (SubmitReceipt, error) {
	if len(sub.Bytes) == 0 {
		return SubmitReceipt{}, errors.New("submission has no content")
	}
	if !sub.MediaKind.Valid() {
		return SubmitReceipt{}, errors.Errorf("unsupported media kind %q", sub.MediaKind)
	}
	fp := s.fingerprinter(sub.Bytes)

	if v, ok := s.store.Lookup(fp); ok {
		entry := s.register(uuid.New().String(), fp, sub)
		s.finishFromCache(entry, fp, v, true)
		return SubmitReceipt{RunID: entry.run.ID, Fingerprint: fp, Cached: true}, nil
	}

	// attach to an in-flight run for the same content
	s.mutex.RLock()
	existing, inFlight := s.fpToRun[fp]
	s.mutex.RUnlock()
	if inFlight {
		return SubmitReceipt{RunID: existing, Fingerprint: fp}, nil
	}

	entry := s.register(uuid.New().String(), fp, sub)
	ticket := RunTicket{
		RunID:       entry.run.ID,
		Fingerprint: fp,
		MediaKind:   sub.MediaKind,
		Locale:      sub.Locale,
		Artifact:    sub.Bytes,
		EnqueuedAt:  time.Now(),
	}
	queued, err := s.intake.Enqueue(fp, ticket)
	if err != nil || !queued {
		s.unregister(entry.run.ID, fp)
		if err != nil {
			return SubmitReceipt{}, errors.Wrap(err, "failed to enqueue submission")
		}
		return SubmitReceipt{}, ErrIntakeFull
	}
	return SubmitReceipt{RunID: entry.run.ID, Fingerprint: fp}, nil
}

// Subscribe attaches an observer to a run's progress stream.  With replay,
// events recorded before the subscription point are delivered first.
func (s *Service) Subscribe(runID string, replay bool) (*Subscription, error) {
	s.mutex.RLock()
	entry, ok := s.runs[runID]
	s.mutex.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return entry.pub.Subscribe(replay), nil
}

// Cancel aborts a run.  A queued run is marked for cancellation and
// terminates as soon as a worker picks it up; a running one has its
// context cancelled, which propagates to all in-flight stage invocations.
func (s *Service) Cancel(runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if entry.run.State().Terminal() {
		return nil
	}
	entry.cancelled = true
	if entry.cancel != nil {
		entry.cancel()
	}
	return nil
}

// GetRun returns a snapshot of one run.
func (s *Service) GetRun(runID string) (RunSnapshot, error) {
	s.mutex.RLock()
	entry, ok := s.runs[runID]
	s.mutex.RUnlock()
	if !ok {
		return RunSnapshot{}, ErrRunNotFound
	}
	return entry.run.Snapshot(), nil
}

// GetCached returns the stored verdict for a fingerprint, if any.
func (s *Service) GetCached(fp string) (*Verdict, bool) {
	return s.store.Lookup(fp)
}

// Status reports queue depth and active runs.
func (s *Service) Status() ServiceStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	active := 0
	for _, entry := range s.runs {
		if !entry.run.State().Terminal() {
			active++
		}
	}
	return ServiceStatus{
		QueueDepth: s.intake.Size(),
		ActiveRuns: active,
		Running:    s.running,
	}
}

func (s *Service) register(runID, fp string, sub Submission) *runEntry {
	entry := &runEntry{
		run: NewRun(runID, fp, sub),
		pub: NewPublisher(runID, s.Environment.EventBufferSize),
	}
	s.mutex.Lock()
	s.runs[runID] = entry
	s.fpToRun[fp] = runID
	s.mutex.Unlock()
	return entry
}

func (s *Service) unregister(runID, fp string) {
	s.mutex.Lock()
	delete(s.runs, runID)
	if s.fpToRun[fp] == runID {
		delete(s.fpToRun, fp)
	}
	s.mutex.Unlock()
}

// releaseClaim drops the fingerprint claim once a run is terminal, keeping
// the run itself around for status queries.
func (s *Service) releaseClaim(runID, fp string) {
	s.mutex.Lock()
	if s.fpToRun[fp] == runID {
		delete(s.fpToRun, fp)
	}
	s.mutex.Unlock()
}

// worker drains the intake queue until it is closed.
func (s *Service) worker() {
	defer s.wg.Done()
	for {
		item, err := s.intake.Dequeue()
		if err != nil {
			return
		}
		ticket, ok := item.(RunTicket)
		if !ok {
			s.Logger.Error(errors.Errorf("unhandled intake item type %T", item))
			continue
		}
		s.execute(ticket)
	}
}

// execute drives one ticket to a terminal state.
func (s *Service) execute(ticket RunTicket) {
	s.mutex.Lock()
	entry, ok := s.runs[ticket.RunID]
	if !ok {
		// persisted queue replay after a restart: rebuild the run from
		// the ticket
		sub := Submission{Bytes: ticket.Artifact, MediaKind: ticket.MediaKind, Locale: ticket.Locale}
		entry = &runEntry{
			run: NewRun(ticket.RunID, ticket.Fingerprint, sub),
			pub: NewPublisher(ticket.RunID, s.Environment.EventBufferSize),
		}
		s.runs[ticket.RunID] = entry
		s.fpToRun[ticket.Fingerprint] = ticket.RunID
	}
	if entry.cancelled {
		s.mutex.Unlock()
		s.finishCancelled(entry, ticket.Fingerprint)
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if s.Environment.RunTimeoutSec > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.Environment.RunTimeoutSec)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	entry.cancel = cancel
	s.mutex.Unlock()
	defer cancel()

	// the verdict may have been committed while this ticket waited
	if v, ok := s.store.Lookup(ticket.Fingerprint); ok {
		s.finishFromCache(entry, ticket.Fingerprint, v, true)
		return
	}

	result, _, shared := s.group.Do(ticket.Fingerprint, func() (interface{}, error) {
		return s.coordinator.Execute(ctx, entry.run, entry.pub), nil
	})
	verdict := result.(*Verdict)

	if shared && !entry.run.State().Terminal() {
		// another worker ran the pipeline for identical content; adopt
		// its verdict without duplicating the history entry
		s.finishFromCache(entry, ticket.Fingerprint, verdict, false)
		return
	}

	state := entry.run.State()
	if state == RunCompleted || state == RunDegraded {
		// aborted verdicts are not cached - a transient backend failure
		// should not freeze an inconclusive answer for this content
		s.store.Store(ticket.Fingerprint, *verdict)
	}
	s.releaseClaim(ticket.RunID, ticket.Fingerprint)
}

// finishFromCache terminates a run with a previously computed verdict.
func (s *Service) finishFromCache(entry *runEntry, fp string, v *Verdict, appendHistory bool) {
	state := RunCompleted
	switch {
	case v.AbortReason != nil:
		state = RunAborted
	case v.Degraded:
		state = RunDegraded
	}
	entry.run.finish(state, *v)
	entry.pub.Publish(ProgressEvent{Kind: EventRunFinished, State: state, Verdict: v, Error: v.AbortReason})
	entry.pub.Close()
	s.releaseClaim(entry.run.ID, fp)

	if appendHistory && s.history != nil {
		// repeat submissions still get their own history row
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.Environment.CapabilityTimeoutSec)*time.Second)
		defer cancel()
		if _, err := s.history.Append(ctx, fp, *v); err != nil {
			s.Logger.Errorf("failed to append history entry for cached verdict: %+v", err)
		}
	}
}

// finishCancelled terminates a run that was cancelled before a worker
// picked it up.
func (s *Service) finishCancelled(entry *runEntry, fp string) {
	abort := &ErrorDescriptor{Category: ErrCancelled, Message: "run cancelled before execution"}
	verdict := Aggregate(entry.run, s.Environment.DefaultLocale, abort)
	entry.run.finish(RunAborted, verdict)
	entry.pub.Publish(ProgressEvent{Kind: EventRunFinished, State: RunAborted, Error: abort, Verdict: &verdict})
	entry.pub.Close()
	s.releaseClaim(entry.run.ID, fp)
}
