package pipeline

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// EventKind identifies the kind of progress event.
type EventKind string

const (
	// EventStageStarted is emitted when a stage is dispatched.
	EventStageStarted EventKind = "stage_started"
	// EventStageFinished is emitted when a stage reaches a terminal status.
	EventStageFinished EventKind = "stage_finished"
	// EventRunFinished terminates the stream and carries the verdict or
	// abort reason.
	EventRunFinished EventKind = "run_finished"
)

// ProgressEvent is one entry in a run's ordered progress stream.
type ProgressEvent struct {
	RunID     string           `json:"run_id"`
	Seq       int              `json:"seq"`
	Kind      EventKind        `json:"kind"`
	Stage     string           `json:"stage,omitempty"`
	Status    StageStatus      `json:"status,omitempty"`
	Error     *ErrorDescriptor `json:"error,omitempty"`
	State     RunState         `json:"state,omitempty"`
	Verdict   *Verdict         `json:"verdict,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ErrSubscriberOverflow is reported by a subscription that was disconnected
// because it could not keep up with the bounded event buffer.
var ErrSubscriberOverflow = errors.New("subscriber fell behind the progress stream")

// Subscription is one observer's view of a run's progress stream.
type Subscription struct {
	ch  chan ProgressEvent
	pub *Publisher

	mu  sync.Mutex
	err error
}

// Events returns the ordered event channel.  The channel is closed after
// the terminal event, or early on overflow - check Err to tell the two
// apart.
func (s *Subscription) Events() <-chan ProgressEvent {
	return s.ch
}

// Err reports why the channel was closed early, or nil for a clean close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the subscription from the publisher.
func (s *Subscription) Cancel() {
	s.pub.unsubscribe(s)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Publisher delivers one run's progress events, in emission order, once
// each, to every active subscriber.  Publishing never blocks stage
// dispatch: a subscriber that cannot keep up within its bounded buffer is
// disconnected with an explicit overflow signal rather than dropping
// events silently.
type Publisher struct {
	runID string
	limit int

	mu      sync.Mutex
	seq     int
	history []ProgressEvent
	subs    map[*Subscription]struct{}
	closed  bool
}

// NewPublisher creates a publisher for one run with the given per
// subscriber buffer limit.
func NewPublisher(runID string, limit int) *Publisher {
	if limit < 1 {
		limit = 16
	}
	return &Publisher{
		runID: runID,
		limit: limit,
		subs:  map[*Subscription]struct{}{},
	}
}

// Publish assigns the next sequence number and fans the event out.  Events
// are also recorded so a late subscriber can replay the run so far.
func (p *Publisher) Publish(ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.seq++
	ev.RunID = p.runID
	ev.Seq = p.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	p.history = append(p.history, ev)

	for sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			// bounded buffer full - disconnect rather than block or drop
			sub.fail(ErrSubscriberOverflow)
			delete(p.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe attaches a new observer.  With replay, events recorded before
// the subscription point are delivered first so the observer can
// reconstruct the run's current state.  Subscribing to an already closed
// publisher yields the replay followed by an immediate close.
func (p *Publisher) Subscribe(replay bool) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.limit
	if replay {
		capacity += len(p.history)
	}
	sub := &Subscription{ch: make(chan ProgressEvent, capacity), pub: p}
	if replay {
		for _, ev := range p.history {
			sub.ch <- ev
		}
	}
	if p.closed {
		close(sub.ch)
		return sub
	}
	p.subs[sub] = struct{}{}
	return sub
}

// Close ends the stream for all subscribers.  Call after the terminal
// event has been published.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		close(sub.ch)
		delete(p.subs, sub)
	}
}

func (p *Publisher) unsubscribe(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[s]; ok {
		delete(p.subs, s)
		close(s.ch)
	}
}
