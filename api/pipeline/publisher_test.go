package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrdered(t *testing.T) {
	pub := NewPublisher("run-1", 8)
	sub := pub.Subscribe(false)

	pub.Publish(ProgressEvent{Kind: EventStageStarted, Stage: StageExtract})
	pub.Publish(ProgressEvent{Kind: EventStageFinished, Stage: StageExtract, Status: StageSucceeded})
	pub.Publish(ProgressEvent{Kind: EventRunFinished, State: RunCompleted})
	pub.Close()

	var got []ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.NoError(t, sub.Err())
	assert.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, "run-1", ev.RunID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, EventStageStarted, got[0].Kind)
	assert.Equal(t, EventStageFinished, got[1].Kind)
	assert.Equal(t, EventRunFinished, got[2].Kind)
}

func TestSubscribeReplay(t *testing.T) {
	pub := NewPublisher("run-1", 8)

	pub.Publish(ProgressEvent{Kind: EventStageStarted, Stage: StageExtract})
	pub.Publish(ProgressEvent{Kind: EventStageFinished, Stage: StageExtract, Status: StageSucceeded})

	// a late subscriber with replay sees the full history
	sub := pub.Subscribe(true)
	pub.Publish(ProgressEvent{Kind: EventRunFinished, State: RunCompleted})
	pub.Close()

	var got []ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Seq)
	assert.Equal(t, 2, got[1].Seq)
	assert.Equal(t, 3, got[2].Seq)

	// without replay only events after the subscription point arrive
	late := pub.Subscribe(true)
	var replayed []ProgressEvent
	for ev := range late.Events() {
		replayed = append(replayed, ev)
	}
	assert.Len(t, replayed, 3)
}

func TestSubscribeAfterClose(t *testing.T) {
	pub := NewPublisher("run-1", 8)
	pub.Publish(ProgressEvent{Kind: EventRunFinished, State: RunCompleted})
	pub.Close()

	sub := pub.Subscribe(true)
	var got []ProgressEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Len(t, got, 1)
	assert.NoError(t, sub.Err())
}

func TestSubscriberOverflow(t *testing.T) {
	pub := NewPublisher("run-1", 2)
	slow := pub.Subscribe(false)

	// fill the slow subscriber's buffer without draining it
	pub.Publish(ProgressEvent{Kind: EventStageStarted, Stage: StageExtract})
	pub.Publish(ProgressEvent{Kind: EventStageFinished, Stage: StageExtract, Status: StageSucceeded})
	// this one overflows the slow subscriber and disconnects it
	pub.Publish(ProgressEvent{Kind: EventStageStarted, Stage: StageLinkCheck})

	var slowGot []ProgressEvent
	for ev := range slow.Events() {
		slowGot = append(slowGot, ev)
	}
	assert.Len(t, slowGot, 2)
	assert.ErrorIs(t, slow.Err(), ErrSubscriberOverflow)

	// the overflow must not disturb the recorded history; a replaying
	// subscriber still reconstructs the full stream
	pub.Close()
	replay := pub.Subscribe(true)
	var got []ProgressEvent
	for ev := range replay.Events() {
		got = append(got, ev)
	}
	assert.Len(t, got, 3)
	assert.NoError(t, replay.Err())
}

func TestSubscriptionCancel(t *testing.T) {
	pub := NewPublisher("run-1", 8)
	sub := pub.Subscribe(false)

	pub.Publish(ProgressEvent{Kind: EventStageStarted, Stage: StageExtract})
	sub.Cancel()

	// channel is closed after cancel, draining terminates
	count := 0
	for range sub.Events() {
		count++
	}
	assert.Equal(t, 1, count)
	assert.NoError(t, sub.Err())

	// publishing to the remaining (empty) subscriber set is a no-op
	pub.Publish(ProgressEvent{Kind: EventRunFinished, State: RunCompleted})
	pub.Close()
}
