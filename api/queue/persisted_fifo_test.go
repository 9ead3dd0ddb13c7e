package queue

import (
	"encoding/gob"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistedEnqueueDequeue(t *testing.T) {

	t.Cleanup(func() {
		err := os.RemoveAll(path.Join("test_data", "q1"))
		assert.NoError(t, err)
	})

	queue, err := NewPersistedFIFOQueue(2, "test_data", "q1")
	assert.NoError(t, err)

	result, err := queue.Enqueue("a", 10)
	assert.NoError(t, err)
	assert.True(t, result)
	result, err = queue.Enqueue("b", 20)
	assert.NoError(t, err)
	assert.True(t, result)
	result, err = queue.Enqueue("c", 30)
	assert.NoError(t, err)
	assert.False(t, result)

	count := queue.Size()
	assert.Equal(t, 2, count)

	dequeueResult, err := queue.Dequeue()
	assert.NoError(t, err)
	assert.Equal(t, 10, dequeueResult.(int))

	count = queue.Size()
	assert.Equal(t, 1, count)

	dequeueResult, err = queue.Dequeue()
	assert.NoError(t, err)
	assert.Equal(t, 20, dequeueResult.(int))

	count = queue.Size()
	assert.Equal(t, 0, count)
}

func TestPersistedKeyedEnqueueDequeue(t *testing.T) {
	t.Cleanup(func() {
		err := os.RemoveAll(path.Join("test_data", "q2"))
		assert.NoError(t, err)
	})

	queue, err := NewPersistedFIFOQueue(2, "test_data", "q2")
	assert.NoError(t, err)

	// ensure submissions with identical keys are only added once
	result, err := queue.Enqueue("fp-1", 10)
	assert.True(t, result)
	assert.NoError(t, err)
	result, err = queue.Enqueue("fp-1", 10)
	assert.True(t, result)
	assert.NoError(t, err)
	count := queue.Size()
	assert.Equal(t, 1, count)
	result, err = queue.Enqueue("fp-2", 20)
	assert.True(t, result)
	assert.NoError(t, err)

	// ensure that dequeing items will allow a follow on submission
	// with the same key to be added
	dequeueResult, err := queue.Dequeue()
	assert.NoError(t, err)
	assert.Equal(t, 10, dequeueResult.(int))
	dequeueResult, err = queue.Dequeue()
	assert.NoError(t, err)
	assert.Equal(t, 20, dequeueResult.(int))

	count = queue.Size()
	assert.Equal(t, 0, count)

	result, err = queue.Enqueue("fp-1", 10)
	assert.NoError(t, err)
	assert.True(t, result)

	count = queue.Size()
	assert.Equal(t, 1, count)
}

func TestPersistedClear(t *testing.T) {
	t.Cleanup(func() {
		err := os.RemoveAll(path.Join("test_data", "q3"))
		assert.NoError(t, err)
	})

	queue, err := NewPersistedFIFOQueue(3, "test_data", "q3")
	assert.NoError(t, err)
	_, _ = queue.Enqueue("a", 10)
	_, _ = queue.Enqueue("b", 20)
	_, _ = queue.Enqueue("c", 30)
	err = queue.Clear()
	assert.NoError(t, err)

	count := queue.Size()
	assert.Equal(t, 0, count)
}

func TestPersistedLoad(t *testing.T) {
	t.Cleanup(func() {
		err := os.RemoveAll(path.Join("test_data", "q4"))
		assert.NoError(t, err)
	})

	queue, err := NewPersistedFIFOQueue(3, "test_data", "q4")
	assert.NoError(t, err)
	_, _ = queue.Enqueue("fp-1", 1000)
	_, _ = queue.Enqueue("fp-2", 2000)
	_, _ = queue.Enqueue("fp-3", 3000)
	queue.Close()

	// reopened queue rebuilds both the contents and the key set
	queue, err = NewPersistedFIFOQueue(3, "test_data", "q4")
	assert.NoError(t, err)
	count := queue.Size()
	assert.Equal(t, 3, count)

	result, err := queue.Enqueue("fp-1", 1000)
	assert.NoError(t, err)
	assert.True(t, result)

	result, err = queue.Enqueue("fp-4", 4000)
	assert.NoError(t, err)
	assert.False(t, result)
}

func TestPersistedClose(t *testing.T) {
	t.Cleanup(func() {
		err := os.RemoveAll(path.Join("test_data", "q5"))
		assert.NoError(t, err)
	})

	queue, _ := NewPersistedFIFOQueue(3, "test_data", "q5")
	_, _ = queue.Enqueue("a", 10)
	_, _ = queue.Enqueue("b", 20)
	_, _ = queue.Enqueue("c", 30)

	err := queue.Close()
	assert.NoError(t, err)

	err = queue.Close()
	assert.Error(t, err)
}

type testTicket struct {
	Fingerprint string
	Payload     []byte
}

func TestPersistedStructEnqueue(t *testing.T) {

	gob.Register(testTicket{})

	t.Cleanup(func() {
		err := os.RemoveAll(path.Join("test_data", "q6"))
		assert.NoError(t, err)
	})

	queue, err := NewPersistedFIFOQueue(2, "test_data", "q6")
	assert.NoError(t, err)

	result, err := queue.Enqueue("fp-1", testTicket{"fp-1", []byte("one")})
	assert.NoError(t, err)
	assert.True(t, result)
	result, err = queue.Enqueue("fp-2", testTicket{"fp-2", []byte("two")})
	assert.NoError(t, err)
	assert.True(t, result)

	count := queue.Size()
	assert.Equal(t, 2, count)

	dequeueResult, err := queue.Dequeue()
	assert.NoError(t, err)
	ticket := dequeueResult.(testTicket)
	assert.Equal(t, "fp-1", ticket.Fingerprint)
	assert.Equal(t, []byte("one"), ticket.Payload)
}
