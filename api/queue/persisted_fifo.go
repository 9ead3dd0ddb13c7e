package queue

import (
	"os"
	"path"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"github.com/uncharted-causemos/dque"
)

const queueSegmentSize = 50

// PersistedFIFOQueue is a disk-backed IntakeQueue.  Queued submissions
// survive a process restart, which makes an interrupted workflow
// restartable.
type PersistedFIFOQueue struct {
	queue *dque.DQue
	size  int
	keys  map[string]bool
	mutex *sync.RWMutex
}

func queuedItemBuilder() interface{} {
	return &queuedItem{}
}

// keySetBuilder collects the fingerprint keys that are deserialized from
// the persisted queue on startup.
type keySetBuilder struct {
	keys map[string]bool
}

// Apply is called on each item of the persisted queue when it is loaded
// from disk, rebuilding the in-memory idempotency key set.
func (k *keySetBuilder) Apply(entry interface{}) error {
	item, ok := entry.(*queuedItem)
	if !ok {
		return errors.Errorf("unexpected type %s", reflect.TypeOf(entry))
	}
	k.keys[item.Key] = true
	return nil
}

// NewPersistedFIFOQueue creates or reopens a disk-backed intake queue.
// The capacity is limited by the `size` parameter.
func NewPersistedFIFOQueue(size int, queueDir string, queueName string) (IntakeQueue, error) {
	queuePath := path.Join(queueDir, queueName)

	var q *dque.DQue
	if _, err := os.Stat(queuePath); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(queueDir, os.ModePerm); err != nil {
				return nil, errors.Wrapf(err, "failed to create intake queue dir %s", queueDir)
			}
			q, err = dque.New(queueName, queueDir, queueSegmentSize, queuedItemBuilder)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to initialize intake queue %s/%s", queueDir, queueName)
			}
		}
	} else {
		q, err = dque.Open(queueName, queueDir, queueSegmentSize, queuedItemBuilder)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load intake queue %s/%s", queueDir, queueName)
		}
	}

	builder := keySetBuilder{keys: map[string]bool{}}
	if err := q.ApplyToQueue(&builder); err != nil {
		return nil, errors.Wrapf(err, "failed to rebuild key set for %s/%s", queueDir, queueName)
	}

	return &PersistedFIFOQueue{
		queue: q,
		size:  size,
		keys:  builder.keys,
		mutex: &sync.RWMutex{},
	}, nil
}

// Enqueue adds a new item if one with the same key isn't already waiting.
// If the queue is full the item is not added and the function returns
// false.  If an entry already exists the item won't be added, but true
// will still be returned.
func (r *PersistedFIFOQueue) Enqueue(key string, x interface{}) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.keys[key] {
		return true, nil
	}
	if r.queue.Size() >= r.size {
		return false, nil
	}
	if err := r.queue.Enqueue(&queuedItem{Key: key, Value: x}); err != nil {
		return false, errors.Wrap(err, "failed to enqueue")
	}
	r.keys[key] = true
	return true, nil
}

// Dequeue removes the oldest item.  If the queue is empty the operation
// blocks.
func (r *PersistedFIFOQueue) Dequeue() (interface{}, error) {
	result, err := r.queue.DequeueBlock()
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue")
	}

	item := result.(*queuedItem)
	delete(r.keys, item.Key)
	return item.Value, nil
}

// Size returns the current size of the queue.
func (r *PersistedFIFOQueue) Size() int {
	return r.queue.Size()
}

// Clear drains the queue.  The underlying queue has no clear function so
// the only option is to dequeue iteratively.
func (r *PersistedFIFOQueue) Clear() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.keys = map[string]bool{}
	count := r.queue.Size()
	for i := 0; i < count; i++ {
		if _, err := r.queue.Dequeue(); err != nil {
			return errors.Wrap(err, "failed to clear queue")
		}
	}
	return nil
}

// Close closes the queue, flushes state to disk, and disallows any further
// operations.
func (r *PersistedFIFOQueue) Close() error {
	return errors.Wrap(r.queue.Close(), "failed to close queue")
}

// contents is used to extract items in the persisted queue.
type contents struct {
	items []interface{}
	index int
}

// Apply is called on each element of the queue each time the contents of
// the queue must be read.
func (q *contents) Apply(entry interface{}) error {
	item, ok := entry.(*queuedItem)
	if !ok {
		return errors.Errorf("unexpected type %s", reflect.TypeOf(entry))
	}
	q.items[q.index] = item.Value
	q.index++
	return nil
}

// GetAll retrieves all of the contents in the queue.
func (r *PersistedFIFOQueue) GetAll() ([]interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	queueContents := contents{items: make([]interface{}, r.queue.Size())}
	if err := r.queue.ApplyToQueue(&queueContents); err != nil {
		return nil, err
	}
	return queueContents.items, nil
}
