package queue

import (
	"container/list"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// ListFIFOQueue is an in-memory IntakeQueue based on a doubly linked list.
// Contents do not survive a restart.
type ListFIFOQueue struct {
	queue  *list.List
	keys   map[string]bool
	size   int
	closed bool
	mutex  *sync.RWMutex
	cond   *sync.Cond
}

// NewListFIFOQueue creates a queue that is immediately ready to receive
// enqueue requests.  The capacity is limited by the `size` parameter.
func NewListFIFOQueue(size int) IntakeQueue {
	mutex := &sync.RWMutex{}
	return &ListFIFOQueue{
		queue: list.New(),
		keys:  map[string]bool{},
		size:  size,
		mutex: mutex,
		cond:  sync.NewCond(mutex),
	}
}

// Enqueue adds a new item if one with the same key isn't already waiting.
// If the queue is full the item is not added and the function returns
// false.
func (r *ListFIFOQueue) Enqueue(key string, x interface{}) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return false, errors.New("no enqueue after close")
	}
	if r.keys[key] {
		return true, nil
	}
	if r.queue.Len() >= r.size {
		return false, nil
	}
	r.queue.PushBack(&queuedItem{Key: key, Value: x})
	r.keys[key] = true
	// signal that there's data available
	r.cond.Signal()
	return true, nil
}

// Dequeue removes the oldest item.  If the queue is empty the operation
// blocks until an item arrives or the queue is closed.
func (r *ListFIFOQueue) Dequeue() (interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for r.queue.Len() == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return nil, errors.New("no dequeue after close")
	}

	front := r.queue.Front()
	item := front.Value.(*queuedItem)
	r.queue.Remove(front)
	delete(r.keys, item.Key)
	return item.Value, nil
}

// Size returns the current size of the queue.
func (r *ListFIFOQueue) Size() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.queue.Len()
}

// Clear empties the queue and the key set.
func (r *ListFIFOQueue) Clear() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return errors.New("no queue clear after close")
	}
	r.queue.Init()
	r.keys = map[string]bool{}
	return nil
}

// Close closes the queue forbidding further operations and unblocks any
// waiting Dequeue.
func (r *ListFIFOQueue) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return errors.New("no close of previously closed queue")
	}
	r.closed = true
	r.cond.Broadcast()
	return nil
}

// GetAll retrieves all the contents in the queue.
func (r *ListFIFOQueue) GetAll() ([]interface{}, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	contents := make([]interface{}, 0, r.queue.Len())
	for current := r.queue.Front(); current != nil; current = current.Next() {
		item, ok := current.Value.(*queuedItem)
		if !ok {
			return nil, errors.Errorf("unexpected type %s", reflect.TypeOf(current.Value))
		}
		contents = append(contents, item.Value)
	}
	return contents, nil
}
