package queue

// IntakeQueue defines an interface for the submission intake queue.  Every
// enqueue is keyed so a submission already waiting under the same content
// fingerprint is not queued twice.
type IntakeQueue interface {
	// Enqueue adds an item under a fingerprint key.  Returns false when the
	// queue is at capacity.  Enqueuing a key that is already waiting is a
	// no-op that reports success.
	Enqueue(key string, x interface{}) (bool, error)
	// Dequeue removes the oldest item, blocking until one is available or
	// the queue is closed.
	Dequeue() (interface{}, error)
	Clear() error
	Close() error
	Size() int
	GetAll() ([]interface{}, error)
}

type queuedItem struct {
	Key   string
	Value interface{}
}
