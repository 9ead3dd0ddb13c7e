package fingerprint

import (
	"fmt"
	"sync"

	"github.com/vova616/xxhash"

	"github.com/minervahq/triage/api/pipeline"
)

// Version is the pipeline implementation version baked into every
// fingerprint.  Bumping it invalidates cached verdicts after a change to
// the analysis stages, so a corrected pipeline never serves verdicts
// computed by an older one.
const Version = 1

// Digest computes the deterministic content fingerprint for a submission's
// bytes.  Pure function of the bytes: identical content always maps to the
// same key regardless of any pipeline execution.  The content hash is
// paired with the length and the implementation version to keep distinct
// content from colliding on the 32-bit hash alone.
func Digest(data []byte) string {
	return fmt.Sprintf("%08x-%x-v%d", xxhash.Checksum32(data), len(data), Version)
}

// MemoryStore is an in-process fingerprint to verdict cache.  Safe for
// concurrent use by multiple in-flight runs.
type MemoryStore struct {
	mu       sync.RWMutex
	verdicts map[string]pipeline.Verdict
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{verdicts: map[string]pipeline.Verdict{}}
}

// Lookup returns the cached verdict for a fingerprint, if any.
func (s *MemoryStore) Lookup(fp string) (*pipeline.Verdict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[fp]
	if !ok {
		return nil, false
	}
	return &v, true
}

// Store records a verdict for a fingerprint.  Last write wins; identical
// content always produces the same verdict for a given pipeline version,
// so the race between two concurrent writers is benign.
func (s *MemoryStore) Store(fp string, v pipeline.Verdict) {
	s.mu.Lock()
	s.verdicts[fp] = v
	s.mu.Unlock()
}

// Size returns the number of cached verdicts.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.verdicts)
}
