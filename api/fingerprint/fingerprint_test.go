package fingerprint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/minervahq/triage/api/pipeline"
)

func TestDigestDeterministic(t *testing.T) {
	a := Digest([]byte("suspicious screenshot bytes"))
	b := Digest([]byte("suspicious screenshot bytes"))
	assert.Equal(t, a, b)

	c := Digest([]byte("different bytes"))
	assert.NotEqual(t, a, c)
}

func TestDigestEncodesLengthAndVersion(t *testing.T) {
	data := []byte("0123456789")
	d := Digest(data)
	assert.Contains(t, d, fmt.Sprintf("-%x-", len(data)))
	assert.Contains(t, d, fmt.Sprintf("-v%d", Version))
}

func TestMemoryStoreLookup(t *testing.T) {
	store := NewMemoryStore()

	_, ok := store.Lookup("fp-1")
	assert.False(t, ok)

	verdict := pipeline.Verdict{
		Classification: pipeline.ClassificationScam,
		Confidence:     4,
		Summary:        "classic advance fee scheme",
	}
	store.Store("fp-1", verdict)

	cached, ok := store.Lookup("fp-1")
	assert.True(t, ok)
	assert.Equal(t, verdict, *cached)
	assert.Equal(t, 1, store.Size())

	// stored verdicts are copies, mutating the returned value must not
	// affect later lookups
	cached.Summary = "mutated"
	cached2, ok := store.Lookup("fp-1")
	assert.True(t, ok)
	assert.Equal(t, "classic advance fee scheme", cached2.Summary)
}
