package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	mem := newMemory("content", TypeFact, 0.6, map[string]any{"k": "v"})

	assert.NotEmpty(t, mem.ID)
	assert.Equal(t, "content", mem.Content)
	assert.Equal(t, TypeFact, mem.Type)
	assert.Equal(t, 0.6, mem.Importance)
	assert.Greater(t, mem.CreatedAt, int64(0))

	other := newMemory("content", TypeFact, 0.6, nil)
	assert.NotEqual(t, mem.ID, other.ID)
}

func TestMemory_CloneIsDeep(t *testing.T) {
	mem := &Memory{
		ID:        "m1",
		Content:   "original",
		Embedding: []float32{1, 2, 3},
		Metadata:  map[string]any{"k": "v"},
	}

	clone := mem.Clone()
	clone.Embedding[0] = 99
	clone.Metadata["k"] = "changed"

	assert.Equal(t, float32(1), mem.Embedding[0])
	assert.Equal(t, "v", mem.Metadata["k"])
}

func TestMemory_CloneAllocatesMetadata(t *testing.T) {
	mem := &Memory{ID: "m1"}
	clone := mem.Clone()
	require.NotNil(t, clone.Metadata)
	clone.Metadata["k"] = "v" // must not panic
}

func TestErrorTaxonomy(t *testing.T) {
	embErr := &EmbeddingError{Err: errors.New("model down")}
	assert.Contains(t, embErr.Error(), "model down")
	assert.Equal(t, "model down", errors.Unwrap(embErr).Error())

	idxErr := &IndexError{Op: "persist", Err: ErrIndexInvalid}
	assert.ErrorIs(t, idxErr, ErrIndexInvalid)
	assert.Contains(t, idxErr.Error(), "persist")

	stErr := &StorageError{Op: "save", ID: "m1", Err: errors.New("disk full")}
	assert.Contains(t, stErr.Error(), "save")
	assert.Contains(t, stErr.Error(), "m1")
	assert.Equal(t, "disk full", errors.Unwrap(stErr).Error())
}
