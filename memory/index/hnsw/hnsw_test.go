package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/recall-go/memory"
)

// unitVector returns a random unit vector from a seeded source.
func unitVector(rng *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	var norm float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func TestIndex_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := New(3, 10)

	require.NoError(t, idx.Add(ctx, "x", []float32{1, 0, 0}))
	require.NoError(t, idx.Add(ctx, "y", []float32{0, 1, 0}))
	require.NoError(t, idx.Add(ctx, "z", []float32{0, 0, 1}))
	assert.Equal(t, 3, idx.Len())

	cands, err := idx.Search(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "x", cands[0].ID)
	assert.Greater(t, cands[0].Similarity, float32(0.9))
}

func TestIndex_SearchOrdering(t *testing.T) {
	ctx := context.Background()
	idx := New(2, 10)

	require.NoError(t, idx.Add(ctx, "exact", []float32{1, 0}))
	require.NoError(t, idx.Add(ctx, "near", []float32{0.9, 0.1}))
	require.NoError(t, idx.Add(ctx, "orthogonal", []float32{0, 1}))

	cands, err := idx.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "exact", cands[0].ID)
	assert.Equal(t, "near", cands[1].ID)
	assert.Equal(t, "orthogonal", cands[2].ID)
	for i := 1; i < len(cands); i++ {
		assert.LessOrEqual(t, cands[i].Similarity, cands[i-1].Similarity)
	}
}

// Recall over a larger set: the true nearest neighbour of each query must
// appear in the top results.
func TestIndex_Recall(t *testing.T) {
	ctx := context.Background()
	const dims, n = 16, 200
	rng := rand.New(rand.NewSource(42))

	idx := New(dims, n)
	vecs := make(map[string][]float32, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("v%d", i)
		vecs[id] = unitVector(rng, dims)
		require.NoError(t, idx.Add(ctx, id, vecs[id]))
	}

	hits := 0
	const queries = 20
	for q := 0; q < queries; q++ {
		target := fmt.Sprintf("v%d", rng.Intn(n))
		cands, err := idx.Search(ctx, vecs[target], 10)
		require.NoError(t, err)
		for _, c := range cands {
			if c.ID == target {
				hits++
				break
			}
		}
	}
	// Exact self-queries should almost always surface the target.
	assert.GreaterOrEqual(t, hits, queries*9/10)
}

func TestIndex_RemoveTombstones(t *testing.T) {
	ctx := context.Background()
	idx := New(2, 10)

	require.NoError(t, idx.Add(ctx, "keep", []float32{1, 0}))
	require.NoError(t, idx.Add(ctx, "drop", []float32{0.99, 0.01}))

	require.NoError(t, idx.Remove(ctx, "drop"))
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 1, idx.Deleted())

	// Removing an unknown ID is a no-op.
	require.NoError(t, idx.Remove(ctx, "never-added"))
	assert.Equal(t, 1, idx.Deleted())

	cands, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "keep", cands[0].ID)
}

func TestIndex_ReAddReplacesVector(t *testing.T) {
	ctx := context.Background()
	idx := New(2, 10)

	require.NoError(t, idx.Add(ctx, "a", []float32{1, 0}))
	require.NoError(t, idx.Add(ctx, "a", []float32{0, 1}))
	assert.Equal(t, 1, idx.Len())

	cands, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "a", cands[0].ID)
	assert.Greater(t, cands[0].Similarity, float32(0.99))
}

func TestIndex_CapacityBound(t *testing.T) {
	ctx := context.Background()
	idx := New(2, 2)

	require.NoError(t, idx.Add(ctx, "a", []float32{1, 0}))
	require.NoError(t, idx.Add(ctx, "b", []float32{0, 1}))
	err := idx.Add(ctx, "c", []float32{1, 1})
	assert.ErrorIs(t, err, memory.ErrCapacity)

	// Tombstoning frees a live slot.
	require.NoError(t, idx.Remove(ctx, "a"))
	require.NoError(t, idx.Add(ctx, "c", []float32{1, 1}))
}

func TestIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := New(3, 10)

	err := idx.Add(ctx, "bad", []float32{1, 0})
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 3, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)

	_, err = idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorAs(t, err, &mismatch)
}

func TestIndex_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.gob")

	idx := New(3, 10)
	require.NoError(t, idx.Add(ctx, "x", []float32{1, 0, 0}))
	require.NoError(t, idx.Add(ctx, "y", []float32{0, 1, 0}))
	require.NoError(t, idx.Add(ctx, "gone", []float32{0, 0, 1}))
	require.NoError(t, idx.Remove(ctx, "gone"))

	require.NoError(t, idx.Persist(path))

	loaded, err := Load(path, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, 1, loaded.Deleted())

	cands, err := loaded.Search(ctx, []float32{0, 0, 1}, 3)
	require.NoError(t, err)
	for _, c := range cands {
		assert.NotEqual(t, "gone", c.ID)
	}

	cands, err = loaded.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "x", cands[0].ID)
}

func TestIndex_LoadRejectsMismatchedShape(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.gob")

	idx := New(3, 10)
	require.NoError(t, idx.Add(ctx, "x", []float32{1, 0, 0}))
	require.NoError(t, idx.Persist(path))

	_, err := Load(path, 4, 10)
	assert.ErrorIs(t, err, memory.ErrIndexInvalid)

	_, err = Load(path, 3, 20)
	assert.ErrorIs(t, err, memory.ErrIndexInvalid)
}

func TestIndex_LoadMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.gob"), 3, 10)
	assert.ErrorIs(t, err, memory.ErrIndexInvalid)

	corrupt := filepath.Join(dir, "corrupt.gob")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a gob stream"), 0o600))
	_, err = Load(corrupt, 3, 10)
	assert.ErrorIs(t, err, memory.ErrIndexInvalid)
}

func TestIndex_SearchEmpty(t *testing.T) {
	ctx := context.Background()
	idx := New(3, 10)

	cands, err := idx.Search(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, cands)
}
