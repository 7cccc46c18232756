package mock

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := New()

	a, err := e.Embed(ctx, "same text")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmbedder_UnitNorm(t *testing.T) {
	ctx := context.Background()
	e := New()

	vec, err := e.Embed(ctx, "normalize me")
	require.NoError(t, err)
	require.Len(t, vec, e.Dimensions())

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestEmbedder_Dimensions(t *testing.T) {
	assert.Equal(t, 384, New().Dimensions())
	assert.Equal(t, 8, NewWithDimensions(8).Dimensions())

	vec, err := NewWithDimensions(8).Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
}
