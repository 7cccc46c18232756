// Package flat provides an exhaustive vector index backed by chromem-go,
// the embedded vector database the SDK also ships as a local store. Search
// is exact rather than approximate, which makes it the better choice for
// small stores where graph indexing buys nothing.
//
// The chromem collection lives in memory only; Persist is unsupported and
// the index is rebuilt from the record store on every startup.
package flat

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/recall-go/memory"
)

// Compile time check to ensure Index satisfies the index contract.
var _ memory.VectorIndex = (*Index)(nil)

// Index wraps a single chromem collection. Removals are tombstones held
// outside chromem; the owner compacts by rebuilding.
type Index struct {
	mu        sync.RWMutex
	col       *chromem.Collection
	dimension int
	ids       map[string]struct{}
	dead      map[string]struct{}
}

// New creates an empty flat index for vectors of the given dimension.
func New(dimension int) (*Index, error) {
	db := chromem.NewDB()
	// Embeddings are always supplied by the caller, so no embedding or
	// distance function is configured (cosine is chromem's default).
	col, err := db.CreateCollection("memories", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		col:       col,
		dimension: dimension,
		ids:       make(map[string]struct{}),
		dead:      make(map[string]struct{}),
	}, nil
}

// Add associates a vector with a memory ID. Re-adding an ID revives a
// tombstoned entry with the new vector.
func (i *Index) Add(ctx context.Context, id string, vector []float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(vector) != i.dimension {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", i.dimension, len(vector))
	}

	doc := chromem.Document{
		ID:        id,
		Content:   id, // chromem requires content; the record store owns the real text
		Embedding: vector,
	}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	delete(i.dead, id)
	i.ids[id] = struct{}{}
	return nil
}

// Remove tombstones an ID. Unknown IDs are a no-op.
func (i *Index) Remove(_ context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.ids[id]; !ok {
		return nil
	}
	delete(i.ids, id)
	i.dead[id] = struct{}{}
	return nil
}

// Search returns up to k live candidates ordered by similarity descending.
func (i *Index) Search(ctx context.Context, vector []float32, k int) ([]memory.Candidate, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(vector) != i.dimension {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", i.dimension, len(vector))
	}
	if k <= 0 || len(i.ids) == 0 {
		return nil, nil
	}

	// chromem refuses nResults beyond the collection size; clamp, and
	// oversample by the tombstone count so filtering still yields k.
	n := k + len(i.dead)
	if total := i.col.Count(); n > total {
		n = total
	}
	if n == 0 {
		return nil, nil
	}

	results, err := i.col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	out := make([]memory.Candidate, 0, k)
	for _, res := range results {
		if _, ok := i.dead[res.ID]; ok {
			continue
		}
		out = append(out, memory.Candidate{ID: res.ID, Similarity: res.Similarity})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Len is the number of live vectors.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.ids)
}

// Deleted is the number of tombstoned entries still in the collection.
func (i *Index) Deleted() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.dead)
}

// Persist is unsupported; flat indexes are rebuilt from the record store.
func (i *Index) Persist(string) error {
	return fmt.Errorf("%w: flat index does not persist", memory.ErrIndexInvalid)
}

// Factory builds flat indexes for a Manager. Load always reports an
// invalid artifact, which makes the Manager rebuild from the record store.
type Factory struct{}

var _ memory.IndexFactory = Factory{}

func (Factory) New(dimension, _ int) memory.VectorIndex {
	idx, err := New(dimension)
	if err != nil {
		// CreateCollection on a fresh in-memory DB only fails on an
		// empty name, which New never passes.
		panic(err)
	}
	return idx
}

func (Factory) Load(string, int, int) (memory.VectorIndex, error) {
	return nil, fmt.Errorf("%w: flat index does not persist", memory.ErrIndexInvalid)
}
