// Package hnsw implements a graph-based approximate-nearest-neighbor index
// over embeddings under cosine similarity, with gob persistence.
//
// Deletes are tombstones: removed vectors keep their graph slots for
// connectivity but are excluded from results, and Deleted() exposes the
// tombstone count so the owner can compact by rebuilding. This keeps
// Remove O(1) at the price of stale graph slots until the next rebuild.
package hnsw

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/becomeliminal/recall-go/memory"
)

// Compile time check to ensure Index satisfies the index contract.
var _ memory.VectorIndex = (*Index)(nil)

// ErrDimensionMismatch reports a vector whose length does not match the
// dimension the index was built with.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Index maps memory IDs onto an HNSW graph sized for a fixed number of live
// vectors. Safe for concurrent reads; mutations are serialized internally.
type Index struct {
	mu       sync.RWMutex
	graph    *graph
	capacity int
	ids      map[uint32]string // graph node -> memory ID
	nodes    map[string]uint32 // memory ID -> graph node
	dead     map[uint32]struct{}
}

// New allocates an index for at most capacity live vectors of the given
// dimension.
func New(dimension, capacity int, optFns ...func(o *Options)) *Index {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Index{
		graph:    newGraph(dimension, opts),
		capacity: capacity,
		ids:      make(map[uint32]string),
		nodes:    make(map[string]uint32),
		dead:     make(map[uint32]struct{}),
	}
}

// Add associates a vector with a memory ID. Adding an existing ID replaces
// its previous vector. Returns memory.ErrCapacity once the live count
// reaches the capacity the index was built for.
func (i *Index) Add(_ context.Context, id string, vector []float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(vector) != i.graph.dimension {
		return &ErrDimensionMismatch{Expected: i.graph.dimension, Actual: len(vector)}
	}
	if old, ok := i.nodes[id]; ok {
		i.tombstone(id, old)
	}
	if len(i.nodes) >= i.capacity {
		return memory.ErrCapacity
	}

	node := i.graph.insert(vector)
	i.ids[node] = id
	i.nodes[id] = node
	return nil
}

// Remove tombstones an ID. Unknown IDs are a no-op.
func (i *Index) Remove(_ context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if node, ok := i.nodes[id]; ok {
		i.tombstone(id, node)
	}
	return nil
}

func (i *Index) tombstone(id string, node uint32) {
	delete(i.nodes, id)
	delete(i.ids, node)
	i.dead[node] = struct{}{}
}

// Search returns up to k live candidates ordered by similarity descending.
func (i *Index) Search(_ context.Context, vector []float32, k int) ([]memory.Candidate, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(vector) != i.graph.dimension {
		return nil, &ErrDimensionMismatch{Expected: i.graph.dimension, Actual: len(vector)}
	}
	if k <= 0 || len(i.nodes) == 0 {
		return nil, nil
	}

	// Oversample by the tombstone count plus one for the entry-point
	// sentinel, so filtering still leaves k live results.
	items := i.graph.knnSearch(vector, k+len(i.dead)+1, i.graph.opts.EF)

	out := make([]memory.Candidate, 0, k)
	for _, item := range items {
		id, ok := i.ids[item.node]
		if !ok {
			// Tombstone or the entry-point sentinel.
			continue
		}
		out = append(out, memory.Candidate{ID: id, Similarity: 1 - item.dist})
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
	return len(i.nodes)
}

// Deleted is the number of tombstoned graph slots.
func (i *Index) Deleted() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.dead)
}

const fileVersion = 1

// indexFile is the persisted form. It carries the dimension and capacity
// the index was built with; Load refuses a file that does not match the
// current configuration.
type indexFile struct {
	Version   int
	Dimension int
	Capacity  int
	Opts      Options
	EP        uint32
	MaxLevel  int
	Nodes     []*Node
	IDs       map[uint32]string
	Dead      []uint32
}

// Persist writes the index to path atomically (temp file plus rename).
func (i *Index) Persist(path string) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	file := indexFile{
		Version:   fileVersion,
		Dimension: i.graph.dimension,
		Capacity:  i.capacity,
		Opts:      i.graph.opts,
		EP:        i.graph.ep,
		MaxLevel:  i.graph.maxLevel,
		Nodes:     i.graph.nodes,
		IDs:       i.ids,
		Dead:      make([]uint32, 0, len(i.dead)),
	}
	for node := range i.dead {
		file.Dead = append(file.Dead, node)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&file); err != nil {
		tmp.Close()
		return fmt.Errorf("encode index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// Load restores a persisted index. A missing or unreadable file, or one
// built with a different dimension or capacity, yields an error wrapping
// memory.ErrIndexInvalid so the caller can rebuild from the record store.
func (i *Index) load(path string, dimension, capacity int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", memory.ErrIndexInvalid, path, err)
	}
	defer f.Close()

	var file indexFile
	if err := gob.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("%w: decode %s: %v", memory.ErrIndexInvalid, path, err)
	}
	if file.Version != fileVersion {
		return fmt.Errorf("%w: version %d, want %d", memory.ErrIndexInvalid, file.Version, fileVersion)
	}
	if file.Dimension != dimension || file.Capacity != capacity {
		return fmt.Errorf("%w: built for dimension=%d capacity=%d, configured dimension=%d capacity=%d",
			memory.ErrIndexInvalid, file.Dimension, file.Capacity, dimension, capacity)
	}

	g := newGraph(file.Dimension, file.Opts)
	g.ep = file.EP
	g.maxLevel = file.MaxLevel
	g.nodes = file.Nodes

	i.graph = g
	i.capacity = file.Capacity
	i.ids = file.IDs
	i.nodes = make(map[string]uint32, len(file.IDs))
	for node, id := range file.IDs {
		i.nodes[id] = node
	}
	i.dead = make(map[uint32]struct{}, len(file.Dead))
	for _, node := range file.Dead {
		i.dead[node] = struct{}{}
	}
	return nil
}

// Load restores an index persisted by Persist. See Index.load for the
// invalidity contract.
func Load(path string, dimension, capacity int) (*Index, error) {
	idx := New(dimension, capacity)
	if err := idx.load(path, dimension, capacity); err != nil {
		return nil, err
	}
	return idx, nil
}

// Factory builds and loads HNSW indexes for a Manager.
type Factory struct {
	Opts []func(o *Options)
}

var _ memory.IndexFactory = Factory{}

func (f Factory) New(dimension, capacity int) memory.VectorIndex {
	return New(dimension, capacity, f.Opts...)
}

func (f Factory) Load(path string, dimension, capacity int) (memory.VectorIndex, error) {
	return Load(path, dimension, capacity)
}
