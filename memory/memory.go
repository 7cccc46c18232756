package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type classifies a memory. The set is open: these constants cover the
// well-known kinds, but stores accept any non-empty string.
type Type string

const (
	TypeFact         Type = "fact"
	TypeEvent        Type = "event"
	TypeGoal         Type = "goal"
	TypeDecision     Type = "decision"
	TypeConversation Type = "conversation"
	TypeManual       Type = "manual"
)

// Well-known metadata keys. Everything else in the metadata map is
// free-form extension data owned by the caller.
const (
	// MetaSimilarity carries the cosine similarity score attached to
	// search results. It is never persisted.
	MetaSimilarity = "similarity"

	// MetaImportance lets a caller supply an explicit importance in [0,1]
	// at creation time instead of the computed heuristic.
	MetaImportance = "importance"

	// MetaSource records where a memory came from.
	MetaSource = "source"

	// MetaType lets AddMemory callers pick a memory type through the
	// metadata bag instead of the typed CreateMemory signature.
	MetaType = "type"
)

// Memory is the single stored entity.
type Memory struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  int64          `json:"created_at"` // epoch milliseconds
	Importance float64        `json:"importance"` // [0,1], eviction ranking
	Type       Type           `json:"type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// newMemory assigns the system-owned fields (ID, CreatedAt).
func newMemory(content string, typ Type, importance float64, metadata map[string]any) *Memory {
	return &Memory{
		ID:         uuid.New().String(),
		Content:    content,
		CreatedAt:  time.Now().UnixMilli(),
		Importance: importance,
		Type:       typ,
		Metadata:   metadata,
	}
}

// Clone returns a copy with its own metadata map and embedding slice, so a
// caller-visible result can be annotated without mutating the stored record.
func (m *Memory) Clone() *Memory {
	c := *m
	if m.Embedding != nil {
		c.Embedding = make([]float32, len(m.Embedding))
		copy(c.Embedding, m.Embedding)
	}
	c.Metadata = make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Filter narrows a RecordStore query. A zero Filter matches everything.
type Filter struct {
	Type Type
}

// RecordStore is the durable source of truth for memories. The Manager never
// bypasses it for a write the caller expects to be durable.
//
// Get returns (nil, nil) for an unknown ID; the Manager is responsible for
// turning that into ErrNotFound where the contract requires it.
type RecordStore interface {
	Save(ctx context.Context, mem *Memory) error
	Get(ctx context.Context, id string) (*Memory, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Memory, error)
	Query(ctx context.Context, filter Filter) ([]*Memory, error)
	Clear(ctx context.Context) error
}

// Embedder converts text to vector embeddings.
//
// Implementations: mock (testing), openai, ollama, onnx (local, build tag
// "onnx"). The Manager tolerates an Embedder failing or timing out; a failed
// embedding never aborts a content-persisting operation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Candidate is a raw index hit: a memory ID with its cosine similarity to
// the query vector.
type Candidate struct {
	ID         string
	Similarity float32
}

// VectorIndex is an approximate-nearest-neighbor index over embeddings under
// cosine similarity. It is a rebuildable cache: losing it is never fatal.
//
// Implementations are safe for concurrent reads; the Manager serializes
// mutations.
type VectorIndex interface {
	// Add associates a vector with a memory ID. Returns ErrCapacity when
	// the index cannot take another live vector.
	Add(ctx context.Context, id string, vector []float32) error

	// Remove logically deletes an ID. Unknown IDs are a no-op.
	Remove(ctx context.Context, id string) error

	// Search returns up to k candidates ordered by similarity descending.
	Search(ctx context.Context, vector []float32, k int) ([]Candidate, error)

	// Len is the number of live (non-removed) vectors.
	Len() int

	// Deleted is the number of tombstoned vectors still occupying the
	// underlying structure; the Manager compacts by rebuilding once the
	// ratio of Deleted to Len grows too large.
	Deleted() int

	// Persist writes the index to path. Implementations that cannot
	// persist return ErrIndexInvalid; the index is then rebuilt on load.
	Persist(path string) error
}

// IndexFactory builds and loads VectorIndex instances. The Manager uses it
// to construct fresh indexes during initialization, compaction and eviction.
type IndexFactory interface {
	New(dimension, capacity int) VectorIndex

	// Load restores a persisted index. A missing, corrupt or mismatched
	// (dimension/capacity) file yields ErrIndexInvalid, which callers treat
	// as "rebuild from the record store", never as fatal.
	Load(path string, dimension, capacity int) (VectorIndex, error)
}
