// Package memory provides the long-term memory core for an assistant runtime.
//
// Memories are short pieces of text stored durably together with a vector
// embedding, retrieved by semantic similarity, and bounded in number by a
// two-tier importance/recency eviction policy.
//
// Architecture:
//   - RecordStore: durable source of truth, keyed by memory ID
//   - VectorIndex: in-memory approximate-nearest-neighbor cache over embeddings
//   - Embedder: text-to-vector conversion
//   - Manager: orchestrates lifecycle and keeps store and index consistent
//
// The record store is always authoritative. The index is a derived cache that
// can be rebuilt from the store at any time; any embedding or index failure
// degrades retrieval quality but never loses a write.
//
// Local implementations:
//   - store/filestore: one JSON document per memory, ristretto read cache
//   - store/sqlite: single-table SQLite store (cgo-free driver)
//   - index/hnsw: graph-based ANN index with gob persistence
//   - index/flat: chromem-go exhaustive index for small stores
//   - embedder/{mock,openai,ollama,onnx}: Embedder implementations
package memory
