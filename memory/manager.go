package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config holds Manager configuration.
type Config struct {
	// MinSimilarity is the minimum cosine similarity for vector search
	// results [0.0-1.0]. Candidates below it are discarded.
	// Note: small local models (all-MiniLM-L6-v2) produce lower scores
	// (~0.35 for similar text) than hosted models (0.7-0.85 range).
	MinSimilarity float64

	// MaxMemories caps the total stored memory count. Exceeding it after a
	// create triggers an eviction pass. Default: 1000.
	MaxMemories int

	// ImportantShare is the fraction of MaxMemories retained purely by
	// importance during eviction. Default: 0.7.
	ImportantShare float64

	// RecentShare is the fraction of MaxMemories retained purely by
	// recency from what the important tier left behind. Default: 0.3.
	RecentShare float64

	// BaseImportance is the starting score for the importance heuristic
	// when the caller supplies none. Default: 0.5.
	BaseImportance float64

	// EmbedTimeout bounds every call to the Embedder. On timeout the
	// operation degrades (no embedding, or lexical fallback) instead of
	// blocking. Default: 10s.
	EmbedTimeout time.Duration

	// IndexPath, when set, is where Close persists the vector index and
	// Initialize tries to load it before rebuilding from the record store.
	IndexPath string

	// CompactionRatio is the tombstone fraction at which the index is
	// rebuilt from the record store. Default: 0.25.
	CompactionRatio float64

	// Logger receives operational log lines. Defaults to the standard
	// logger with a "[MEMORY] " prefix.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	MinSimilarity:   0.5,
	MaxMemories:     1000,
	ImportantShare:  0.7,
	RecentShare:     0.3,
	BaseImportance:  0.5,
	EmbedTimeout:    10 * time.Second,
	CompactionRatio: 0.25,
}

// Manager is the single authority for memory lifecycle. It keeps the record
// store (source of truth) and the vector index (rebuildable cache)
// consistent, and enforces the capacity bound via two-tier eviction.
//
// All mutating operations are serialized against each other; searches read
// an atomically swapped index reference and may run concurrently.
type Manager struct {
	store    RecordStore
	embedder Embedder
	factory  IndexFactory
	cfg      *Config
	logger   *log.Logger

	mu    sync.RWMutex
	index VectorIndex
	count int
}

// NewManager creates a Manager. All collaborators are injected; there is no
// process-wide state. A nil config uses DefaultConfig.
func NewManager(store RecordStore, embedder Embedder, factory IndexFactory, config *Config) *Manager {
	cfg := normalizeConfig(config)
	m := &Manager{
		store:    store,
		embedder: embedder,
		factory:  factory,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
	m.index = factory.New(embedder.Dimensions(), m.indexCapacity())
	return m
}

func normalizeConfig(config *Config) *Config {
	cfg := *DefaultConfig
	if config != nil {
		cfg = *config
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = DefaultConfig.MaxMemories
	}
	if cfg.ImportantShare <= 0 {
		cfg.ImportantShare = DefaultConfig.ImportantShare
	}
	if cfg.RecentShare <= 0 {
		cfg.RecentShare = DefaultConfig.RecentShare
	}
	if cfg.BaseImportance <= 0 {
		cfg.BaseImportance = DefaultConfig.BaseImportance
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultConfig.EmbedTimeout
	}
	if cfg.CompactionRatio <= 0 {
		cfg.CompactionRatio = DefaultConfig.CompactionRatio
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	return &cfg
}

// indexCapacity leaves headroom above MaxMemories so a create that is about
// to trigger eviction can still be indexed.
func (m *Manager) indexCapacity() int {
	return m.cfg.MaxMemories + m.cfg.MaxMemories/10 + 1
}

// Initialize restores state after a restart: it loads the persisted index
// when one is configured, valid and consistent with the record store, and
// otherwise rebuilds the index from the store in iteration order. Individual bad records are skipped
// and logged; only a failure to list the store at all is fatal.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.store.List(ctx)
	if err != nil {
		return &StorageError{Op: "list", Err: err}
	}
	m.count = len(recs)

	if m.cfg.IndexPath != "" {
		idx, err := m.factory.Load(m.cfg.IndexPath, m.embedder.Dimensions(), m.indexCapacity())
		switch {
		case err != nil:
			m.logger.Printf("index load from %s failed: %v (rebuilding from store)", m.cfg.IndexPath, err)
		case idx.Len() != countEmbedded(recs):
			// The store is authoritative. A persisted index that went
			// stale (writes after the last persist, unclean shutdown)
			// is discarded rather than trusted.
			m.logger.Printf("loaded index has %d vectors, store has %d embedded records (rebuilding from store)",
				idx.Len(), countEmbedded(recs))
		default:
			m.index = idx
			m.logger.Printf("loaded index with %d vectors from %s", idx.Len(), m.cfg.IndexPath)
			return nil
		}
	}

	m.index = m.buildIndex(ctx, recs)
	return nil
}

// buildIndex constructs a fresh index off to the side. Callers swap it in
// under the write lock so readers see either the old or the new index.
func (m *Manager) buildIndex(ctx context.Context, recs []*Memory) VectorIndex {
	idx := m.factory.New(m.embedder.Dimensions(), m.indexCapacity())
	for _, rec := range recs {
		if len(rec.Embedding) == 0 {
			continue
		}
		if err := idx.Add(ctx, rec.ID, rec.Embedding); err != nil {
			m.logger.Printf("index add %s during rebuild failed: %v (skipping)", rec.ID, err)
		}
	}
	return idx
}

// Close persists the vector index when IndexPath is configured.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.IndexPath == "" || m.index == nil {
		return nil
	}
	if err := m.index.Persist(m.cfg.IndexPath); err != nil {
		return &IndexError{Op: "persist", Err: err}
	}
	return nil
}

// CreateMemory stores a new memory. The embedding is generated before the
// record is persisted; an embedding failure is logged and the memory is
// stored without a vector — a write is never lost because embedding failed.
// Empty or whitespace content skips embedding entirely.
func (m *Manager) CreateMemory(ctx context.Context, content string, typ Type, metadata map[string]any) (*Memory, error) {
	if typ == "" {
		typ = TypeManual
	}
	mem := newMemory(content, typ, m.importanceFor(content, typ, metadata), cloneMetadata(metadata))

	if strings.TrimSpace(content) != "" {
		vec, err := m.embed(ctx, content)
		if err != nil {
			m.logger.Printf("embedding for new memory failed: %v (storing without vector)", err)
		} else {
			mem.Embedding = vec
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(ctx, mem); err != nil {
		return nil, &StorageError{Op: "save", ID: mem.ID, Err: err}
	}
	m.count++

	if len(mem.Embedding) > 0 {
		if err := m.index.Add(ctx, mem.ID, mem.Embedding); err != nil {
			m.logger.Printf("index add %s failed: %v (memory reachable again after rebuild)", mem.ID, err)
		}
	}

	if m.count > m.cfg.MaxMemories {
		m.pruneLocked(ctx)
	}
	return mem, nil
}

// AddMemory is the convenience surface for callers that carry everything in
// the metadata bag: the memory type is read from metadata["type"].
func (m *Manager) AddMemory(ctx context.Context, content string, metadata map[string]any) (*Memory, error) {
	typ := TypeManual
	if v, ok := metadata[MetaType].(string); ok && v != "" {
		typ = Type(v)
	}
	return m.CreateMemory(ctx, content, typ, metadata)
}

// importanceFor computes the retention priority for a new memory. A caller
// can supply an explicit value via metadata["importance"]; otherwise the
// score starts at BaseImportance with additive bonuses for long content and
// conversational memories, clamped to [0,1].
func (m *Manager) importanceFor(content string, typ Type, metadata map[string]any) float64 {
	switch v := metadata[MetaImportance].(type) {
	case float64:
		return clamp01(v)
	case float32:
		return clamp01(float64(v))
	case int:
		return clamp01(float64(v))
	}

	score := m.cfg.BaseImportance
	if len(content) > 500 {
		score += 0.1
	}
	if len(content) > 1000 {
		score += 0.1
	}
	if typ == TypeConversation {
		score += 0.2
	}
	return clamp01(score)
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EmbedTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if len(vec) != m.embedder.Dimensions() {
		return nil, &EmbeddingError{Err: fmt.Errorf("provider returned %d dimensions, expected %d", len(vec), m.embedder.Dimensions())}
	}
	return vec, nil
}

// SearchMemories finds the memories most semantically relevant to query.
// Each result carries its score under metadata["similarity"].
func (m *Manager) SearchMemories(ctx context.Context, query string, limit int) ([]*Memory, error) {
	return m.SearchByContent(ctx, query, limit)
}

// SearchByContent embeds the query and searches the vector index. Results
// below MinSimilarity are discarded; the rest are ordered by similarity
// descending, most recent first on ties, capped at limit. If embedding or
// the whole vector path fails the search degrades to case-insensitive
// substring matching ranked by recency, with no similarity score attached.
func (m *Manager) SearchByContent(ctx context.Context, query string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	vec, err := m.embed(ctx, query)
	if err != nil {
		m.logger.Printf("query embedding failed: %v (falling back to substring search)", err)
		return m.searchLexical(ctx, query, limit)
	}
	results, err := m.searchVector(ctx, vec, limit)
	if err != nil {
		m.logger.Printf("vector search failed: %v (falling back to substring search)", err)
		return m.searchLexical(ctx, query, limit)
	}
	return results, nil
}

// SearchByEmbedding is SearchByContent for callers that already hold a
// query vector. An index failure degrades to a linear cosine scan over the
// record store.
func (m *Manager) SearchByEmbedding(ctx context.Context, vector []float32, limit int) ([]*Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	return m.searchVector(ctx, vector, limit)
}

func (m *Manager) searchVector(ctx context.Context, vector []float32, limit int) ([]*Memory, error) {
	m.mu.RLock()
	idx := m.index
	m.mu.RUnlock()

	// Oversample so threshold filtering still leaves limit results.
	k := limit * 2

	var cands []Candidate
	fromIndex := false
	if idx != nil {
		c, err := idx.Search(ctx, vector, k)
		if err != nil {
			m.logger.Printf("index search failed: %v (scanning record store)", err)
		} else {
			cands = c
			fromIndex = true
		}
	}
	if !fromIndex {
		c, err := m.scanVectors(ctx, vector, k)
		if err != nil {
			return nil, err
		}
		cands = c
	}

	results := make([]*Memory, 0, len(cands))
	for _, cand := range cands {
		if float64(cand.Similarity) < m.cfg.MinSimilarity {
			continue
		}
		rec, err := m.store.Get(ctx, cand.ID)
		if err != nil {
			m.logger.Printf("reading candidate %s failed: %v (skipping)", cand.ID, err)
			continue
		}
		if rec == nil {
			// Index entry with no backing record; reconciled by the
			// next rebuild.
			continue
		}
		res := rec.Clone()
		res.Metadata[MetaSimilarity] = float64(cand.Similarity)
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		si, _ := results[i].Metadata[MetaSimilarity].(float64)
		sj, _ := results[j].Metadata[MetaSimilarity].(float64)
		if si != sj {
			return si > sj
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scanVectors is the degraded path when the index is unusable: linear
// cosine over every record that has an embedding.
func (m *Manager) scanVectors(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	cands := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Embedding) == 0 || len(rec.Embedding) != len(vector) {
			continue
		}
		cands = append(cands, Candidate{ID: rec.ID, Similarity: Cosine(rec.Embedding, vector)})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Similarity > cands[j].Similarity })
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, nil
}

// searchLexical is the last-resort fallback: case-insensitive substring
// matching over content, most recent first, no similarity score.
func (m *Manager) searchLexical(ctx context.Context, query string, limit int) ([]*Memory, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	q := strings.ToLower(strings.TrimSpace(query))
	matches := make([]*Memory, 0, len(recs))
	for _, rec := range recs {
		if q == "" || strings.Contains(strings.ToLower(rec.Content), q) {
			matches = append(matches, rec)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt > matches[j].CreatedAt })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	results := make([]*Memory, 0, len(matches))
	for _, rec := range matches {
		results = append(results, rec.Clone())
	}
	return results, nil
}

// GetRecent returns the most recent memories, optionally filtered by type.
// The vector index is not consulted.
func (m *Manager) GetRecent(ctx context.Context, limit int, typ Type) ([]*Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []*Memory
	var err error
	if typ == "" {
		recs, err = m.store.List(ctx)
	} else {
		recs, err = m.store.Query(ctx, Filter{Type: typ})
	}
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}

	sorted := make([]*Memory, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	results := make([]*Memory, 0, len(sorted))
	for _, rec := range sorted {
		results = append(results, rec.Clone())
	}
	return results, nil
}

// GetAllMemories returns every stored memory in record store order.
func (m *Manager) GetAllMemories(ctx context.Context) ([]*Memory, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	results := make([]*Memory, 0, len(recs))
	for _, rec := range recs {
		results = append(results, rec.Clone())
	}
	return results, nil
}

// GetMemory returns one memory by ID, or ErrNotFound.
func (m *Manager) GetMemory(ctx context.Context, id string) (*Memory, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, &StorageError{Op: "get", ID: id, Err: err}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Update describes a partial memory update. Nil fields are left unchanged;
// Metadata entries are merged into the existing map. ID and CreatedAt are
// immutable.
type Update struct {
	Content    *string
	Type       *Type
	Importance *float64
	Metadata   map[string]any
}

// UpdateMemory applies update to an existing memory. A content change
// re-embeds and replaces the index entry (remove then add); a re-embedding
// failure leaves the memory stored without a vector.
func (m *Manager) UpdateMemory(ctx context.Context, id string, update Update) (*Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, &StorageError{Op: "get", ID: id, Err: err}
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	contentChanged := false
	if update.Content != nil && *update.Content != cur.Content {
		next.Content = *update.Content
		contentChanged = true
	}
	if update.Type != nil {
		next.Type = *update.Type
	}
	if update.Importance != nil {
		next.Importance = clamp01(*update.Importance)
	}
	for k, v := range update.Metadata {
		next.Metadata[k] = v
	}

	if contentChanged {
		next.Embedding = nil
		if strings.TrimSpace(next.Content) != "" {
			vec, err := m.embed(ctx, next.Content)
			if err != nil {
				m.logger.Printf("re-embedding %s failed: %v (storing without vector)", id, err)
			} else {
				next.Embedding = vec
			}
		}
	}

	if err := m.store.Save(ctx, next); err != nil {
		return nil, &StorageError{Op: "save", ID: id, Err: err}
	}

	if contentChanged {
		if err := m.index.Remove(ctx, id); err != nil {
			m.logger.Printf("index remove %s failed: %v", id, err)
		}
		if len(next.Embedding) > 0 {
			if err := m.index.Add(ctx, id, next.Embedding); err != nil {
				m.logger.Printf("index add %s failed: %v (memory reachable again after rebuild)", id, err)
			}
		}
		m.maybeCompactLocked(ctx)
	}
	return next, nil
}

// DeleteMemory removes a memory from both the record store and the index.
// Deleting an unknown ID is a no-op, so a double delete never fails.
func (m *Manager) DeleteMemory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return &StorageError{Op: "get", ID: id, Err: err}
	}
	if cur == nil {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return &StorageError{Op: "delete", ID: id, Err: err}
	}
	m.count--

	if err := m.index.Remove(ctx, id); err != nil {
		m.logger.Printf("index remove %s failed: %v", id, err)
	}
	m.maybeCompactLocked(ctx)
	return nil
}

// Clear empties the record store and replaces the index with a fresh one.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	m.count = 0
	m.index = m.factory.New(m.embedder.Dimensions(), m.indexCapacity())
	return nil
}

// pruneLocked runs the two-tier eviction pass. The top
// round(max*ImportantShare) memories by importance are protected outright;
// from what remains, the top round(max*RecentShare) by recency survive as
// the recency window. Everything else is deleted from the store and the
// index is rebuilt from the retained set.
//
// The recent tier is drawn only from memories the important tier left
// behind, so the two tiers never double-count against the cap.
func (m *Manager) pruneLocked(ctx context.Context) {
	recs, err := m.store.List(ctx)
	if err != nil {
		m.logger.Printf("eviction aborted, record store list failed: %v", err)
		return
	}
	max := m.cfg.MaxMemories
	if len(recs) <= max {
		m.count = len(recs)
		return
	}

	importantN := int(math.Round(float64(max) * m.cfg.ImportantShare))
	if importantN > max {
		importantN = max
	}
	// Both tiers can round up; the recent tier absorbs the difference so
	// the retained set never exceeds the cap.
	recentN := int(math.Round(float64(max) * m.cfg.RecentShare))
	if recentN > max-importantN {
		recentN = max - importantN
	}

	byImportance := make([]*Memory, len(recs))
	copy(byImportance, recs)
	sort.SliceStable(byImportance, func(i, j int) bool {
		return byImportance[i].Importance > byImportance[j].Importance
	})

	retained := make(map[string]*Memory, max)
	for i := 0; i < importantN && i < len(byImportance); i++ {
		retained[byImportance[i].ID] = byImportance[i]
	}

	rest := byImportance[min(importantN, len(byImportance)):]
	byRecency := make([]*Memory, len(rest))
	copy(byRecency, rest)
	sort.SliceStable(byRecency, func(i, j int) bool {
		return byRecency[i].CreatedAt > byRecency[j].CreatedAt
	})
	for i := 0; i < recentN && i < len(byRecency); i++ {
		retained[byRecency[i].ID] = byRecency[i]
	}

	evicted := 0
	for _, rec := range recs {
		if _, ok := retained[rec.ID]; ok {
			continue
		}
		if err := m.store.Delete(ctx, rec.ID); err != nil {
			m.logger.Printf("evicting %s failed: %v (keeping)", rec.ID, err)
			retained[rec.ID] = rec
			continue
		}
		evicted++
	}

	idx := m.factory.New(m.embedder.Dimensions(), m.indexCapacity())
	for _, rec := range retained {
		if len(rec.Embedding) == 0 {
			continue
		}
		if err := idx.Add(ctx, rec.ID, rec.Embedding); err != nil {
			m.logger.Printf("index add %s during eviction rebuild failed: %v", rec.ID, err)
		}
	}
	m.index = idx
	m.count = len(retained)
	m.logger.Printf("evicted %d memories (%d retained, cap %d)", evicted, len(retained), max)
}

// maybeCompactLocked rebuilds the index once tombstones pass the configured
// ratio. Deletes stay O(1); graph quality is restored here.
func (m *Manager) maybeCompactLocked(ctx context.Context) {
	live := m.index.Len()
	dead := m.index.Deleted()
	if dead == 0 {
		return
	}
	if float64(dead) < m.cfg.CompactionRatio*float64(live+dead) {
		return
	}
	recs, err := m.store.List(ctx)
	if err != nil {
		m.logger.Printf("compaction skipped, record store list failed: %v", err)
		return
	}
	m.index = m.buildIndex(ctx, recs)
	m.logger.Printf("compacted index: %d tombstones dropped, %d vectors live", dead, m.index.Len())
}

func countEmbedded(recs []*Memory) int {
	n := 0
	for _, rec := range recs {
		if len(rec.Embedding) > 0 {
			n++
		}
	}
	return n
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	c := make(map[string]any, len(metadata))
	for k, v := range metadata {
		c[k] = v
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
