// Package sqlite provides a single-file RecordStore for deployments that
// want the whole memory corpus in one database instead of a directory of
// JSON records. It uses the pure-Go modernc.org driver, so builds stay
// cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/becomeliminal/recall-go/memory"
)

// Compile time check to ensure Store satisfies the record store contract.
var _ memory.RecordStore = (*Store)(nil)

// Store is a SQLite-backed record store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		embedding TEXT,
		created_at INTEGER NOT NULL,
		importance REAL NOT NULL,
		type TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a memory.
func (s *Store) Save(ctx context.Context, mem *memory.Memory) error {
	embedding, metadata, err := encodeRecord(mem)
	if err != nil {
		return err
	}

	query := `INSERT INTO memories (id, content, embedding, created_at, importance, type, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			created_at = excluded.created_at,
			importance = excluded.importance,
			type = excluded.type,
			metadata = excluded.metadata`
	_, err = s.db.ExecContext(ctx, query,
		mem.ID, mem.Content, embedding, mem.CreatedAt, mem.Importance, string(mem.Type), metadata)
	if err != nil {
		return fmt.Errorf("save record %s: %w", mem.ID, err)
	}
	return nil
}

// Get returns a memory by ID, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*memory.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, embedding, created_at, importance, type, metadata FROM memories WHERE id = ?`, id)
	mem, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return mem, nil
}

// Delete removes a memory. Unknown IDs are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// List returns every record ordered by creation time ascending.
func (s *Store) List(ctx context.Context) ([]*memory.Memory, error) {
	return s.query(ctx,
		`SELECT id, content, embedding, created_at, importance, type, metadata FROM memories ORDER BY created_at`)
}

// Query returns the records matching filter.
func (s *Store) Query(ctx context.Context, filter memory.Filter) ([]*memory.Memory, error) {
	if filter.Type == "" {
		return s.List(ctx)
	}
	return s.query(ctx,
		`SELECT id, content, embedding, created_at, importance, type, metadata FROM memories WHERE type = ? ORDER BY created_at`,
		string(filter.Type))
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []*memory.Memory
	for rows.Next() {
		mem, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

func encodeRecord(mem *memory.Memory) (embedding, metadata any, err error) {
	if len(mem.Embedding) > 0 {
		data, err := json.Marshal(mem.Embedding)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal embedding %s: %w", mem.ID, err)
		}
		embedding = string(data)
	}
	if len(mem.Metadata) > 0 {
		data, err := json.Marshal(mem.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata %s: %w", mem.ID, err)
		}
		metadata = string(data)
	}
	return embedding, metadata, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*memory.Memory, error) {
	var (
		mem       memory.Memory
		typ       string
		embedding sql.NullString
		metadata  sql.NullString
	)
	if err := row.Scan(&mem.ID, &mem.Content, &embedding, &mem.CreatedAt, &mem.Importance, &typ, &metadata); err != nil {
		return nil, err
	}
	mem.Type = memory.Type(typ)
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &mem.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &mem, nil
}
