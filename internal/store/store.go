// Package store is the durable key-value repository rules are persisted
// in. It is backed by modernc.org/sqlite (the teacher's own driver, pure
// Go, no cgo) but used as a literal key-value table rather than a
// relational schema: one row per rule id, one distinguished row holding
// the ordered rule index — the same shape the original implementation's
// sled-backed repository used.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
)

// indexKey is the distinguished key holding the ordered list of rule ids.
// Chosen to be unrepresentable as a valid 16-byte UUID key, so it can
// never collide with a rule row.
var indexKey = []byte("__rule_index")

// Store wraps the underlying sqlite handle and exposes the rule
// repository contract from SPEC_FULL.md §4.1.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite-backed key-value store at path and
// ensures the kv table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}

	// The kv table is intentionally untyped: values are opaque,
	// self-describing JSON blobs so the encoding can evolve without a
	// schema migration.
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key BLOB PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating schema: %v", ErrStorage, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading key: %v", ErrStorage, err)
	}
	return value, true, nil
}

func (s *Store) put(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: writing key: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("%w: deleting key: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: deleting key: %v", ErrStorage, err)
	}
	return n > 0, nil
}

func ruleKey(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func (s *Store) readIndex(ctx context.Context) ([]uuid.UUID, error) {
	raw, ok, err := s.get(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var ids []uuid.UUID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: decoding rule index: %v", ErrCodec, err)
	}
	return ids, nil
}

func (s *Store) writeIndex(ctx context.Context, ids []uuid.UUID) error {
	buf, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("%w: encoding rule index: %v", ErrCodec, err)
	}
	return s.put(ctx, indexKey, buf)
}

func (s *Store) addToIndex(ctx context.Context, id uuid.UUID) error {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return s.writeIndex(ctx, ids)
}

func (s *Store) removeFromIndex(ctx context.Context, id uuid.UUID) error {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return s.writeIndex(ctx, kept)
}

func encodeRule(r *model.Rule) ([]byte, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding rule: %v", ErrCodec, err)
	}
	return buf, nil
}

func decodeRule(raw []byte) (*model.Rule, error) {
	var r model.Rule
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: decoding rule: %v", ErrCodec, err)
	}
	return &r, nil
}
