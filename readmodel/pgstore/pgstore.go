// Package pgstore provides a read-model client factory backed by
// PostgreSQL. Every projection namespace becomes its own document table,
// created on demand, so a changed read model re-projects into a fresh
// table.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northstack/eventflow/readmodel"
)

// Factory creates per-namespace document tables
type Factory struct {
	pool      *pgxpool.Pool
	casing    readmodel.CasingPolicy
	separator string
}

// NewFactory creates a factory over an existing connection pool
func NewFactory(pool *pgxpool.Pool) *Factory {
	return &Factory{
		pool:      pool,
		casing:    readmodel.SnakeCase,
		separator: "_",
	}
}

// NamingConvention implements readmodel.ClientFactory
func (f *Factory) NamingConvention() readmodel.CasingPolicy { return f.casing }

// SuffixSeparator implements readmodel.ClientFactory
func (f *Factory) SuffixSeparator() string { return f.separator }

// Make creates the namespace table if needed and returns a store on it
func (f *Factory) Make(ctx context.Context, namespace string) (*Store, error) {
	table := pgx.Identifier{namespace}.Sanitize()
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id  TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		)`, table)
	if _, err := f.pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create projection table: %w", err)
	}
	return &Store{pool: f.pool, table: table, namespace: namespace}, nil
}

// Store is a single-table JSON document store
type Store struct {
	pool      *pgxpool.Pool
	table     string
	namespace string
}

// Namespace returns the projection namespace
func (s *Store) Namespace() string { return s.namespace }

// Upsert writes the document under id, replacing any previous version
func (s *Store) Upsert(ctx context.Context, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, s.table)
	_, err = s.pool.Exec(ctx, query, id, data)
	return err
}

// Get loads the document under id into dest. It reports whether the
// document existed.
func (s *Store) Get(ctx context.Context, id string, dest interface{}) (bool, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table)
	var data []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

// Delete removes the document under id
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	_, err := s.pool.Exec(ctx, query, id)
	return err
}

// All streams every document in the table in id order
func (s *Store) All(ctx context.Context) (map[string]json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT id, doc FROM %s ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		out[id] = json.RawMessage(doc)
	}
	return out, rows.Err()
}
