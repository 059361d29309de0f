package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Category partitions settings rows: a flat key/value table grouped by the
// subsystem that owns each key.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryStorage Category = "storage"
	CategoryCleanup Category = "cleanup"
	CategoryAI      Category = "ai"
)

// settingRow mirrors the settings table schema (db/migrations).
type settingRow struct {
	Category  string    `db:"category"`
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	ValueType string    `db:"value_type"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Store reads and writes the settings table. Every value is stored as a JSON
// string and a value_type tag ("string", "int", "bool", "json"), decoded the
// same way any typed config layer decodes persisted blobs into Go values.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps db for settings access.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get returns the raw JSON value for (category, key), or sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, category Category, key string) (json.RawMessage, error) {
	var row settingRow
	err := s.db.GetContext(ctx, &row,
		`SELECT category, key, value, value_type, updated_at FROM settings WHERE category = $1 AND key = $2`,
		category, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(row.Value), nil
}

// GetInto decodes the value for (category, key) into dest, which must be a pointer.
func (s *Store) GetInto(ctx context.Context, category Category, key string, dest any) error {
	raw, err := s.Get(ctx, category, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Set upserts (category, key) with value marshaled to JSON.
func (s *Store) Set(ctx context.Context, category Category, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s/%s: %w", category, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (category, key, value, value_type, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (category, key) DO UPDATE
		SET value = EXCLUDED.value, value_type = EXCLUDED.value_type, updated_at = EXCLUDED.updated_at
	`, category, key, string(encoded), valueTypeName(value))
	return err
}

// All returns every key in a category, keyed by setting key, as raw JSON.
func (s *Store) All(ctx context.Context, category Category) (map[string]json.RawMessage, error) {
	var rows []settingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT category, key, value, value_type, updated_at FROM settings WHERE category = $1`, category); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.Key] = json.RawMessage(r.Value)
	}
	return out, nil
}

// Delete removes a setting. It is not an error if the row does not exist.
func (s *Store) Delete(ctx context.Context, category Category, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE category = $1 AND key = $2`, category, key)
	return err
}

func valueTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case int, int32, int64:
		return "int"
	case bool:
		return "bool"
	default:
		return "json"
	}
}

// IsNotFound reports whether err indicates an absent setting row.
func IsNotFound(err error) bool {
	return err == sql.ErrNoRows
}
