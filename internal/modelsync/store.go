// Package modelsync keeps a local catalog of provider model listings.
package modelsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelbridge/bridge/internal/provider"
	"github.com/modelbridge/bridge/internal/storage"
)

var ErrNotFound = errors.New("model not found")

// Record is one synced model row.
type Record struct {
	Provider      string    `json:"provider"`
	ModelID       string    `json:"model_id"`
	DisplayName   string    `json:"display_name"`
	OwnedBy       string    `json:"owned_by"`
	ContextLength int       `json:"context_length"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Created       time.Time `json:"created,omitempty"`
	SyncedAt      time.Time `json:"synced_at"`
}

// Store persists synced model listings keyed by (provider, model_id).
type Store interface {
	Upsert(ctx context.Context, providerName string, models []provider.Model) error
	List(ctx context.Context, providerName string) ([]Record, error)
	Get(ctx context.Context, providerName, modelID string) (*Record, error)
	Close() error
}

// SQLStore backs Store with the shared database.
type SQLStore struct {
	db    *storage.DB
	nowFn func() time.Time
}

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db, nowFn: time.Now}
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert replaces each model's row inside one transaction, so a partial
// listing failure never leaves a half-updated catalog.
func (s *SQLStore) Upsert(ctx context.Context, providerName string, models []provider.Model) error {
	if len(models) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin model upsert: %w", err)
	}

	query := s.db.Rebind(`
INSERT INTO models (provider, model_id, display_name, owned_by, context_length, capabilities, created_at, synced_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, model_id) DO UPDATE SET
    display_name = excluded.display_name,
    owned_by = excluded.owned_by,
    context_length = excluded.context_length,
    capabilities = excluded.capabilities,
    created_at = excluded.created_at,
    synced_at = excluded.synced_at`)

	syncedAt := s.nowFn().UTC()
	for _, model := range models {
		capabilities, err := json.Marshal(model.Capabilities)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal capabilities for %q: %w", model.ID, err)
		}
		var created any
		if !model.Created.IsZero() {
			created = model.Created.UTC()
		}
		if _, err := tx.ExecContext(ctx, query,
			providerName,
			model.ID,
			model.DisplayName,
			model.OwnedBy,
			model.ContextLength,
			string(capabilities),
			created,
			syncedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert model %q: %w", model.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit model upsert: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, providerName string) ([]Record, error) {
	query := s.db.Rebind(`
SELECT provider, model_id, display_name, owned_by, context_length, capabilities, created_at, synced_at
FROM models
WHERE provider = ?
ORDER BY model_id`)

	rows, err := s.db.QueryContext(ctx, query, providerName)
	if err != nil {
		return nil, fmt.Errorf("list models for %q: %w", providerName, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, providerName, modelID string) (*Record, error) {
	query := s.db.Rebind(`
SELECT provider, model_id, display_name, owned_by, context_length, capabilities, created_at, synced_at
FROM models
WHERE provider = ? AND model_id = ?`)

	row := s.db.QueryRowContext(ctx, query, providerName, modelID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record       Record
		capabilities string
		created      sql.NullTime
	)
	err := row.Scan(
		&record.Provider,
		&record.ModelID,
		&record.DisplayName,
		&record.OwnedBy,
		&record.ContextLength,
		&capabilities,
		&created,
		&record.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	if created.Valid {
		record.Created = created.Time.UTC()
	}
	record.SyncedAt = record.SyncedAt.UTC()
	if capabilities != "" && capabilities != "[]" && capabilities != "null" {
		if err := json.Unmarshal([]byte(capabilities), &record.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for %q: %w", record.ModelID, err)
		}
	}
	return &record, nil
}
