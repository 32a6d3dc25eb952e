package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelbridge/bridge/internal/storage"
)

// Totals aggregates ledger rows over a window.
type Totals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// Store persists usage records and answers aggregate queries.
type Store interface {
	Write(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	// Totals sums rows in [from, to). providerName empty means all.
	Totals(ctx context.Context, providerName string, from, to time.Time) (*Totals, error)
	Close() error
}

// SQLStore backs Store with the shared database. SQLite allows one
// writer at a time, so writes are serialized.
type SQLStore struct {
	db      *storage.DB
	writeMu sync.Mutex
}

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const insertRecordSQL = `
INSERT INTO usage_ledger (
    id, timestamp, provider, model,
    input_tokens, output_tokens, total_tokens,
    input_cost, output_cost, total_cost,
    currency, pricing_available, latency_ms, finish_reason, request_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func recordArgs(record *Record) []any {
	return []any{
		record.ID,
		record.Timestamp.UTC(),
		record.Provider,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.TotalTokens,
		record.InputCost,
		record.OutputCost,
		record.TotalCost,
		record.Currency,
		record.PricingAvailable,
		record.LatencyMS,
		record.FinishReason,
		record.RequestID,
	}
}

func (s *SQLStore) Write(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(insertRecordSQL), recordArgs(record)...); err != nil {
		return fmt.Errorf("write usage record %q: %w", record.ID, err)
	}
	return nil
}

func (s *SQLStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage batch: %w", err)
	}
	query := s.db.Rebind(insertRecordSQL)
	for _, record := range records {
		if record == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, recordArgs(record)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write usage record %q in batch: %w", record.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage batch: %w", err)
	}
	return nil
}

func (s *SQLStore) Totals(ctx context.Context, providerName string, from, to time.Time) (*Totals, error) {
	query := `
SELECT
    COUNT(*),
    COALESCE(SUM(input_tokens), 0),
    COALESCE(SUM(output_tokens), 0),
    COALESCE(SUM(total_tokens), 0),
    COALESCE(SUM(total_cost), 0)
FROM usage_ledger
WHERE timestamp >= ? AND timestamp < ?`
	args := []any{from.UTC(), to.UTC()}
	if providerName != "" {
		query += ` AND provider = ?`
		args = append(args, providerName)
	}

	var totals Totals
	err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(
		&totals.Requests,
		&totals.InputTokens,
		&totals.OutputTokens,
		&totals.TotalTokens,
		&totals.TotalCost,
	)
	if err != nil {
		return nil, fmt.Errorf("sum usage ledger: %w", err)
	}
	return &totals, nil
}
