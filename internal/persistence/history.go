// Package persistence is an optional Postgres-backed enrichment on top of
// the file-persisted replay reports (internal/replay.Store). The JSON
// files remain the source of truth for latest/by-id lookups and drift
// comparison; this store only appends a best-effort summary row per
// report for historical querying, and its absence never breaks a replay
// run.
package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/relaylabs/async-sidecar/internal/replay"
	"github.com/relaylabs/async-sidecar/shared/postgresql"
)

// HistoryStore appends replay report summaries to Postgres. A nil
// *HistoryStore is valid and every method is a no-op, matching
// internal/events.Publisher's "unconfigured is fine" shape.
type HistoryStore struct {
	db *sqlx.DB
}

// NewHistoryStore wraps an already-connected Postgres client.
func NewHistoryStore(pg *postgresql.Client) *HistoryStore {
	if pg == nil {
		return nil
	}
	return &HistoryStore{db: pg.GetDB()}
}

// EnsureSchema creates the replay_report_history table if it does not
// already exist. Safe to call on every startup.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return nil
	}
	const ddl = `
		CREATE TABLE IF NOT EXISTS replay_report_history (
			replay_id          TEXT PRIMARY KEY,
			replay_name        TEXT NOT NULL,
			baseline_model     TEXT NOT NULL,
			candidate_model    TEXT NOT NULL,
			baseline_accuracy  DOUBLE PRECISION NOT NULL,
			candidate_accuracy DOUBLE PRECISION NOT NULL,
			accuracy_delta     DOUBLE PRECISION NOT NULL,
			drift_alert_count  INT NOT NULL,
			created_at_ms      BIGINT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure replay_report_history schema: %w", err)
	}
	return nil
}

// Record appends one report's summary row. Errors are the caller's to log
// and discard -- a failed historical append never invalidates the replay
// run itself.
func (s *HistoryStore) Record(ctx context.Context, report replay.Report) error {
	if s == nil {
		return nil
	}
	const query = `
		INSERT INTO replay_report_history (
			replay_id, replay_name, baseline_model, candidate_model,
			baseline_accuracy, candidate_accuracy, accuracy_delta,
			drift_alert_count, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (replay_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		report.ReplayID,
		report.ReplayName,
		report.BaselineModel,
		report.CandidateModel,
		report.BaselineAccuracy,
		report.CandidateAccuracy,
		report.AccuracyDelta,
		len(report.DriftAlerts),
		report.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("record replay report history: %w", err)
	}
	return nil
}

// HistoryRow is one row served at GET /api/replay/history.
type HistoryRow struct {
	ReplayID          string  `db:"replay_id" json:"replay_id"`
	ReplayName        string  `db:"replay_name" json:"replay_name"`
	BaselineModel     string  `db:"baseline_model" json:"baseline_model"`
	CandidateModel    string  `db:"candidate_model" json:"candidate_model"`
	BaselineAccuracy  float64 `db:"baseline_accuracy" json:"baseline_accuracy"`
	CandidateAccuracy float64 `db:"candidate_accuracy" json:"candidate_accuracy"`
	AccuracyDelta     float64 `db:"accuracy_delta" json:"accuracy_delta"`
	DriftAlertCount   int     `db:"drift_alert_count" json:"drift_alert_count"`
	CreatedAtMs       int64   `db:"created_at_ms" json:"created_at_ms"`
}

// Recent returns up to limit of the most recent report summaries, newest
// first.
func (s *HistoryStore) Recent(ctx context.Context, limit int) ([]HistoryRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit < 1 {
		limit = 20
	}
	const query = `
		SELECT replay_id, replay_name, baseline_model, candidate_model,
		       baseline_accuracy, candidate_accuracy, accuracy_delta,
		       drift_alert_count, created_at_ms
		FROM replay_report_history
		ORDER BY created_at_ms DESC
		LIMIT $1
	`
	var rows []HistoryRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list replay report history: %w", err)
	}
	return rows, nil
}
