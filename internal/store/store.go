package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists integrations and the inbound activity log.
//
// The activity log is the idempotent consumer of normalized events: it is
// keyed on (integration, external message id, event type), so out-of-order
// and duplicated webhook deliveries collapse into one row.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS integrations (
		id          TEXT PRIMARY KEY,
		provider    TEXT NOT NULL,
		status      TEXT NOT NULL,
		identity    TEXT,
		credentials TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS activity (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		integration_id      TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
		event_type          TEXT NOT NULL,
		external_message_id TEXT NOT NULL,
		sender_id           TEXT,
		sender_name         TEXT,
		text                TEXT,
		media_ref           TEXT,
		delivery_status     TEXT,
		occurred_at         DATETIME NOT NULL,
		recorded_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_dedup
		ON activity(integration_id, external_message_id, event_type);
	CREATE INDEX IF NOT EXISTS idx_activity_time ON activity(integration_id, occurred_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- IntegrationStore ---

func (s *SQLiteStore) CreateIntegration(ctx context.Context, in domain.Integration) error {
	creds, err := json.Marshal(in.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO integrations (id, provider, status, identity, credentials, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Provider, in.Status, in.Identity, string(creds), in.CreatedAt, now,
	)
	return err
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*domain.Integration, error) {
	var in domain.Integration
	var creds string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, status, identity, credentials, created_at, updated_at
		 FROM integrations WHERE id = ?`, id,
	).Scan(&in.ID, &in.Provider, &in.Status, &in.Identity, &creds, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(creds), &in.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshal credentials for %s: %w", id, err)
	}
	return &in, nil
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context) ([]domain.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, status, identity, created_at, updated_at
		 FROM integrations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Integration
	for rows.Next() {
		var in domain.Integration
		if err := rows.Scan(&in.ID, &in.Provider, &in.Status, &in.Identity, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateIntegrationStatus(ctx context.Context, id string, status domain.Status, identity string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET status = ?, identity = COALESCE(NULLIF(?, ''), identity), updated_at = ?
		 WHERE id = ?`,
		status, identity, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("integration %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteIntegration(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	return err
}

// --- EventSink / activity log ---

// Record persists one normalized event. Duplicate deliveries of a message
// are ignored; a later status for the same message replaces the earlier one,
// so out-of-order deliveries settle on the newest observation.
func (s *SQLiteStore) Record(ctx context.Context, ev domain.NormalizedInboundEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity (integration_id, event_type, external_message_id, sender_id, sender_name, text, media_ref, delivery_status, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(integration_id, external_message_id, event_type) DO UPDATE SET
			delivery_status = excluded.delivery_status,
			occurred_at     = excluded.occurred_at
		 WHERE excluded.event_type = 'status'`,
		ev.IntegrationID, ev.Type, ev.ExternalMessageID, ev.SenderID, ev.SenderName,
		ev.Text, ev.MediaRef, ev.DeliveryStatus, ev.OccurredAt.UTC(),
	)
	return err
}

// ListEvents returns events for one integration, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, integrationID string, since time.Time, limit int) ([]domain.NormalizedInboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, external_message_id, sender_id, sender_name, text, media_ref, delivery_status, occurred_at
		 FROM activity WHERE integration_id = ? AND occurred_at >= ?
		 ORDER BY occurred_at, id LIMIT ?`,
		integrationID, since.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NormalizedInboundEvent
	for rows.Next() {
		ev := domain.NormalizedInboundEvent{IntegrationID: integrationID}
		if err := rows.Scan(&ev.Type, &ev.ExternalMessageID, &ev.SenderID, &ev.SenderName,
			&ev.Text, &ev.MediaRef, &ev.DeliveryStatus, &ev.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
