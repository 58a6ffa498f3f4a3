package velocity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed velocity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the velocity_events table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS velocity_events (
			id              BIGSERIAL PRIMARY KEY,
			identifier      VARCHAR(128) NOT NULL,
			identifier_type VARCHAR(12) NOT NULL,
			event_type      VARCHAR(24) NOT NULL,
			payload         JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_velocity_lookup
			ON velocity_events(identifier, event_type, created_at);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, e *Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO velocity_events (identifier, identifier_type, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.Identifier, string(e.IdentifierType), string(e.EventType), payload, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert velocity event: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountSince(ctx context.Context, identifier string, eventType EventType, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM velocity_events
		WHERE identifier = $1 AND event_type = $2 AND created_at >= $3
	`, identifier, string(eventType), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count velocity events: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM velocity_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune velocity events: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
