package sinktrace

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed sink trace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sink trace tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS known_sinks (
			address    VARCHAR(42) PRIMARY KEY,
			category   VARCHAR(16) NOT NULL,
			label      VARCHAR(128),
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS payout_traces (
			id            VARCHAR(40) PRIMARY KEY,
			payout_tx_id  VARCHAR(40) NOT NULL UNIQUE,
			recipient     VARCHAR(42) NOT NULL,
			destination   VARCHAR(42),
			amount        NUMERIC(38,18),
			hop_tx_hash   VARCHAR(66),
			elapsed_secs  BIGINT NOT NULL DEFAULT 0,
			sink_category VARCHAR(16),
			suspicious    BOOLEAN NOT NULL DEFAULT FALSE,
			checked_at    TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_traces_suspicious ON payout_traces(suspicious) WHERE suspicious;
		CREATE INDEX IF NOT EXISTS idx_traces_recipient ON payout_traces(recipient);
	`)
	return err
}

func (p *PostgresStore) SaveTrace(ctx context.Context, t *Trace) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_traces (
			id, payout_tx_id, recipient, destination, amount, hop_tx_hash,
			elapsed_secs, sink_category, suspicious, checked_at, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, '')::NUMERIC(38,18),
			NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (payout_tx_id) DO UPDATE SET
			destination   = EXCLUDED.destination,
			amount        = EXCLUDED.amount,
			hop_tx_hash   = EXCLUDED.hop_tx_hash,
			elapsed_secs  = EXCLUDED.elapsed_secs,
			sink_category = EXCLUDED.sink_category,
			suspicious    = EXCLUDED.suspicious,
			checked_at    = EXCLUDED.checked_at
	`, t.ID, t.PayoutTxID, t.Recipient, t.Destination, t.Amount, t.HopTxHash,
		t.Elapsed, string(t.SinkCategory), t.Suspicious, t.CheckedAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTraceByPayout(ctx context.Context, payoutTxID string) (*Trace, error) {
	row := p.db.QueryRowContext(ctx, selectTraceSQL+` WHERE payout_tx_id = $1`, payoutTxID)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) ListSuspicious(ctx context.Context, limit int) ([]*Trace, error) {
	rows, err := p.db.QueryContext(ctx,
		selectTraceSQL+` WHERE suspicious ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list suspicious traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddSink(ctx context.Context, s *KnownSink) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO known_sinks (address, category, label, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			category = EXCLUDED.category,
			label    = EXCLUDED.label
	`, s.Address, string(s.Category), s.Label, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("add sink: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSink(ctx context.Context, address string) (*KnownSink, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, category, COALESCE(label, ''), created_at
		FROM known_sinks WHERE LOWER(address) = LOWER($1)
	`, address)

	var s KnownSink
	var category string
	err := row.Scan(&s.Address, &category, &s.Label, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sink: %w", err)
	}
	s.Category = SinkCategory(category)
	return &s, nil
}

func (p *PostgresStore) ListSinks(ctx context.Context) ([]*KnownSink, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, category, COALESCE(label, ''), created_at
		FROM known_sinks ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*KnownSink
	for rows.Next() {
		var s KnownSink
		var category string
		if err := rows.Scan(&s.Address, &category, &s.Label, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Category = SinkCategory(category)
		result = append(result, &s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RemoveSink(ctx context.Context, address string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM known_sinks WHERE LOWER(address) = LOWER($1)`, address)
	if err != nil {
		return fmt.Errorf("remove sink: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSinkNotFound
	}
	return nil
}

const selectTraceSQL = `
	SELECT id, payout_tx_id, recipient, COALESCE(destination, ''),
		COALESCE(amount::TEXT, ''), COALESCE(hop_tx_hash, ''),
		elapsed_secs, COALESCE(sink_category, ''), suspicious,
		checked_at, created_at
	FROM payout_traces`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTrace(row scannable) (*Trace, error) {
	var t Trace
	var category string

	err := row.Scan(&t.ID, &t.PayoutTxID, &t.Recipient, &t.Destination,
		&t.Amount, &t.HopTxHash, &t.Elapsed, &category, &t.Suspicious,
		&t.CheckedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.SinkCategory = SinkCategory(category)
	return &t, nil
}
