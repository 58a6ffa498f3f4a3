package blacklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed blacklist store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet_blacklist table if it doesn't exist. The partial
// unique index enforces at most one active entry per wallet, which is what
// makes Upsert's idempotence safe under concurrency.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_blacklist (
			id             VARCHAR(40) PRIMARY KEY,
			wallet         VARCHAR(42) NOT NULL,
			reason         VARCHAR(24) NOT NULL,
			severity       VARCHAR(12) NOT NULL,
			linked_wallets TEXT[],
			tx_hashes      TEXT[],
			cluster_id     VARCHAR(40),
			note           TEXT,
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			added_by       VARCHAR(64) NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			deactivated_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_blacklist_active_wallet
			ON wallet_blacklist(LOWER(wallet)) WHERE active;
		CREATE INDEX IF NOT EXISTS idx_blacklist_wallet ON wallet_blacklist(LOWER(wallet));
	`)
	return err
}

// Upsert inserts a new active entry unless the wallet already has one.
func (p *PostgresStore) Upsert(ctx context.Context, e *Entry) (bool, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_blacklist (
			id, wallet, reason, severity, linked_wallets, tx_hashes,
			cluster_id, note, active, added_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
	`, e.ID, e.Wallet, string(e.Reason), string(e.Severity),
		pq.Array(e.Evidence.LinkedWallets), pq.Array(e.Evidence.TxHashes),
		e.Evidence.ClusterID, e.Evidence.Note, e.AddedBy, e.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil // Active entry already present
		}
		return false, fmt.Errorf("insert blacklist entry: %w", err)
	}
	return true, nil
}

// GetActive returns the active entry for a wallet.
func (p *PostgresStore) GetActive(ctx context.Context, wallet string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, selectEntrySQL+`
		WHERE LOWER(wallet) = LOWER($1) AND active
	`, wallet)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blacklist entry: %w", err)
	}
	return e, nil
}

// Deactivate flips the active entry for a wallet. The row is kept.
func (p *PostgresStore) Deactivate(ctx context.Context, wallet string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_blacklist
		SET active = FALSE, deactivated_at = $2
		WHERE LOWER(wallet) = LOWER($1) AND active
	`, wallet, time.Now())
	if err != nil {
		return fmt.Errorf("deactivate blacklist entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// List returns entries, newest first.
func (p *PostgresStore) List(ctx context.Context, activeOnly bool, limit int) ([]*Entry, error) {
	query := selectEntrySQL
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CountActive returns the number of active entries.
func (p *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_blacklist WHERE active`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count blacklist: %w", err)
	}
	return count, nil
}

const selectEntrySQL = `
	SELECT id, wallet, reason, severity,
		COALESCE(linked_wallets, '{}'), COALESCE(tx_hashes, '{}'),
		COALESCE(cluster_id, ''), COALESCE(note, ''),
		active, added_by, created_at, deactivated_at
	FROM wallet_blacklist`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var reason, severity string
	var linked, hashes pq.StringArray
	var deactivatedAt sql.NullTime

	err := row.Scan(&e.ID, &e.Wallet, &reason, &severity,
		&linked, &hashes, &e.Evidence.ClusterID, &e.Evidence.Note,
		&e.Active, &e.AddedBy, &e.CreatedAt, &deactivatedAt)
	if err != nil {
		return nil, err
	}

	e.Reason = Reason(reason)
	e.Severity = Severity(severity)
	e.Evidence.LinkedWallets = linked
	e.Evidence.TxHashes = hashes
	if deactivatedAt.Valid {
		e.DeactivatedAt = deactivatedAt.Time
	}
	return &e, nil
}
