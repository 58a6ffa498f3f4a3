package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresNonceStore implements NonceStore.
var _ NonceStore = (*PostgresNonceStore)(nil)

// PostgresNonceStore implements NonceStore backed by PostgreSQL. Acquire is
// a single conditional UPDATE so two engines sharing a database cannot both
// take the lock.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore creates a new PostgreSQL-backed nonce store.
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

// Migrate creates the signer_nonces table if it doesn't exist.
func (p *PostgresNonceStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS signer_nonces (
			wallet         VARCHAR(42) PRIMARY KEY,
			last_used      BIGINT NOT NULL DEFAULT -1,
			last_confirmed BIGINT NOT NULL DEFAULT -1,
			locked         BOOLEAN NOT NULL DEFAULT FALSE,
			lock_holder    VARCHAR(40),
			locked_at      TIMESTAMPTZ,
			updated_at     TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresNonceStore) Seed(ctx context.Context, wallet string, lastUsed int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO signer_nonces (wallet, last_used, last_confirmed)
		VALUES (LOWER($1), $2, -1)
		ON CONFLICT (wallet) DO NOTHING
	`, wallet, lastUsed)
	if err != nil {
		return fmt.Errorf("seed nonce state: %w", err)
	}
	return nil
}

func (p *PostgresNonceStore) Get(ctx context.Context, wallet string) (*NonceState, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT wallet, last_used, last_confirmed, locked,
			COALESCE(lock_holder, ''), locked_at
		FROM signer_nonces WHERE wallet = LOWER($1)
	`, wallet)
	return scanNonceState(row)
}

func (p *PostgresNonceStore) Acquire(ctx context.Context, wallet, holder string, grace time.Duration) (*NonceState, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE signer_nonces
		SET locked = TRUE, lock_holder = $2, locked_at = NOW(), updated_at = NOW()
		WHERE wallet = LOWER($1) AND NOT locked
		RETURNING wallet, last_used, last_confirmed, locked,
			COALESCE(lock_holder, ''), locked_at
	`, wallet, holder)

	st, err := scanNonceState(row)
	if err == nil {
		return st, nil
	}
	if err != ErrNonceStateNotFound {
		return nil, err
	}

	// Lost the conditional update. Either the row is missing or the lock is
	// held; a lock held past the grace period is an integrity fault.
	existing, err := p.Get(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !existing.Locked {
		return nil, ErrNonceLocked // Released between statements; caller retries later
	}
	if time.Since(existing.LockedAt) > grace {
		return nil, ErrNonceIntegrity
	}
	return nil, ErrNonceLocked
}

func (p *PostgresNonceStore) Release(ctx context.Context, wallet, holder string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE signer_nonces
		SET locked = FALSE, lock_holder = NULL, locked_at = NULL, updated_at = NOW()
		WHERE wallet = LOWER($1) AND locked AND lock_holder = $2
	`, wallet, holder)
	if err != nil {
		return fmt.Errorf("release nonce lock: %w", err)
	}
	return nil
}

func (p *PostgresNonceStore) MarkUsed(ctx context.Context, wallet string, nonce int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE signer_nonces
		SET last_used = GREATEST(last_used, $2), updated_at = NOW()
		WHERE wallet = LOWER($1)
	`, wallet, nonce)
	if err != nil {
		return fmt.Errorf("mark nonce used: %w", err)
	}
	return checkRow(result)
}

// Confirm advances last_confirmed but never past last_used.
func (p *PostgresNonceStore) Confirm(ctx context.Context, wallet string, nonce int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE signer_nonces
		SET last_confirmed = GREATEST(last_confirmed, LEAST($2, last_used)),
			updated_at = NOW()
		WHERE wallet = LOWER($1)
	`, wallet, nonce)
	if err != nil {
		return fmt.Errorf("confirm nonce: %w", err)
	}
	return checkRow(result)
}

func (p *PostgresNonceStore) ForceUnlock(ctx context.Context, wallet string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE signer_nonces
		SET locked = FALSE, lock_holder = NULL, locked_at = NULL, updated_at = NOW()
		WHERE wallet = LOWER($1)
	`, wallet)
	if err != nil {
		return fmt.Errorf("force unlock nonce: %w", err)
	}
	return checkRow(result)
}

func scanNonceState(row scannable) (*NonceState, error) {
	var st NonceState
	var lockedAt sql.NullTime

	err := row.Scan(&st.Wallet, &st.LastUsed, &st.LastConfirmed, &st.Locked,
		&st.LockHolder, &lockedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNonceStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan nonce state: %w", err)
	}
	if lockedAt.Valid {
		st.LockedAt = lockedAt.Time
	}
	return &st, nil
}

func checkRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNonceStateNotFound
	}
	return nil
}
