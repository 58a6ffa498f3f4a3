package payout

import (
	"context"
	"database/sql"
	"errors"
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

// NewPostgresStore creates a new PostgreSQL-backed payout transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payout_transactions table if it doesn't exist. The
// partial unique index enforces at most one non-terminal transaction per
// reward.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payout_transactions (
			id            VARCHAR(40) PRIMARY KEY,
			reward_id     VARCHAR(40) NOT NULL,
			recipient     VARCHAR(42) NOT NULL,
			amount        VARCHAR(40) NOT NULL,
			token         VARCHAR(42) NOT NULL,
			status        VARCHAR(12) NOT NULL,
			tx_hash       VARCHAR(66),
			block_number  BIGINT NOT NULL DEFAULT 0,
			nonce_used    BIGINT NOT NULL DEFAULT -1,
			retry_count   INT NOT NULL DEFAULT 0,
			manual        BOOLEAN NOT NULL DEFAULT FALSE,
			error_msg     TEXT,
			confirmed_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_payout_active_reward
			ON payout_transactions(reward_id) WHERE status IN ('pending', 'processing');
		CREATE INDEX IF NOT EXISTS idx_payout_recipient ON payout_transactions(LOWER(recipient));
		CREATE INDEX IF NOT EXISTS idx_payout_status ON payout_transactions(status);
		CREATE INDEX IF NOT EXISTS idx_payout_confirmed ON payout_transactions(confirmed_at)
			WHERE status = 'completed';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_transactions (
			id, reward_id, recipient, amount, token, status, tx_hash,
			block_number, nonce_used, retry_count, manual, error_msg,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, tx.ID, tx.RewardID, tx.Recipient, tx.Amount, tx.Token, string(tx.Status),
		tx.TxHash, tx.BlockNumber, tx.NonceUsed, tx.RetryCount, tx.Manual,
		tx.ErrorMsg, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrActivePayout
		}
		return fmt.Errorf("insert payout transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, selectTxSQL+` WHERE id = $1`, id)

	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_transactions
		SET status = $2, tx_hash = $3, block_number = $4, nonce_used = $5,
			retry_count = $6, manual = $7, error_msg = $8,
			confirmed_at = $9, updated_at = $10
		WHERE id = $1
	`, tx.ID, string(tx.Status), tx.TxHash, tx.BlockNumber, tx.NonceUsed,
		tx.RetryCount, tx.Manual, tx.ErrorMsg, nullTime(tx.ConfirmedAt), tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update payout transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

func (p *PostgresStore) GetActiveByReward(ctx context.Context, rewardID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, selectTxSQL+`
		WHERE reward_id = $1 AND status IN ('pending', 'processing')
	`, rewardID)

	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active payout transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, selectTxSQL+`
		WHERE LOWER(recipient) = LOWER($1)
		ORDER BY created_at DESC LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts by wallet: %w", err)
	}
	return collectTxs(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, selectTxSQL+`
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts by status: %w", err)
	}
	return collectTxs(rows)
}

func (p *PostgresStore) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, selectTxSQL+`
		WHERE status = 'completed' AND confirmed_at > $1
		ORDER BY confirmed_at ASC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list completed payouts: %w", err)
	}
	return collectTxs(rows)
}

func (p *PostgresStore) CountByReward(ctx context.Context, rewardID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payout_transactions WHERE reward_id = $1`,
		rewardID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count payout transactions: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) Summary(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM payout_transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("payout summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary[status] = count
	}
	return summary, rows.Err()
}

const selectTxSQL = `
	SELECT id, reward_id, recipient, amount, token, status,
		COALESCE(tx_hash, ''), block_number, nonce_used, retry_count,
		manual, COALESCE(error_msg, ''), confirmed_at, created_at, updated_at
	FROM payout_transactions`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTx(row scannable) (*Transaction, error) {
	var tx Transaction
	var status string
	var confirmedAt sql.NullTime

	err := row.Scan(&tx.ID, &tx.RewardID, &tx.Recipient, &tx.Amount, &tx.Token,
		&status, &tx.TxHash, &tx.BlockNumber, &tx.NonceUsed, &tx.RetryCount,
		&tx.Manual, &tx.ErrorMsg, &confirmedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	if confirmedAt.Valid {
		tx.ConfirmedAt = confirmedAt.Time
	}
	return &tx, nil
}

func collectTxs(rows *sql.Rows) ([]*Transaction, error) {
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
