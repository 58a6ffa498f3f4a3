package reward

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

// NewPostgresStore creates a new PostgreSQL-backed reward store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rewards table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rewards (
			id                 VARCHAR(40) PRIMARY KEY,
			wallet             VARCHAR(42) NOT NULL,
			course_id          VARCHAR(64),
			reward_type        VARCHAR(24) NOT NULL,
			amount             NUMERIC(38,18) NOT NULL,
			status             VARCHAR(16) NOT NULL DEFAULT 'pending',
			ip_address         VARCHAR(45),
			device_fingerprint VARCHAR(128),
			completion_seconds BIGINT NOT NULL DEFAULT 0,
			denial_reason      VARCHAR(40),
			payout_tx_id       VARCHAR(40),
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rewards_course_wallet
			ON rewards(course_id, LOWER(wallet)) WHERE course_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_rewards_wallet ON rewards(LOWER(wallet));
		CREATE INDEX IF NOT EXISTS idx_rewards_status ON rewards(status);
	`)
	return err
}

// Create inserts a new reward. A second signal for the same course and wallet
// is rejected.
func (p *PostgresStore) Create(ctx context.Context, r *Reward) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rewards (
			id, wallet, course_id, reward_type, amount, status,
			ip_address, device_fingerprint, completion_seconds,
			denial_reason, payout_tx_id, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5::NUMERIC(38,18), $6,
			$7, $8, $9, $10, $11, $12, $13)
	`,
		r.ID, r.Wallet, r.CourseID, string(r.Type), r.Amount, string(r.Status),
		r.IPAddress, r.DeviceFingerprint, r.CompletionSeconds,
		r.DenialReason, r.PayoutTxID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateSignal
		}
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// Get retrieves a reward by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Reward, error) {
	row := p.db.QueryRowContext(ctx, selectRewardSQL+` WHERE id = $1`, id)

	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, ErrRewardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return r, nil
}

// GetByCourseAndWallet retrieves the reward for a course/wallet pair.
func (p *PostgresStore) GetByCourseAndWallet(ctx context.Context, courseID, wallet string) (*Reward, error) {
	row := p.db.QueryRowContext(ctx,
		selectRewardSQL+` WHERE course_id = $1 AND LOWER(wallet) = LOWER($2)`,
		courseID, wallet)

	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, ErrRewardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reward by course: %w", err)
	}
	return r, nil
}

// Update modifies a reward's mutable fields. Amount is never updated.
func (p *PostgresStore) Update(ctx context.Context, r *Reward) error {
	r.UpdatedAt = time.Now()

	result, err := p.db.ExecContext(ctx, `
		UPDATE rewards SET
			status        = $2,
			denial_reason = $3,
			payout_tx_id  = $4,
			updated_at    = $5
		WHERE id = $1
	`, r.ID, string(r.Status), r.DenialReason, r.PayoutTxID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update reward: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRewardNotFound
	}
	return nil
}

// ListByWallet returns rewards for a wallet, newest first.
func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Reward, error) {
	rows, err := p.db.QueryContext(ctx,
		selectRewardSQL+` WHERE LOWER(wallet) = LOWER($1) ORDER BY created_at DESC LIMIT $2`,
		wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("list by wallet: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRewards(rows)
}

// ListPending returns pending rewards, newest first.
func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Reward, error) {
	rows, err := p.db.QueryContext(ctx,
		selectRewardSQL+` WHERE status = 'pending' ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRewards(rows)
}

const selectRewardSQL = `
	SELECT id, wallet, COALESCE(course_id, ''), reward_type,
		amount::TEXT, status,
		COALESCE(ip_address, ''), COALESCE(device_fingerprint, ''),
		completion_seconds, COALESCE(denial_reason, ''),
		COALESCE(payout_tx_id, ''), created_at, updated_at
	FROM rewards`

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanReward(row scannable) (*Reward, error) {
	var r Reward
	var rewardType, status string
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.Wallet, &r.CourseID, &rewardType,
		&r.Amount, &status,
		&r.IPAddress, &r.DeviceFingerprint,
		&r.CompletionSeconds, &r.DenialReason,
		&r.PayoutTxID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = Type(rewardType)
	r.Status = Status(status)
	if createdAt.Valid {
		r.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		r.UpdatedAt = updatedAt.Time
	}
	return &r, nil
}

func scanRewards(rows *sql.Rows) ([]*Reward, error) {
	var result []*Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
