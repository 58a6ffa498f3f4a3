package payout

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
)

// Compile-time check that PostgresLimitStore implements LimitStore.
var _ LimitStore = (*PostgresLimitStore)(nil)

// PostgresLimitStore tracks daily payout totals in PostgreSQL. Totals are
// NUMERIC(78,0) raw token amounts, wide enough for any uint256 value.
type PostgresLimitStore struct {
	db *sql.DB
}

// NewPostgresLimitStore creates a new PostgreSQL-backed daily limit store.
func NewPostgresLimitStore(db *sql.DB) *PostgresLimitStore {
	return &PostgresLimitStore{db: db}
}

// Migrate creates the wallet_daily_totals table if it doesn't exist.
func (p *PostgresLimitStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_daily_totals (
			wallet     VARCHAR(42) NOT NULL,
			day        DATE NOT NULL,
			total      NUMERIC(78,0) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (wallet, day)
		);
	`)
	return err
}

// Reserve adds amount to the wallet's total for the day unless that would
// exceed the ceiling. The check-and-add is one conditional UPDATE, so
// concurrent reservations cannot jointly overshoot the ceiling.
func (p *PostgresLimitStore) Reserve(ctx context.Context, wallet, day string, amount, ceiling *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_daily_totals (wallet, day, total)
		VALUES (LOWER($1), $2, 0)
		ON CONFLICT (wallet, day) DO NOTHING
	`, wallet, day)
	if err != nil {
		return fmt.Errorf("ensure daily total row: %w", err)
	}

	query := `
		UPDATE wallet_daily_totals
		SET total = total + $3::NUMERIC, updated_at = NOW()
		WHERE wallet = LOWER($1) AND day = $2`
	args := []interface{}{wallet, day, amount.String()}
	if ceiling != nil {
		query += ` AND total + $3::NUMERIC <= $4::NUMERIC`
		args = append(args, ceiling.String())
	}

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("reserve daily total: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDailyLimit
	}
	return nil
}

// Release subtracts amount from the wallet's total for the day, clamped at
// zero.
func (p *PostgresLimitStore) Release(ctx context.Context, wallet, day string, amount *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE wallet_daily_totals
		SET total = GREATEST(total - $3::NUMERIC, 0), updated_at = NOW()
		WHERE wallet = LOWER($1) AND day = $2
	`, wallet, day, amount.String())
	if err != nil {
		return fmt.Errorf("release daily total: %w", err)
	}
	return nil
}

func (p *PostgresLimitStore) Total(ctx context.Context, wallet, day string) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT total::TEXT FROM wallet_daily_totals
		WHERE wallet = LOWER($1) AND day = $2
	`, wallet, day).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("daily total: %w", err)
	}
	total, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse daily total %q", raw)
	}
	return total, nil
}
