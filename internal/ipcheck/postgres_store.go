package ipcheck

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed risk signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_signals table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_signals (
			identifier   VARCHAR(128) PRIMARY KEY,
			fraud_score  INT NOT NULL DEFAULT 0,
			vpn          BOOLEAN NOT NULL DEFAULT FALSE,
			tor          BOOLEAN NOT NULL DEFAULT FALSE,
			proxy        BOOLEAN NOT NULL DEFAULT FALSE,
			bot          BOOLEAN NOT NULL DEFAULT FALSE,
			datacenter   BOOLEAN NOT NULL DEFAULT FALSE,
			tier         VARCHAR(10) NOT NULL,
			country      VARCHAR(8),
			isp          VARCHAR(128),
			checked_at   TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_risk_signals_tier ON risk_signals(tier);
		CREATE INDEX IF NOT EXISTS idx_risk_signals_checked ON risk_signals(checked_at);
	`)
	return err
}

// Get retrieves a cached signal.
func (p *PostgresStore) Get(ctx context.Context, identifier string) (*Signal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT identifier, fraud_score, vpn, tor, proxy, bot, datacenter,
			tier, COALESCE(country, ''), COALESCE(isp, ''), checked_at, expires_at
		FROM risk_signals WHERE identifier = $1
	`, identifier)

	var s Signal
	var tier string
	err := row.Scan(&s.Identifier, &s.FraudScore, &s.VPN, &s.Tor, &s.Proxy,
		&s.Bot, &s.Datacenter, &tier, &s.Country, &s.ISP, &s.CheckedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrSignalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk signal: %w", err)
	}
	s.Tier = Tier(tier)
	return &s, nil
}

// Put upserts a signal; refreshing an identifier replaces the prior verdict.
func (p *PostgresStore) Put(ctx context.Context, s *Signal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_signals (
			identifier, fraud_score, vpn, tor, proxy, bot, datacenter,
			tier, country, isp, checked_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (identifier) DO UPDATE SET
			fraud_score = EXCLUDED.fraud_score,
			vpn = EXCLUDED.vpn,
			tor = EXCLUDED.tor,
			proxy = EXCLUDED.proxy,
			bot = EXCLUDED.bot,
			datacenter = EXCLUDED.datacenter,
			tier = EXCLUDED.tier,
			country = EXCLUDED.country,
			isp = EXCLUDED.isp,
			checked_at = EXCLUDED.checked_at,
			expires_at = EXCLUDED.expires_at
	`, s.Identifier, s.FraudScore, s.VPN, s.Tor, s.Proxy, s.Bot, s.Datacenter,
		string(s.Tier), s.Country, s.ISP, s.CheckedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put risk signal: %w", err)
	}
	return nil
}

// ListSuspicious returns high and blocked tier signals, worst first.
func (p *PostgresStore) ListSuspicious(ctx context.Context, limit int) ([]*Signal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT identifier, fraud_score, vpn, tor, proxy, bot, datacenter,
			tier, COALESCE(country, ''), COALESCE(isp, ''), checked_at, expires_at
		FROM risk_signals
		WHERE tier IN ('high', 'blocked')
		ORDER BY fraud_score DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list suspicious: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Signal
	for rows.Next() {
		var s Signal
		var tier string
		if err := rows.Scan(&s.Identifier, &s.FraudScore, &s.VPN, &s.Tor, &s.Proxy,
			&s.Bot, &s.Datacenter, &tier, &s.Country, &s.ISP, &s.CheckedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		s.Tier = Tier(tier)
		result = append(result, &s)
	}
	return result, rows.Err()
}

// Stats returns counts by tier plus a total.
func (p *PostgresStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tier, COUNT(*) FROM risk_signals GROUP BY tier
	`)
	if err != nil {
		return nil, fmt.Errorf("risk stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := map[string]int{}
	total := 0
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		stats[tier] = count
		total += count
	}
	stats["total"] = total
	return stats, rows.Err()
}

// DeleteExpired removes rows checked before the cutoff.
func (p *PostgresStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM risk_signals WHERE checked_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete expired signals: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
