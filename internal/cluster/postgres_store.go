package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Wallets and
// identifiers live in arrays on the cluster row; lookup goes through GIN
// indexes on those arrays.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed cluster store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet_clusters table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_clusters (
			id            VARCHAR(40) PRIMARY KEY,
			wallets       TEXT[] NOT NULL,
			identifiers   TEXT[] NOT NULL,
			reward_claims INT NOT NULL DEFAULT 0,
			reward_total  NUMERIC(38, 18) NOT NULL DEFAULT 0,
			risk_score    INT NOT NULL DEFAULT 0,
			status        VARCHAR(12) NOT NULL DEFAULT 'detected',
			auto_blocked  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_clusters_wallets ON wallet_clusters USING GIN(wallets);
		CREATE INDEX IF NOT EXISTS idx_clusters_identifiers ON wallet_clusters USING GIN(identifiers);
		CREATE INDEX IF NOT EXISTS idx_clusters_status ON wallet_clusters(status);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Cluster, error) {
	row := p.db.QueryRowContext(ctx, selectClusterSQL+` WHERE id = $1`, id)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, ErrClusterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) FindByKeys(ctx context.Context, wallets, identifiers []string) ([]*Cluster, error) {
	rows, err := p.db.QueryContext(ctx, selectClusterSQL+`
		WHERE wallets && $1 OR identifiers && $2
		ORDER BY created_at ASC
	`, pq.Array(wallets), pq.Array(identifiers))
	if err != nil {
		return nil, fmt.Errorf("find clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanClusters(rows)
}

func (p *PostgresStore) FindByWallet(ctx context.Context, wallet string) (*Cluster, error) {
	row := p.db.QueryRowContext(ctx, selectClusterSQL+`
		WHERE wallets @> ARRAY[$1]::TEXT[]
		ORDER BY created_at ASC LIMIT 1
	`, wallet)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, ErrClusterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find cluster by wallet: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) Save(ctx context.Context, c *Cluster) error {
	c.UpdatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_clusters (
			id, wallets, identifiers, reward_claims, reward_total, risk_score,
			status, auto_blocked, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			wallets       = EXCLUDED.wallets,
			identifiers   = EXCLUDED.identifiers,
			reward_claims = EXCLUDED.reward_claims,
			reward_total  = EXCLUDED.reward_total,
			risk_score    = EXCLUDED.risk_score,
			status        = EXCLUDED.status,
			auto_blocked  = EXCLUDED.auto_blocked,
			updated_at    = EXCLUDED.updated_at
	`, c.ID, pq.Array(c.Wallets), pq.Array(c.Identifiers), c.RewardClaims,
		rewardTotalOrZero(c), c.RiskScore, string(c.Status), c.AutoBlocked, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save cluster: %w", err)
	}
	return nil
}

// Merge writes the surviving cluster and deletes the absorbed rows in one
// transaction.
func (p *PostgresStore) Merge(ctx context.Context, into *Cluster, absorbed []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM wallet_clusters WHERE id = ANY($1)`, pq.Array(absorbed)); err != nil {
		return fmt.Errorf("delete absorbed clusters: %w", err)
	}

	into.UpdatedAt = time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_clusters (
			id, wallets, identifiers, reward_claims, reward_total, risk_score,
			status, auto_blocked, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			wallets       = EXCLUDED.wallets,
			identifiers   = EXCLUDED.identifiers,
			reward_claims = EXCLUDED.reward_claims,
			reward_total  = EXCLUDED.reward_total,
			risk_score    = EXCLUDED.risk_score,
			status        = EXCLUDED.status,
			auto_blocked  = EXCLUDED.auto_blocked,
			updated_at    = EXCLUDED.updated_at
	`, into.ID, pq.Array(into.Wallets), pq.Array(into.Identifiers), into.RewardClaims,
		rewardTotalOrZero(into), into.RiskScore, string(into.Status), into.AutoBlocked, into.CreatedAt, into.UpdatedAt); err != nil {
		return fmt.Errorf("save merged cluster: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Cluster, error) {
	rows, err := p.db.QueryContext(ctx, selectClusterSQL+`
		WHERE status = $1 ORDER BY risk_score DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanClusters(rows)
}

func (p *PostgresStore) ListAll(ctx context.Context, limit int) ([]*Cluster, error) {
	rows, err := p.db.QueryContext(ctx, selectClusterSQL+`
		ORDER BY risk_score DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanClusters(rows)
}

func (p *PostgresStore) CountBlocked(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_clusters WHERE status = 'blocked'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count blocked clusters: %w", err)
	}
	return count, nil
}

const selectClusterSQL = `
	SELECT id, wallets, identifiers, reward_claims, reward_total::TEXT,
		risk_score, status, auto_blocked, created_at, updated_at
	FROM wallet_clusters`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanCluster(row scannable) (*Cluster, error) {
	var c Cluster
	var status string
	var wallets, identifiers pq.StringArray

	err := row.Scan(&c.ID, &wallets, &identifiers, &c.RewardClaims,
		&c.RewardTotal, &c.RiskScore, &status, &c.AutoBlocked, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Wallets = wallets
	c.Identifiers = identifiers
	c.Status = Status(status)
	return &c, nil
}

func scanClusters(rows *sql.Rows) ([]*Cluster, error) {
	var result []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// rewardTotalOrZero keeps the NUMERIC column non-null for rows that predate
// total tracking.
func rewardTotalOrZero(c *Cluster) string {
	if c.RewardTotal == "" {
		return "0"
	}
	return c.RewardTotal
}
