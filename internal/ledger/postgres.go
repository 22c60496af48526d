package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mystworks/presale/internal/policy"
)

// PostgresStore keeps payout records in a single-row-per-reference table.
// The primary key on reference makes Record an atomic check-then-insert, so
// no application-level lock is needed for linearizability.
type PostgresStore struct {
	db            *pgxpool.Pool
	tokenDecimals int32
}

const payoutsSchema = `
CREATE TABLE IF NOT EXISTS payouts (
    reference          TEXT PRIMARY KEY,
    wallet             TEXT NOT NULL,
    amount_minor_units NUMERIC(78, 0) NOT NULL,
    recorded_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS payouts_recorded_at_idx ON payouts (recorded_at);
`

// NewPostgresStore connects, pings and ensures the payouts table exists.
func NewPostgresStore(ctx context.Context, connString string, tokenDecimals int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, payoutsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure payouts schema: %w", err)
	}

	return &PostgresStore{db: pool, tokenDecimals: tokenDecimals}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) Has(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM payouts WHERE reference = $1)",
		canonical(ref)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("payout lookup failed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Get(ctx context.Context, ref string) (*PayoutRecord, error) {
	var rec PayoutRecord
	err := s.db.QueryRow(ctx,
		"SELECT wallet, amount_minor_units::text, recorded_at FROM payouts WHERE reference = $1",
		canonical(ref)).Scan(&rec.Wallet, &rec.AmountMinorUnits, &rec.RecordedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payout fetch failed: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Record(ctx context.Context, ref, wallet, amountMinorUnits string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO payouts (reference, wallet, amount_minor_units, recorded_at) VALUES ($1, $2, $3::numeric, now())",
		canonical(ref), wallet, amountMinorUnits)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRecorded
		}
		return fmt.Errorf("payout insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PaidSince(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount_minor_units), 0)::text FROM payouts WHERE recorded_at >= $1",
		t).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payout sum failed: %w", err)
	}
	units, ok := new(big.Int).SetString(sum, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("parse payout sum %q", sum)
	}
	return policy.FromMinorUnits(units, s.tokenDecimals), nil
}
