package admission

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS admission_usage (
	window_start TIMESTAMPTZ NOT NULL,
	scope        TEXT        NOT NULL,
	scope_key    TEXT        NOT NULL,
	used         BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (window_start, scope, scope_key)
)`

// PostgresCounter shares usage between service instances. ChargeAll locks
// the scope rows with SELECT ... FOR UPDATE in charge order, which is the
// same for every caller, so concurrent admissions serialize per row without
// deadlocking.
type PostgresCounter struct {
	db *sqlx.DB
}

// NewPostgresCounter wraps an open database.
func NewPostgresCounter(db *sqlx.DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// OpenPostgresCounter connects with the pgx driver and creates the usage
// table when missing. maxOpen <= 0 uses 25 connections.
func OpenPostgresCounter(ctx context.Context, dsn string, maxOpen int) (*PostgresCounter, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(5, maxOpen))
	db.SetConnMaxLifetime(5 * time.Minute)

	p := NewPostgresCounter(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the usage table.
func (p *PostgresCounter) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("create admission_usage: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (p *PostgresCounter) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database.
func (p *PostgresCounter) Close() error {
	return p.db.Close()
}

// ChargeAll implements UsageCounter.
func (p *PostgresCounter) ChargeAll(ctx context.Context, window time.Time, charges []Charge) ([]int64, *BudgetExceeded, error) {
	if err := validateCharges(charges); err != nil {
		return nil, nil, err
	}
	window = window.UTC()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin charge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range charges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO admission_usage (window_start, scope, scope_key, used)
			 VALUES ($1, $2, $3, 0)
			 ON CONFLICT (window_start, scope, scope_key) DO NOTHING`,
			window, string(c.Scope), c.Key); err != nil {
			return nil, nil, fmt.Errorf("ensure usage row %s/%s: %w", c.Scope, c.Key, err)
		}
		var used int64
		if err := tx.GetContext(ctx, &used,
			`SELECT used FROM admission_usage
			 WHERE window_start = $1 AND scope = $2 AND scope_key = $3
			 FOR UPDATE`,
			window, string(c.Scope), c.Key); err != nil {
			return nil, nil, fmt.Errorf("lock usage row %s/%s: %w", c.Scope, c.Key, err)
		}
		if c.Limit > 0 && used+c.Amount > c.Limit {
			return nil, exceeded(c, used), nil
		}
	}

	after := make([]int64, len(charges))
	for i, c := range charges {
		if err := tx.GetContext(ctx, &after[i],
			`UPDATE admission_usage SET used = used + $4
			 WHERE window_start = $1 AND scope = $2 AND scope_key = $3
			 RETURNING used`,
			window, string(c.Scope), c.Key, c.Amount); err != nil {
			return nil, nil, fmt.Errorf("charge %s/%s: %w", c.Scope, c.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit charge: %w", err)
	}
	return after, nil, nil
}

// Usage implements UsageCounter.
func (p *PostgresCounter) Usage(ctx context.Context, window time.Time, scope Scope, key string) (int64, error) {
	var used []int64
	if err := p.db.SelectContext(ctx, &used,
		`SELECT used FROM admission_usage
		 WHERE window_start = $1 AND scope = $2 AND scope_key = $3`,
		window.UTC(), string(scope), key); err != nil {
		return 0, fmt.Errorf("read usage %s/%s: %w", scope, key, err)
	}
	if len(used) == 0 {
		return 0, nil
	}
	return used[0], nil
}

// Refund implements UsageCounter.
func (p *PostgresCounter) Refund(ctx context.Context, window time.Time, charges []Charge) error {
	if err := validateCharges(charges); err != nil {
		return err
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range charges {
		if _, err := tx.ExecContext(ctx,
			`UPDATE admission_usage SET used = GREATEST(used - $4, 0)
			 WHERE window_start = $1 AND scope = $2 AND scope_key = $3`,
			window.UTC(), string(c.Scope), c.Key, c.Amount); err != nil {
			return fmt.Errorf("refund %s/%s: %w", c.Scope, c.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// Cleanup deletes windows that started before cutoff.
func (p *PostgresCounter) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM admission_usage WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup admission_usage: %w", err)
	}
	return res.RowsAffected()
}
