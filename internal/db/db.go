package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrNoWallets = errors.New("no wallets available")
)

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

func (d *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			telegram_id BIGINT NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			referral_code TEXT NOT NULL UNIQUE,
			referred_by TEXT,
			referral_rewards_count INT NOT NULL DEFAULT 0,
			root_balance NUMERIC(10,2) NOT NULL DEFAULT 0,
			purchased_modes TEXT[] NOT NULL DEFAULT '{}',
			energy INT NOT NULL DEFAULT 100,
			energy_capacity INT NOT NULL DEFAULT 100,
			ad_watch_count INT NOT NULL DEFAULT 0,
			last_ad_unique_id TEXT,
			last_ad_watch_time TIMESTAMPTZ,
			claimed_achievements TEXT[] NOT NULL DEFAULT '{}',
			trial_used BOOLEAN NOT NULL DEFAULT FALSE,
			trial_started_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users(referred_by)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			amount NUMERIC(18,8) NOT NULL,
			secret_phrase TEXT,
			status TEXT NOT NULL DEFAULT 'available' CHECK (status IN ('available','claimed')),
			claimed_by BIGINT,
			claimed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_status ON wallets(status)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INT PRIMARY KEY CHECK (id = 1),
			marquee_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`INSERT INTO settings(id) VALUES(1) ON CONFLICT (id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS processed_payments (
			charge_id TEXT PRIMARY KEY,
			telegram_id BIGINT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := d.Pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
