package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS currencies (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		min_deposit NUMERIC(38, 18) NOT NULL DEFAULT 0,
		withdrawal_fee NUMERIC(38, 18) NOT NULL DEFAULT 0,
		min_withdraw NUMERIC(38, 18) NOT NULL DEFAULT 0,
		decimals INTEGER NOT NULL DEFAULT 8,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS deposit_transactions (
		tx_hash TEXT PRIMARY KEY,
		user_code TEXT NOT NULL,
		currency_id TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		token_type TEXT NOT NULL,
		address TEXT NOT NULL,
		amount NUMERIC(38, 18) NOT NULL,
		status TEXT NOT NULL DEFAULT 'unconfirmed',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		confirmed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS deposit_transactions_owner_idx
		ON deposit_transactions (user_code, currency_id, status)`,
	`CREATE TABLE IF NOT EXISTS processed_deposit_hashes (
		tx_hash TEXT PRIMARY KEY,
		user_code TEXT NOT NULL,
		currency_id TEXT NOT NULL,
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`INSERT INTO processed_deposit_hashes (tx_hash, user_code, currency_id, first_seen_at)
		SELECT tx_hash, user_code, currency_id, created_at FROM deposit_transactions
		ON CONFLICT (tx_hash) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS pending_deposits (
		user_code TEXT NOT NULL,
		currency_id TEXT NOT NULL,
		total_amount NUMERIC(38, 18) NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_code, currency_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deposit_credits (
		id UUID PRIMARY KEY,
		user_code TEXT NOT NULL,
		currency_id TEXT NOT NULL,
		amount NUMERIC(38, 18) NOT NULL,
		tx_hashes TEXT[] NOT NULL,
		entry_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
		id UUID PRIMARY KEY,
		user_code TEXT NOT NULL,
		currency_id TEXT NOT NULL,
		amount NUMERIC(38, 18) NOT NULL,
		fee NUMERIC(38, 18) NOT NULL,
		address TEXT NOT NULL,
		chain_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`ALTER TABLE withdrawals ADD COLUMN IF NOT EXISTS refund_entry_id TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS withdrawals_user_idx ON withdrawals (user_code, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS internal_transfers (
		id UUID PRIMARY KEY,
		user_code TEXT NOT NULL,
		currency_id TEXT NOT NULL,
		from_sub TEXT NOT NULL,
		to_sub TEXT NOT NULL,
		amount NUMERIC(38, 18) NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the relational schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
