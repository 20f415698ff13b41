package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID           int64           `json:"id"`
	Address      string          `json:"address"`
	Amount       decimal.Decimal `json:"amount"`
	SecretPhrase *string         `json:"secretPhrase,omitempty"`
	Status       string          `json:"status"`
	ClaimedBy    *int64          `json:"claimedBy,omitempty"`
	ClaimedAt    *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

const walletColumns = `id, address, amount::text, secret_phrase, status, claimed_by, claimed_at, created_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	var amount string
	err := row.Scan(&w.ID, &w.Address, &amount, &w.SecretPhrase, &w.Status, &w.ClaimedBy, &w.ClaimedAt, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &w, nil
}

func (d *DB) HasAvailableWallet(ctx context.Context) (bool, error) {
	var ok bool
	err := d.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM wallets WHERE status='available')`).Scan(&ok)
	return ok, err
}

// ClaimWallet hands out one random available wallet and marks it claimed
// in a single statement, so two concurrent claims can never win the same
// row. Returns ErrNoWallets when the pool is exhausted.
func (d *DB) ClaimWallet(ctx context.Context, telegramID int64) (*Wallet, error) {
	row := d.Pool.QueryRow(ctx, `
UPDATE wallets SET status='claimed', claimed_by=$1, claimed_at=now()
WHERE id = (
	SELECT id FROM wallets
	WHERE status='available'
	ORDER BY random()
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+walletColumns, telegramID)
	w, err := scanWallet(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoWallets
	}
	return w, err
}

func (d *DB) AddWallet(ctx context.Context, address string, amount decimal.Decimal, secretPhrase string) (*Wallet, error) {
	row := d.Pool.QueryRow(ctx, `
INSERT INTO wallets(address, amount, secret_phrase)
VALUES ($1, $2, NULLIF($3, ''))
RETURNING `+walletColumns, address, amount.String(), secretPhrase)
	return scanWallet(row)
}

func (d *DB) DeleteWallet(ctx context.Context, id int64) error {
	tag, err := d.Pool.Exec(ctx, `DELETE FROM wallets WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) ListWallets(ctx context.Context) ([]Wallet, error) {
	rows, err := d.Pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallets := []Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

type WalletStats struct {
	Total       int64           `json:"total"`
	Available   int64           `json:"available"`
	Claimed     int64           `json:"claimed"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

func (d *DB) GetWalletStats(ctx context.Context) (WalletStats, error) {
	var s WalletStats
	var amountRaw string
	err := d.Pool.QueryRow(ctx, `
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE status='available'),
	COUNT(*) FILTER (WHERE status='claimed'),
	COALESCE(SUM(amount), 0)::text
FROM wallets`).Scan(&s.Total, &s.Available, &s.Claimed, &amountRaw)
	if err != nil {
		return s, err
	}
	s.TotalAmount, err = decimal.NewFromString(amountRaw)
	return s, err
}
