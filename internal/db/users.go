package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Referral rewards: one reward unit per every 3 referred users.
const referralBatchSize = 3

var referralRewardUnit = decimal.RequireFromString("0.5")

type User struct {
	ID                   int64           `json:"id"`
	TelegramID           int64           `json:"telegramId"`
	Username             string          `json:"username"`
	ReferralCode         string          `json:"referralCode"`
	ReferredBy           *string         `json:"referredBy"`
	ReferralRewardsCount int             `json:"referralRewardsCount"`
	RootBalance          decimal.Decimal `json:"rootBalance"`
	PurchasedModes       []string        `json:"purchasedModes"`
	Energy               int             `json:"energy"`
	EnergyCapacity       int             `json:"energyCapacity"`
	AdWatchCount         int             `json:"adWatchCount"`
	LastAdUniqueID       *string         `json:"lastAdUniqueId,omitempty"`
	LastAdWatchTime      *time.Time      `json:"lastAdWatchTime,omitempty"`
	ClaimedAchievements  []string        `json:"claimedAchievements"`
	TrialUsed            bool            `json:"trialUsed"`
	TrialStartedAt       *time.Time      `json:"trialStartedAt,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

type ReferralStats struct {
	Count         int64           `json:"count"`
	RewardsEarned int             `json:"rewardsEarned"`
	NextRewardAt  int             `json:"nextRewardAt"`
	Granted       decimal.Decimal `json:"granted"`
	Balance       decimal.Decimal `json:"balance"`
}

type ReferredFriend struct {
	TelegramID int64  `json:"id"`
	Username   string `json:"username"`
}

type LeaderboardEntry struct {
	TelegramID int64           `json:"id"`
	Username   string          `json:"username"`
	Balance    decimal.Decimal `json:"balance"`
}

const userColumns = `id, telegram_id, username, referral_code, referred_by, referral_rewards_count,
root_balance::text, purchased_modes, energy, energy_capacity, ad_watch_count,
last_ad_unique_id, last_ad_watch_time, claimed_achievements, trial_used, trial_started_at,
created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var balance string
	err := row.Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.ReferralCode, &u.ReferredBy, &u.ReferralRewardsCount,
		&balance, &u.PurchasedModes, &u.Energy, &u.EnergyCapacity, &u.AdWatchCount,
		&u.LastAdUniqueID, &u.LastAdWatchTime, &u.ClaimedAchievements, &u.TrialUsed, &u.TrialStartedAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.RootBalance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &u, nil
}

func (d *DB) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id=$1`, telegramID)
	return scanUser(row)
}

func (d *DB) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code=$1`, code)
	return scanUser(row)
}

// NewReferralCode returns a short random hex code, same shape the bot
// has always handed out in invite links.
func NewReferralCode() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}

// EnsureUser looks the user up by telegram id and creates the record on
// first contact. Username is refreshed when it changed; referredBy is
// backfilled only when the user has none, the code resolves to another
// user, and it is not a self-referral. A unique-violation on insert is a
// benign race with a concurrent first contact and resolves to a re-read.
func (d *DB) EnsureUser(ctx context.Context, telegramID int64, username, referredBy string) (*User, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		u, err := d.GetUserByTelegramID(ctx, telegramID)
		if err == nil {
			return u, false, d.refreshUser(ctx, u, username, referredBy)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		code := NewReferralCode()
		refBy := normalizeReferredBy(referredBy)
		row := d.Pool.QueryRow(ctx, `
INSERT INTO users (telegram_id, username, referral_code, referred_by)
VALUES ($1, $2, $3, $4)
RETURNING `+userColumns, telegramID, username, code, refBy)
		u, err = scanUser(row)
		if err == nil {
			return u, true, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Either another request created this user first, or the
			// generated referral code collided. Re-read / retry.
			continue
		}
		return nil, false, err
	}
	u, err := d.GetUserByTelegramID(ctx, telegramID)
	return u, false, err
}

func (d *DB) refreshUser(ctx context.Context, u *User, username, referredBy string) error {
	if username != "" && u.Username != username {
		if _, err := d.Pool.Exec(ctx, `UPDATE users SET username=$1, updated_at=now() WHERE telegram_id=$2`, username, u.TelegramID); err != nil {
			return err
		}
		u.Username = username
	}

	referredBy = strings.TrimSpace(referredBy)
	if u.ReferredBy != nil || referredBy == "" {
		return nil
	}
	referrer, err := d.GetUserByReferralCode(ctx, referredBy)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // dangling codes are ignored
		}
		return err
	}
	if referrer.TelegramID == u.TelegramID {
		return nil // never persist a self-referral
	}
	if _, err := d.Pool.Exec(ctx, `UPDATE users SET referred_by=$1, updated_at=now() WHERE telegram_id=$2 AND referred_by IS NULL`, referredBy, u.TelegramID); err != nil {
		return err
	}
	u.ReferredBy = &referredBy
	return nil
}

func normalizeReferredBy(code string) *string {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	return &code
}

func (d *DB) CountReferrals(ctx context.Context, referralCode string) (int64, error) {
	var n int64
	err := d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE referred_by=$1`, referralCode).Scan(&n)
	return n, err
}

// referralRewardDue computes the reward count the referral total adds up
// to and the balance credit still owed given the already-granted count.
// The credit is zero unless the computed count exceeds the stored one.
func referralRewardDue(count int64, stored int) (earned int, granted decimal.Decimal) {
	earned = int(count) / referralBatchSize
	if earned <= stored {
		return earned, decimal.Zero
	}
	return earned, referralRewardUnit.Mul(decimal.NewFromInt(int64(earned - stored)))
}

// ReconcileReferralRewards recomputes the subject's referral reward count
// and credits the balance for any rewards earned since the last call.
// Granting is monotonic: repeated calls with no new referrals change
// nothing, and the reward count never decreases.
func (d *DB) ReconcileReferralRewards(ctx context.Context, telegramID int64) (ReferralStats, error) {
	var stats ReferralStats
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		var code string
		var stored int
		var balanceRaw string
		err := tx.QueryRow(ctx, `
SELECT referral_code, referral_rewards_count, root_balance::text
FROM users WHERE telegram_id=$1 FOR UPDATE`, telegramID).Scan(&code, &stored, &balanceRaw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		balance, err := decimal.NewFromString(balanceRaw)
		if err != nil {
			return err
		}

		var count int64
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE referred_by=$1`, code).Scan(&count); err != nil {
			return err
		}

		earned, granted := referralRewardDue(count, stored)
		stats = ReferralStats{
			Count:         count,
			RewardsEarned: earned,
			NextRewardAt:  (earned + 1) * referralBatchSize,
			Granted:       decimal.Zero,
			Balance:       balance,
		}
		if granted.IsZero() {
			return nil
		}

		newBalance := balance.Add(granted)
		if _, err := tx.Exec(ctx, `
UPDATE users SET root_balance=$1, referral_rewards_count=$2, updated_at=now()
WHERE telegram_id=$3`, newBalance.StringFixed(2), earned, telegramID); err != nil {
			return err
		}
		stats.Granted = granted
		stats.Balance = newBalance
		return nil
	})
	return stats, err
}

func (d *DB) ListReferredFriends(ctx context.Context, referralCode string) ([]ReferredFriend, error) {
	rows, err := d.Pool.Query(ctx, `
SELECT telegram_id, username FROM users WHERE referred_by=$1 ORDER BY created_at`, referralCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	friends := []ReferredFriend{}
	for rows.Next() {
		var f ReferredFriend
		if err := rows.Scan(&f.TelegramID, &f.Username); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// SetBalance overwrites the balance unconditionally. Callers serialize
// their own balance math; last write wins.
func (d *DB) SetBalance(ctx context.Context, telegramID int64, balance decimal.Decimal) error {
	tag, err := d.Pool.Exec(ctx, `
UPDATE users SET root_balance=$1, updated_at=now() WHERE telegram_id=$2`,
		balance.StringFixed(2), telegramID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPurchasedMode adds the mode to the owned set; adding an already
// owned mode is a no-op. Returns the resulting set.
func (d *DB) AddPurchasedMode(ctx context.Context, telegramID int64, mode string) ([]string, error) {
	var modes []string
	err := d.Pool.QueryRow(ctx, `
UPDATE users SET purchased_modes = CASE
	WHEN $2 = ANY(purchased_modes) THEN purchased_modes
	ELSE array_append(purchased_modes, $2)
END, updated_at=now()
WHERE telegram_id=$1
RETURNING purchased_modes`, telegramID, mode).Scan(&modes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return modes, nil
}

// ClaimAchievement appends the achievement and credits the reward in one
// transaction. A repeated claim is a conflict and leaves the balance
// untouched.
func (d *DB) ClaimAchievement(ctx context.Context, telegramID int64, achievementID string, reward decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		var claimed []string
		var balanceRaw string
		err := tx.QueryRow(ctx, `
SELECT claimed_achievements, root_balance::text FROM users WHERE telegram_id=$1 FOR UPDATE`,
			telegramID).Scan(&claimed, &balanceRaw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		for _, id := range claimed {
			if id == achievementID {
				return ErrConflict
			}
		}
		balance, err := decimal.NewFromString(balanceRaw)
		if err != nil {
			return err
		}
		newBalance = balance.Add(reward)
		_, err = tx.Exec(ctx, `
UPDATE users SET claimed_achievements = array_append(claimed_achievements, $1),
	root_balance=$2, updated_at=now()
WHERE telegram_id=$3`, achievementID, newBalance.StringFixed(2), telegramID)
		return err
	})
	return newBalance, err
}

// ApplyPurchase applies a confirmed payment effect. When chargeID is
// non-empty it doubles as an idempotency key: a replayed confirmation
// with the same charge id is a no-op.
func (d *DB) ApplyPurchase(ctx context.Context, chargeID string, telegramID int64, purchaseType, item string) error {
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		if chargeID != "" {
			tag, err := tx.Exec(ctx, `
INSERT INTO processed_payments(charge_id, telegram_id, payload)
VALUES ($1, $2, $3)
ON CONFLICT (charge_id) DO NOTHING`, chargeID, telegramID, purchaseType+"_"+item)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil // already applied
			}
		}

		switch purchaseType {
		case "mode":
			tag, err := tx.Exec(ctx, `
UPDATE users SET purchased_modes = CASE
	WHEN $2 = ANY(purchased_modes) THEN purchased_modes
	ELSE array_append(purchased_modes, $2)
END, updated_at=now()
WHERE telegram_id=$1`, telegramID, item)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrNotFound
			}
			return nil
		case "energy":
			return applyEnergyItem(ctx, tx, telegramID, item)
		default:
			return fmt.Errorf("unknown purchase type %q", purchaseType)
		}
	})
}

func applyEnergyItem(ctx context.Context, tx pgx.Tx, telegramID int64, item string) error {
	if item == "refill" {
		tag, err := tx.Exec(ctx, `
UPDATE users SET energy = energy_capacity, updated_at=now() WHERE telegram_id=$1`, telegramID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	}
	raw, ok := strings.CutPrefix(item, "capacity_")
	if !ok {
		return fmt.Errorf("unknown energy item %q", item)
	}
	delta, err := strconv.Atoi(raw)
	if err != nil || delta <= 0 {
		return fmt.Errorf("bad capacity delta %q", raw)
	}
	// Capacity raise tops the current energy up to the new maximum.
	tag, err := tx.Exec(ctx, `
UPDATE users SET energy_capacity = energy_capacity + $2, energy = energy_capacity + $2, updated_at=now()
WHERE telegram_id=$1`, telegramID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnergy overwrites current energy, clamped to [0, capacity].
func (d *DB) SetEnergy(ctx context.Context, telegramID int64, energy int) (int, error) {
	var out int
	err := d.Pool.QueryRow(ctx, `
UPDATE users SET energy = LEAST(GREATEST($2, 0), energy_capacity), updated_at=now()
WHERE telegram_id=$1
RETURNING energy`, telegramID, energy).Scan(&out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return out, nil
}

func (d *DB) IncrementAdWatch(ctx context.Context, telegramID int64, adUniqueID string) (int, error) {
	var count int
	err := d.Pool.QueryRow(ctx, `
UPDATE users SET ad_watch_count = ad_watch_count + 1,
	last_ad_unique_id = NULLIF($2, ''),
	last_ad_watch_time = now(),
	updated_at = now()
WHERE telegram_id=$1
RETURNING ad_watch_count`, telegramID, adUniqueID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

func (d *DB) MarkTrialUsed(ctx context.Context, telegramID int64) error {
	tag, err := d.Pool.Exec(ctx, `
UPDATE users SET trial_used = TRUE,
	trial_started_at = COALESCE(trial_started_at, now()),
	updated_at = now()
WHERE telegram_id=$1`, telegramID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) TopBalances(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.Pool.Query(ctx, `
SELECT telegram_id, username, root_balance::text
FROM users
WHERE root_balance > 0
ORDER BY root_balance DESC, telegram_id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []LeaderboardEntry{}
	for rows.Next() {
		var e LeaderboardEntry
		var raw string
		if err := rows.Scan(&e.TelegramID, &e.Username, &raw); err != nil {
			return nil, err
		}
		if e.Balance, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d *DB) AllTelegramIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.Pool.Query(ctx, `SELECT telegram_id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type UserStats struct {
	TotalUsers    int64           `json:"totalUsers"`
	TotalBalance  decimal.Decimal `json:"totalBalance"`
	TotalAdViews  int64           `json:"totalAdViews"`
	ReferredUsers int64           `json:"referredUsers"`
}

func (d *DB) GetUserStats(ctx context.Context) (UserStats, error) {
	var s UserStats
	var balanceRaw string
	err := d.Pool.QueryRow(ctx, `
SELECT COUNT(*),
	COALESCE(SUM(root_balance), 0)::text,
	COALESCE(SUM(ad_watch_count), 0),
	COUNT(*) FILTER (WHERE referred_by IS NOT NULL)
FROM users`).Scan(&s.TotalUsers, &balanceRaw, &s.TotalAdViews, &s.ReferredUsers)
	if err != nil {
		return s, err
	}
	s.TotalBalance, err = decimal.NewFromString(balanceRaw)
	return s, err
}
