package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yoshikobaru/root/internal/config"
	"github.com/yoshikobaru/root/internal/db"
	"github.com/yoshikobaru/root/internal/tgbot"
)

// mockStore is an in-memory Store for handler tests.
type mockStore struct {
	users    map[int64]*db.User
	wallets  []db.Wallet
	settings db.Settings

	referralStats db.ReferralStats
	failWith      error

	purchases []string // "<chargeId>|<telegramId>|<type>|<item>"
}

func newMockStore() *mockStore {
	return &mockStore{
		users:    map[int64]*db.User{},
		settings: db.Settings{MarqueeEnabled: true},
	}
}

func (m *mockStore) addUser(u db.User) *db.User {
	if u.ReferralCode == "" {
		u.ReferralCode = fmt.Sprintf("code%d", u.TelegramID)
	}
	m.users[u.TelegramID] = &u
	return &u
}

func (m *mockStore) GetUserByTelegramID(_ context.Context, id int64) (*db.User, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (m *mockStore) GetUserByReferralCode(_ context.Context, code string) (*db.User, error) {
	for _, u := range m.users {
		if u.ReferralCode == code {
			return u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockStore) EnsureUser(_ context.Context, id int64, username, referredBy string) (*db.User, bool, error) {
	if u, ok := m.users[id]; ok {
		if username != "" {
			u.Username = username
		}
		return u, false, nil
	}
	u := &db.User{
		TelegramID:     id,
		Username:       username,
		ReferralCode:   fmt.Sprintf("code%d", id),
		Energy:         100,
		EnergyCapacity: 100,
	}
	if referredBy != "" {
		if ref, err := m.GetUserByReferralCode(context.Background(), referredBy); err == nil && ref.TelegramID != id {
			u.ReferredBy = &referredBy
		}
	}
	m.users[id] = u
	return u, true, nil
}

func (m *mockStore) ReconcileReferralRewards(_ context.Context, id int64) (db.ReferralStats, error) {
	if _, ok := m.users[id]; !ok {
		return db.ReferralStats{}, db.ErrNotFound
	}
	return m.referralStats, nil
}

func (m *mockStore) ListReferredFriends(_ context.Context, code string) ([]db.ReferredFriend, error) {
	friends := []db.ReferredFriend{}
	for _, u := range m.users {
		if u.ReferredBy != nil && *u.ReferredBy == code {
			friends = append(friends, db.ReferredFriend{TelegramID: u.TelegramID, Username: u.Username})
		}
	}
	return friends, nil
}

func (m *mockStore) SetBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	u, ok := m.users[id]
	if !ok {
		return db.ErrNotFound
	}
	u.RootBalance = balance
	return nil
}

func (m *mockStore) AddPurchasedMode(_ context.Context, id int64, mode string) ([]string, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	for _, owned := range u.PurchasedModes {
		if owned == mode {
			return u.PurchasedModes, nil
		}
	}
	u.PurchasedModes = append(u.PurchasedModes, mode)
	return u.PurchasedModes, nil
}

func (m *mockStore) ClaimAchievement(_ context.Context, id int64, achievementID string, reward decimal.Decimal) (decimal.Decimal, error) {
	u, ok := m.users[id]
	if !ok {
		return decimal.Zero, db.ErrNotFound
	}
	for _, claimed := range u.ClaimedAchievements {
		if claimed == achievementID {
			return decimal.Zero, db.ErrConflict
		}
	}
	u.ClaimedAchievements = append(u.ClaimedAchievements, achievementID)
	u.RootBalance = u.RootBalance.Add(reward)
	return u.RootBalance, nil
}

func (m *mockStore) ApplyPurchase(_ context.Context, chargeID string, id int64, purchaseType, item string) error {
	if _, ok := m.users[id]; !ok {
		return db.ErrNotFound
	}
	m.purchases = append(m.purchases, fmt.Sprintf("%s|%d|%s|%s", chargeID, id, purchaseType, item))
	return nil
}

func (m *mockStore) SetEnergy(_ context.Context, id int64, energy int) (int, error) {
	u, ok := m.users[id]
	if !ok {
		return 0, db.ErrNotFound
	}
	if energy < 0 {
		energy = 0
	}
	if energy > u.EnergyCapacity {
		energy = u.EnergyCapacity
	}
	u.Energy = energy
	return energy, nil
}

func (m *mockStore) IncrementAdWatch(_ context.Context, id int64, _ string) (int, error) {
	u, ok := m.users[id]
	if !ok {
		return 0, db.ErrNotFound
	}
	u.AdWatchCount++
	return u.AdWatchCount, nil
}

func (m *mockStore) MarkTrialUsed(_ context.Context, id int64) error {
	u, ok := m.users[id]
	if !ok {
		return db.ErrNotFound
	}
	u.TrialUsed = true
	return nil
}

func (m *mockStore) TopBalances(_ context.Context, limit int) ([]db.LeaderboardEntry, error) {
	entries := []db.LeaderboardEntry{}
	for _, u := range m.users {
		if u.RootBalance.IsPositive() {
			entries = append(entries, db.LeaderboardEntry{
				TelegramID: u.TelegramID, Username: u.Username, Balance: u.RootBalance,
			})
		}
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (m *mockStore) GetUserStats(_ context.Context) (db.UserStats, error) {
	return db.UserStats{TotalUsers: int64(len(m.users))}, nil
}

func (m *mockStore) HasAvailableWallet(_ context.Context) (bool, error) {
	for _, w := range m.wallets {
		if w.Status == "available" {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) ClaimWallet(_ context.Context, id int64) (*db.Wallet, error) {
	now := time.Now()
	for i := range m.wallets {
		if m.wallets[i].Status == "available" {
			m.wallets[i].Status = "claimed"
			m.wallets[i].ClaimedBy = &id
			m.wallets[i].ClaimedAt = &now
			return &m.wallets[i], nil
		}
	}
	return nil, db.ErrNoWallets
}

func (m *mockStore) AddWallet(_ context.Context, address string, amount decimal.Decimal, secret string) (*db.Wallet, error) {
	w := db.Wallet{ID: int64(len(m.wallets) + 1), Address: address, Amount: amount, Status: "available"}
	if secret != "" {
		w.SecretPhrase = &secret
	}
	m.wallets = append(m.wallets, w)
	return &w, nil
}

func (m *mockStore) DeleteWallet(_ context.Context, id int64) error {
	for i, w := range m.wallets {
		if w.ID == id {
			m.wallets = append(m.wallets[:i], m.wallets[i+1:]...)
			return nil
		}
	}
	return db.ErrNotFound
}

func (m *mockStore) ListWallets(_ context.Context) ([]db.Wallet, error) {
	return m.wallets, nil
}

func (m *mockStore) GetWalletStats(_ context.Context) (db.WalletStats, error) {
	var s db.WalletStats
	for _, w := range m.wallets {
		s.Total++
		if w.Status == "available" {
			s.Available++
		} else {
			s.Claimed++
		}
	}
	return s, nil
}

func (m *mockStore) GetSettings(_ context.Context) (db.Settings, error) {
	return m.settings, nil
}

func (m *mockStore) SetMarqueeEnabled(_ context.Context, enabled bool) (db.Settings, error) {
	m.settings.MarqueeEnabled = enabled
	return m.settings, nil
}

// mockBot records outbound bot calls.
type mockBot struct {
	sent        []string
	invoiceErr  error
	broadcasted []string
}

func (b *mockBot) CreateModeInvoice(_ context.Context, id int64, mode string) (string, error) {
	if b.invoiceErr != nil {
		return "", b.invoiceErr
	}
	return fmt.Sprintf("https://t.me/invoice/mode_%d_%s", id, mode), nil
}

func (b *mockBot) CreateEnergyInvoice(_ context.Context, id int64, item string) (string, error) {
	if b.invoiceErr != nil {
		return "", b.invoiceErr
	}
	return fmt.Sprintf("https://t.me/invoice/energy_%d_%s", id, item), nil
}

func (b *mockBot) Broadcast(_ context.Context, text, _, _ string) (tgbot.BroadcastResult, error) {
	b.broadcasted = append(b.broadcasted, text)
	return tgbot.BroadcastResult{Total: 2, Success: 2}, nil
}

func (b *mockBot) SendMessage(chatID int64, text string) error {
	b.sent = append(b.sent, fmt.Sprintf("%d:%s", chatID, text))
	return nil
}

// stubLimiter answers a fixed verdict.
type stubLimiter struct{ allow bool }

func (s stubLimiter) Allow(context.Context, string) bool { return s.allow }

var errBoom = errors.New("boom")

const (
	testBotToken = "12345:TEST_TOKEN"
	testAdminID  = int64(777)
)

func newTestAPI(store Store, bot BotClient) *API {
	return &API{
		Cfg: config.Config{
			BotToken:         testBotToken,
			BotUsername:      "RootBTC_bot",
			AdminID:          testAdminID,
			RateLimitedPaths: []string{"/update-root-balance", "/reward"},
		},
		Store: store,
		Bot:   bot,
		Log:   zap.NewNop().Sugar(),
	}
}
