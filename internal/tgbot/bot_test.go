package tgbot

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yoshikobaru/root/internal/db"
)

type fakeStore struct {
	ids       []int64
	purchases []string
	referrer  *db.User
	stats     db.ReferralStats
}

func (f *fakeStore) EnsureUser(context.Context, int64, string, string) (*db.User, bool, error) {
	return nil, false, errors.New("not used")
}

func (f *fakeStore) GetUserByReferralCode(_ context.Context, code string) (*db.User, error) {
	if f.referrer != nil && f.referrer.ReferralCode == code {
		return f.referrer, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ReconcileReferralRewards(context.Context, int64) (db.ReferralStats, error) {
	return f.stats, nil
}

func (f *fakeStore) ApplyPurchase(_ context.Context, chargeID string, _ int64, purchaseType, item string) error {
	f.purchases = append(f.purchases, chargeID+"|"+purchaseType+"|"+item)
	return nil
}

func (f *fakeStore) AllTelegramIDs(context.Context) ([]int64, error) {
	return f.ids, nil
}

func newTestBot(st store, send func(tgbotapi.Chattable) (tgbotapi.Message, error)) *Bot {
	return &Bot{
		send:    send,
		db:      st,
		log:     zap.NewNop().Sugar(),
		blocked: make(map[int64]bool),
	}
}

func TestBroadcastTalliesFailures(t *testing.T) {
	st := &fakeStore{ids: []int64{1, 2, 3}}
	b := newTestBot(st, func(c tgbotapi.Chattable) (tgbotapi.Message, error) {
		msg := c.(tgbotapi.MessageConfig)
		if msg.ChatID == 2 {
			return tgbotapi.Message{}, errors.New("Forbidden: bot was blocked by the user")
		}
		return tgbotapi.Message{}, nil
	})

	res, err := b.Broadcast(context.Background(), "hello", "", "")
	require.NoError(t, err)
	assert.Equal(t, BroadcastResult{Total: 3, Success: 2, Failed: 1}, res)

	// The blocked recipient is skipped next time, not retried.
	res, err = b.Broadcast(context.Background(), "again", "", "")
	require.NoError(t, err)
	assert.Equal(t, BroadcastResult{Total: 3, Success: 2, Failed: 1}, res)
}

func TestBroadcastAttachesButton(t *testing.T) {
	st := &fakeStore{ids: []int64{1}}
	var got tgbotapi.MessageConfig
	b := newTestBot(st, func(c tgbotapi.Chattable) (tgbotapi.Message, error) {
		got = c.(tgbotapi.MessageConfig)
		return tgbotapi.Message{}, nil
	})

	_, err := b.Broadcast(context.Background(), "new update", "Open", "https://example.com")
	require.NoError(t, err)

	markup, ok := got.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	require.Len(t, markup.InlineKeyboard[0], 1)
	assert.Equal(t, "Open", markup.InlineKeyboard[0][0].Text)
}

func TestNotifyReferrerSendsRewardMessage(t *testing.T) {
	st := &fakeStore{
		referrer: &db.User{TelegramID: 42, ReferralCode: "ab12cd34"},
		stats:    db.ReferralStats{Count: 3, RewardsEarned: 1, Granted: decimal.RequireFromString("0.5")},
	}
	var sent []string
	b := newTestBot(st, func(c tgbotapi.Chattable) (tgbotapi.Message, error) {
		sent = append(sent, c.(tgbotapi.MessageConfig).Text)
		return tgbotapi.Message{}, nil
	})

	b.notifyReferrer(context.Background(), "ab12cd34", "bob")

	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "@bob joined")
	assert.Contains(t, sent[1], "+0.50 ROOT")
}

func TestNotifyReferrerSkipsRewardWhenNothingDue(t *testing.T) {
	st := &fakeStore{
		referrer: &db.User{TelegramID: 42, ReferralCode: "ab12cd34"},
		stats:    db.ReferralStats{Count: 2},
	}
	var sent []string
	b := newTestBot(st, func(c tgbotapi.Chattable) (tgbotapi.Message, error) {
		sent = append(sent, c.(tgbotapi.MessageConfig).Text)
		return tgbotapi.Message{}, nil
	})

	b.notifyReferrer(context.Background(), "ab12cd34", "carol")

	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "@carol joined")
}

func TestSuccessfulPaymentAppliesPurchase(t *testing.T) {
	st := &fakeStore{}
	b := newTestBot(st, func(tgbotapi.Chattable) (tgbotapi.Message, error) {
		return tgbotapi.Message{}, nil
	})

	b.handleSuccessfulPayment(context.Background(), &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 42},
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{
			InvoicePayload:          "energy_42_capacity_50",
			TelegramPaymentChargeID: "charge123",
			Currency:                "XTR",
			TotalAmount:             125,
		},
	})

	require.Len(t, st.purchases, 1)
	assert.Equal(t, "charge123|energy|capacity_50", st.purchases[0])
}

func TestSuccessfulPaymentIgnoresBadPayload(t *testing.T) {
	st := &fakeStore{}
	b := newTestBot(st, func(tgbotapi.Chattable) (tgbotapi.Message, error) {
		return tgbotapi.Message{}, nil
	})

	b.handleSuccessfulPayment(context.Background(), &tgbotapi.Message{
		Chat:              &tgbotapi.Chat{ID: 42},
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{InvoicePayload: "garbage"},
	})
	assert.Empty(t, st.purchases)
}
