package tgbot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/yoshikobaru/root/internal/config"
	"github.com/yoshikobaru/root/internal/db"
)

// Star prices per game mode.
var ModePrices = map[string]int{
	"basic":    100,
	"advanced": 250,
	"expert":   500,
}

// Star prices per energy item.
var EnergyPrices = map[string]int{
	"refill":       50,
	"capacity_25":  75,
	"capacity_50":  125,
	"capacity_100": 200,
}

const broadcastPause = 50 * time.Millisecond

// store is the slice of the database the bot touches.
type store interface {
	EnsureUser(ctx context.Context, telegramID int64, username, referredBy string) (*db.User, bool, error)
	GetUserByReferralCode(ctx context.Context, code string) (*db.User, error)
	ReconcileReferralRewards(ctx context.Context, telegramID int64) (db.ReferralStats, error)
	ApplyPurchase(ctx context.Context, chargeID string, telegramID int64, purchaseType, item string) error
	AllTelegramIDs(ctx context.Context) ([]int64, error)
}

type Bot struct {
	api  *tgbotapi.BotAPI
	send func(c tgbotapi.Chattable) (tgbotapi.Message, error)
	cfg  config.Config
	db   store
	log  *zap.SugaredLogger

	mu      sync.Mutex
	blocked map[int64]bool
}

func New(cfg config.Config, database *db.DB, log *zap.SugaredLogger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Bot{
		api:     api,
		send:    api.Send,
		cfg:     cfg,
		db:      database,
		log:     log,
		blocked: make(map[int64]bool),
	}, nil
}

func (b *Bot) Username() string { return b.api.Self.UserName }

// StartPolling consumes bot updates until ctx is cancelled. Run it in
// its own goroutine.
func (b *Bot) StartPolling(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "pre_checkout_query"}

	updates := b.api.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.answerPreCheckout(update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil && update.Message.IsCommand() && update.Message.Command() == "start":
		b.handleStart(ctx, update.Message)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	from := msg.From
	if from == nil {
		return
	}
	username := from.UserName
	if username == "" {
		username = fmt.Sprintf("user_%d", from.ID)
	}
	refCode := strings.TrimSpace(msg.CommandArguments())

	user, created, err := b.db.EnsureUser(ctx, from.ID, username, refCode)
	if err != nil {
		b.log.Errorw("start: ensure user", "telegramId", from.ID, "err", err)
		return
	}
	if created && user.ReferredBy != nil {
		b.notifyReferrer(ctx, *user.ReferredBy, username)
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID,
		"Welcome to $_root@btc! Find abandoned Bitcoin wallets and claim what's inside.")
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Open the terminal", b.cfg.WebappURL),
		),
	)
	if _, err := b.send(reply); err != nil {
		b.log.Warnw("start: send welcome", "chatId", msg.Chat.ID, "err", err)
	}
}

// notifyReferrer tells the code owner about the signup and settles any
// referral reward that became due.
func (b *Bot) notifyReferrer(ctx context.Context, referralCode, newUsername string) {
	referrer, err := b.db.GetUserByReferralCode(ctx, referralCode)
	if err != nil {
		return
	}
	b.SendMessage(referrer.TelegramID,
		fmt.Sprintf("@%s joined with your invite link.", newUsername))
	stats, err := b.db.ReconcileReferralRewards(ctx, referrer.TelegramID)
	if err != nil {
		b.log.Warnw("referral reconcile", "telegramId", referrer.TelegramID, "err", err)
		return
	}
	if stats.Granted.IsPositive() {
		b.SendMessage(referrer.TelegramID,
			fmt.Sprintf("Referral reward: +%s ROOT credited to your balance.", stats.Granted.StringFixed(2)))
	}
}

func (b *Bot) answerPreCheckout(q *tgbotapi.PreCheckoutQuery) {
	_, err := b.api.Request(tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 true,
	})
	if err != nil {
		b.log.Errorw("answer pre-checkout", "queryId", q.ID, "err", err)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	pay := msg.SuccessfulPayment
	purchaseType, telegramID, item, err := ParsePayload(pay.InvoicePayload)
	if err != nil {
		b.log.Errorw("payment: bad payload", "payload", pay.InvoicePayload, "err", err)
		return
	}
	if err := b.db.ApplyPurchase(ctx, pay.TelegramPaymentChargeID, telegramID, purchaseType, item); err != nil {
		b.log.Errorw("payment: apply", "chargeId", pay.TelegramPaymentChargeID,
			"telegramId", telegramID, "type", purchaseType, "item", item, "err", err)
		return
	}
	b.log.Infow("payment applied", "telegramId", telegramID, "type", purchaseType,
		"item", item, "amount", pay.TotalAmount, "currency", pay.Currency)
	b.SendMessage(msg.Chat.ID, "Payment received. Your purchase is active.")
}

// CreateModeInvoice returns an invoice link charging Stars for a game mode.
func (b *Bot) CreateModeInvoice(ctx context.Context, telegramID int64, modeName string) (string, error) {
	price, ok := ModePrices[modeName]
	if !ok {
		return "", fmt.Errorf("unknown mode %q", modeName)
	}
	return b.createInvoiceLink(
		fmt.Sprintf("%s mode", titleCase(modeName)),
		fmt.Sprintf("Unlock the %s search mode", modeName),
		EncodePayload("mode", telegramID, modeName),
		price,
	)
}

// CreateEnergyInvoice returns an invoice link for an energy item
// ("refill" or "capacity_<n>").
func (b *Bot) CreateEnergyInvoice(ctx context.Context, telegramID int64, item string) (string, error) {
	price, ok := EnergyPrices[item]
	if !ok {
		return "", fmt.Errorf("unknown energy item %q", item)
	}
	title := "Energy refill"
	desc := "Restore energy to full capacity"
	if n, found := strings.CutPrefix(item, "capacity_"); found {
		title = "Energy capacity +" + n
		desc = "Raise maximum energy by " + n
	}
	return b.createInvoiceLink(title, desc, EncodePayload("energy", telegramID, item), price)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// createInvoiceLink calls the raw Bot API method: the typed client has
// no wrapper for it. Currency XTR carries no provider token.
func (b *Bot) createInvoiceLink(title, description, payload string, amount int) (string, error) {
	prices, err := json.Marshal([]tgbotapi.LabeledPrice{{Label: title, Amount: amount}})
	if err != nil {
		return "", err
	}
	params := tgbotapi.Params{
		"title":       title,
		"description": description,
		"payload":     payload,
		"currency":    "XTR",
		"prices":      string(prices),
	}
	resp, err := b.api.MakeRequest("createInvoiceLink", params)
	if err != nil {
		return "", fmt.Errorf("createInvoiceLink: %w", err)
	}
	var link string
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("createInvoiceLink result: %w", err)
	}
	return link, nil
}

// SendMessage delivers a plain text message, remembering recipients who
// blocked the bot so broadcasts can skip them.
func (b *Bot) SendMessage(chatID int64, text string) error {
	_, err := b.send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		if strings.Contains(err.Error(), "blocked") || strings.Contains(err.Error(), "deactivated") {
			b.mu.Lock()
			b.blocked[chatID] = true
			b.mu.Unlock()
		}
		return err
	}
	return nil
}

type BroadcastResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Broadcast sends text to every known user, optionally with a single URL
// button. Delivery failures are tallied per recipient and never abort
// the run.
func (b *Bot) Broadcast(ctx context.Context, text, buttonText, buttonURL string) (BroadcastResult, error) {
	ids, err := b.db.AllTelegramIDs(ctx)
	if err != nil {
		return BroadcastResult{}, err
	}

	res := BroadcastResult{Total: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		b.mu.Lock()
		skip := b.blocked[id]
		b.mu.Unlock()
		if skip {
			res.Failed++
			continue
		}

		msg := tgbotapi.NewMessage(id, text)
		if buttonText != "" && buttonURL != "" {
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(
					tgbotapi.NewInlineKeyboardButtonURL(buttonText, buttonURL),
				),
			)
		}
		if _, err := b.send(msg); err != nil {
			res.Failed++
			if strings.Contains(err.Error(), "blocked") || strings.Contains(err.Error(), "deactivated") {
				b.mu.Lock()
				b.blocked[id] = true
				b.mu.Unlock()
			}
		} else {
			res.Success++
		}
		time.Sleep(broadcastPause)
	}
	return res, nil
}
