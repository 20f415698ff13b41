package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yoshikobaru/root/internal/config"
	"github.com/yoshikobaru/root/internal/db"
	"github.com/yoshikobaru/root/internal/telegram"
	"github.com/yoshikobaru/root/internal/tgbot"
)

// Store is the persistence surface the handlers need.
type Store interface {
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*db.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*db.User, error)
	EnsureUser(ctx context.Context, telegramID int64, username, referredBy string) (*db.User, bool, error)
	ReconcileReferralRewards(ctx context.Context, telegramID int64) (db.ReferralStats, error)
	ListReferredFriends(ctx context.Context, referralCode string) ([]db.ReferredFriend, error)
	SetBalance(ctx context.Context, telegramID int64, balance decimal.Decimal) error
	AddPurchasedMode(ctx context.Context, telegramID int64, mode string) ([]string, error)
	ClaimAchievement(ctx context.Context, telegramID int64, achievementID string, reward decimal.Decimal) (decimal.Decimal, error)
	ApplyPurchase(ctx context.Context, chargeID string, telegramID int64, purchaseType, item string) error
	SetEnergy(ctx context.Context, telegramID int64, energy int) (int, error)
	IncrementAdWatch(ctx context.Context, telegramID int64, adUniqueID string) (int, error)
	MarkTrialUsed(ctx context.Context, telegramID int64) error
	TopBalances(ctx context.Context, limit int) ([]db.LeaderboardEntry, error)
	GetUserStats(ctx context.Context) (db.UserStats, error)

	HasAvailableWallet(ctx context.Context) (bool, error)
	ClaimWallet(ctx context.Context, telegramID int64) (*db.Wallet, error)
	AddWallet(ctx context.Context, address string, amount decimal.Decimal, secretPhrase string) (*db.Wallet, error)
	DeleteWallet(ctx context.Context, id int64) error
	ListWallets(ctx context.Context) ([]db.Wallet, error)
	GetWalletStats(ctx context.Context) (db.WalletStats, error)

	GetSettings(ctx context.Context) (db.Settings, error)
	SetMarqueeEnabled(ctx context.Context, enabled bool) (db.Settings, error)
}

// BotClient is the slice of the bot the handlers call out to.
type BotClient interface {
	CreateModeInvoice(ctx context.Context, telegramID int64, modeName string) (string, error)
	CreateEnergyInvoice(ctx context.Context, telegramID int64, item string) (string, error)
	Broadcast(ctx context.Context, text, buttonText, buttonURL string) (tgbot.BroadcastResult, error)
	SendMessage(chatID int64, text string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type API struct {
	Cfg     config.Config
	Store   Store
	Bot     BotClient
	Limiter RateLimiter
	Log     *zap.SugaredLogger
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.loggingMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)
		r.Use(a.rateLimitMiddleware)

		// Users
		r.Get("/get-user", a.getUser)
		r.Get("/get-root-balance", a.getRootBalance)
		r.Get("/get-referral-link", a.getReferralLink)
		r.Get("/get-referral-count", a.getReferralCount)
		r.Get("/get-referred-friends", a.getReferredFriends)
		r.Get("/get-leaderboard", a.getLeaderboard)
		r.Get("/sync-user-data", a.syncUserData)
		r.Get("/reward", a.reward)
		r.Post("/create-user", a.createUser)
		r.Post("/update-root-balance", a.updateRootBalance)
		r.Post("/claim-achievement", a.claimAchievement)
		r.Post("/update-energy", a.updateEnergy)
		r.Post("/update-trial-status", a.updateTrialStatus)
		// Purchases
		r.Get("/get-user-modes", a.getUserModes)
		r.Get("/create-mode-invoice", a.createModeInvoice)
		r.Get("/create-energy-invoice", a.createEnergyInvoice)
		r.Post("/update-user-modes", a.updateUserModes)
		r.Post("/purchase-with-ton", a.purchaseWithTon)
		// Reward pool
		r.Get("/aw", a.walletAvailability)
		r.Post("/dw", a.claimWallet)
		// Settings
		r.Get("/get-settings", a.getSettings)
		// Admin
		r.Get("/admin/get-stats", a.adminGetStats)
		r.Post("/admin/add-wallet", a.adminAddWallet)
		r.Post("/admin/delete-wallet", a.adminDeleteWallet)
		r.Post("/admin/update-marquee", a.adminUpdateMarquee)
		r.Post("/admin/broadcast", a.adminBroadcast)
	})

	// Everything else is the web app build.
	r.NotFound(a.serveStatic)
	return r
}

type ctxKey int

const authUserKey ctxKey = 1

func authUserFrom(ctx context.Context) (telegram.AuthUser, bool) {
	u, ok := ctx.Value(authUserKey).(telegram.AuthUser)
	return u, ok
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := telegram.VerifyWebAppInitData(r.Header.Get("X-Telegram-Init-Data"), a.Cfg.BotToken)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authUserKey, user)))
	})
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	limited := make(map[string]struct{}, len(a.Cfg.RateLimitedPaths))
	for _, p := range a.Cfg.RateLimitedPaths {
		limited[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := limited[r.URL.Path]; !ok {
			next.ServeHTTP(w, r)
			return
		}
		subject := clientIP(r)
		if u, ok := authUserFrom(r.Context()); ok {
			subject = strconv.FormatInt(u.ID, 10)
		}
		if !a.Limiter.Allow(r.Context(), "rl:"+r.URL.Path+":"+subject) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		a.Log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func readJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// telegramIDParam reads an int64 id from the named query parameter.
func telegramIDParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
