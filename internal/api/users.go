package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/yoshikobaru/root/internal/db"
)

var maxAchievementReward = decimal.NewFromInt(100)

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	if !ok {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	user, err := a.Store.GetUserByTelegramID(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "get user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) getRootBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	if !ok {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	user, err := a.Store.GetUserByTelegramID(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "get balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rootBalance": user.RootBalance})
}

func (a *API) getReferralLink(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	if !ok {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	user, err := a.Store.GetUserByTelegramID(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "get referral link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"referralCode": user.ReferralCode,
		"referralLink": fmt.Sprintf("https://t.me/%s?start=%s", a.Cfg.BotUsername, user.ReferralCode),
	})
}

func (a *API) getReferralCount(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	if !ok {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	stats, err := a.Store.ReconcileReferralRewards(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "referral count")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         stats.Count,
		"rewardsEarned": stats.RewardsEarned,
		"nextRewardAt":  stats.NextRewardAt,
		"rootBalance":   stats.Balance,
	})
}

func (a *API) getReferredFriends(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	if !ok {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	user, err := a.Store.GetUserByTelegramID(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "referred friends")
		return
	}
	friends, err := a.Store.ListReferredFriends(r.Context(), user.ReferralCode)
	if err != nil {
		a.respondStoreError(w, err, "referred friends")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"friends": friends})
}

func (a *API) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, _ := telegramIDParam(r, "telegramId")
	entries, err := a.Store.TopBalances(r.Context(), 50)
	if err != nil {
		a.respondStoreError(w, err, "leaderboard")
		return
	}
	if id != 0 {
		found := false
		for _, e := range entries {
			if e.TelegramID == id {
				found = true
				break
			}
		}
		if !found {
			if user, err := a.Store.GetUserByTelegramID(r.Context(), id); err == nil {
				entries = append(entries, db.LeaderboardEntry{
					TelegramID: user.TelegramID,
					Username:   user.Username,
					Balance:    user.RootBalance,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

// syncUserData is the web app's first call: get-or-create from the
// verified init-data identity.
func (a *API) syncUserData(w http.ResponseWriter, r *http.Request) {
	auth, ok := authUserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	referredBy := r.URL.Query().Get("referredBy")
	user, created, err := a.Store.EnsureUser(r.Context(), auth.ID, auth.DisplayName(), referredBy)
	if err != nil {
		a.respondStoreError(w, err, "sync user")
		return
	}
	if created && user.ReferredBy != nil {
		a.notifyReferrer(r.Context(), *user.ReferredBy, user.Username)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isNewUser":   created,
		"rootBalance": user.RootBalance,
	})
}

type createUserRequest struct {
	TelegramID int64  `json:"telegramId"`
	Username   string `json:"username"`
	ReferredBy string `json:"referredBy"`
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	if req.Username == "" {
		req.Username = fmt.Sprintf("user_%d", req.TelegramID)
	}
	user, created, err := a.Store.EnsureUser(r.Context(), req.TelegramID, req.Username, req.ReferredBy)
	if err != nil {
		a.respondStoreError(w, err, "create user")
		return
	}
	if created && user.ReferredBy != nil {
		a.notifyReferrer(r.Context(), *user.ReferredBy, user.Username)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isNewUser": created,
		"user":      user,
	})
}

// notifyReferrer tells the code owner about the signup and settles any
// referral reward that became due.
func (a *API) notifyReferrer(ctx context.Context, referralCode, newUsername string) {
	referrer, err := a.Store.GetUserByReferralCode(ctx, referralCode)
	if err != nil {
		return
	}
	if a.Bot != nil {
		if err := a.Bot.SendMessage(referrer.TelegramID, fmt.Sprintf("@%s joined with your invite link.", newUsername)); err != nil {
			a.Log.Debugw("referrer notify failed", "telegramId", referrer.TelegramID, "err", err)
		}
	}
	// The reward settles even when the bot is down; only the message is lost.
	stats, err := a.Store.ReconcileReferralRewards(ctx, referrer.TelegramID)
	if err != nil {
		a.Log.Warnw("referral reconcile failed", "telegramId", referrer.TelegramID, "err", err)
		return
	}
	if a.Bot != nil && stats.Granted.IsPositive() {
		_ = a.Bot.SendMessage(referrer.TelegramID,
			fmt.Sprintf("Referral reward: +%s ROOT credited to your balance.", stats.Granted.StringFixed(2)))
	}
}

type updateBalanceRequest struct {
	TelegramID  int64           `json:"telegramId"`
	RootBalance decimal.Decimal `json:"rootBalance"`
}

func (a *API) updateRootBalance(w http.ResponseWriter, r *http.Request) {
	var req updateBalanceRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 {
		writeError(w, http.StatusBadRequest, "telegramId and rootBalance are required")
		return
	}
	if req.RootBalance.IsNegative() {
		writeError(w, http.StatusBadRequest, "rootBalance cannot be negative")
		return
	}
	if err := a.Store.SetBalance(r.Context(), req.TelegramID, req.RootBalance); err != nil {
		a.respondStoreError(w, err, "update balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rootBalance": req.RootBalance})
}

type claimAchievementRequest struct {
	TelegramID    int64           `json:"telegramId"`
	AchievementID string          `json:"achievementId"`
	RewardAmount  decimal.Decimal `json:"rewardAmount"`
}

func (a *API) claimAchievement(w http.ResponseWriter, r *http.Request) {
	var req claimAchievementRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 || req.AchievementID == "" {
		writeError(w, http.StatusBadRequest, "telegramId and achievementId are required")
		return
	}
	if !req.RewardAmount.IsPositive() || req.RewardAmount.GreaterThan(maxAchievementReward) {
		writeError(w, http.StatusBadRequest, "invalid reward amount")
		return
	}
	balance, err := a.Store.ClaimAchievement(r.Context(), req.TelegramID, req.AchievementID, req.RewardAmount)
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			writeError(w, http.StatusBadRequest, "achievement already claimed")
			return
		}
		a.respondStoreError(w, err, "claim achievement")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rootBalance": balance})
}

type updateEnergyRequest struct {
	TelegramID int64 `json:"telegramId"`
	Energy     int   `json:"energy"`
}

func (a *API) updateEnergy(w http.ResponseWriter, r *http.Request) {
	var req updateEnergyRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 {
		writeError(w, http.StatusBadRequest, "telegramId and energy are required")
		return
	}
	energy, err := a.Store.SetEnergy(r.Context(), req.TelegramID, req.Energy)
	if err != nil {
		a.respondStoreError(w, err, "update energy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"energy": energy})
}

type updateTrialRequest struct {
	TelegramID int64 `json:"telegramId"`
}

func (a *API) updateTrialStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTrialRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	if err := a.Store.MarkTrialUsed(r.Context(), req.TelegramID); err != nil {
		a.respondStoreError(w, err, "update trial")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trialUsed": true})
}

// reward counts one rewarded ad view.
func (a *API) reward(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "userid")
	if !ok {
		writeError(w, http.StatusBadRequest, "userid is required")
		return
	}
	count, err := a.Store.IncrementAdWatch(r.Context(), id, r.URL.Query().Get("adUniqueId"))
	if err != nil {
		a.respondStoreError(w, err, "reward")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adWatchCount": count})
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.Store.GetSettings(r.Context())
	if err != nil {
		a.respondStoreError(w, err, "get settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// respondStoreError maps store errors onto the wire, logging the detail
// and keeping the client message generic.
func (a *API) respondStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrNoWallets):
		writeError(w, http.StatusNotFound, "no wallets available")
	default:
		a.Log.Errorw(op, "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
	}
}
