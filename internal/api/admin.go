package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// requireAdmin gates admin handlers on the verified caller identity.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	auth, ok := authUserFrom(r.Context())
	if !ok || a.Cfg.AdminID == 0 || auth.ID != a.Cfg.AdminID {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (a *API) adminGetStats(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch strings.TrimSpace(r.URL.Query().Get("type")) {
	case "wallets":
		stats, err := a.Store.GetWalletStats(r.Context())
		if err != nil {
			a.respondStoreError(w, err, "wallet stats")
			return
		}
		wallets, err := a.Store.ListWallets(r.Context())
		if err != nil {
			a.respondStoreError(w, err, "wallet stats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "wallets": wallets})
	case "users", "":
		stats, err := a.Store.GetUserStats(r.Context())
		if err != nil {
			a.respondStoreError(w, err, "user stats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
	default:
		writeError(w, http.StatusBadRequest, "unknown stats type")
	}
}

type addWalletRequest struct {
	Address      string          `json:"address"`
	Amount       decimal.Decimal `json:"amount"`
	SecretPhrase string          `json:"secretPhrase"`
}

func (a *API) adminAddWallet(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req addWalletRequest
	if err := readJSON(r, &req); err != nil || strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	wallet, err := a.Store.AddWallet(r.Context(), strings.TrimSpace(req.Address), req.Amount, req.SecretPhrase)
	if err != nil {
		a.respondStoreError(w, err, "add wallet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet})
}

type deleteWalletRequest struct {
	ID int64 `json:"id"`
}

func (a *API) adminDeleteWallet(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req deleteWalletRequest
	if err := readJSON(r, &req); err != nil || req.ID == 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := a.Store.DeleteWallet(r.Context(), req.ID); err != nil {
		a.respondStoreError(w, err, "delete wallet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type updateMarqueeRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) adminUpdateMarquee(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req updateMarqueeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	settings, err := a.Store.SetMarqueeEnabled(r.Context(), req.Enabled)
	if err != nil {
		a.respondStoreError(w, err, "update marquee")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type broadcastRequest struct {
	Message    string `json:"message"`
	ButtonText string `json:"buttonText"`
	ButtonURL  string `json:"buttonUrl"`
}

func (a *API) adminBroadcast(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req broadcastRequest
	if err := readJSON(r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if a.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "bot unavailable")
		return
	}
	result, err := a.Bot.Broadcast(r.Context(), req.Message, req.ButtonText, req.ButtonURL)
	if err != nil {
		a.Log.Errorw("broadcast", "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
