package api

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/yoshikobaru/root/internal/tgbot"
)

// Items sellable over the TON rail. Mirrors the Stars price tables.
var tonItemPattern = regexp.MustCompile(`^(basic|advanced|expert|refill|capacity_(25|50|100))$`)

func (a *API) getUserModes(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	if !ok {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	user, err := a.Store.GetUserByTelegramID(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "get modes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchasedModes": user.PurchasedModes})
}

func (a *API) createModeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	modeName := r.URL.Query().Get("modeName")
	if !ok || modeName == "" {
		writeError(w, http.StatusBadRequest, "telegramId and modeName are required")
		return
	}
	if _, known := tgbot.ModePrices[modeName]; !known {
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}
	user, err := a.Store.GetUserByTelegramID(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err, "mode invoice")
		return
	}
	for _, owned := range user.PurchasedModes {
		if owned == modeName {
			writeError(w, http.StatusBadRequest, "mode already purchased")
			return
		}
	}
	if a.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "bot unavailable")
		return
	}
	link, err := a.Bot.CreateModeInvoice(r.Context(), id, modeName)
	if err != nil {
		a.Log.Errorw("mode invoice", "telegramId", id, "mode", modeName, "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoiceLink": link})
}

func (a *API) createEnergyInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(r, "telegramId")
	item := r.URL.Query().Get("item")
	if !ok || item == "" {
		writeError(w, http.StatusBadRequest, "telegramId and item are required")
		return
	}
	if _, known := tgbot.EnergyPrices[item]; !known {
		writeError(w, http.StatusBadRequest, "unknown item")
		return
	}
	if a.Bot == nil {
		writeError(w, http.StatusServiceUnavailable, "bot unavailable")
		return
	}
	link, err := a.Bot.CreateEnergyInvoice(r.Context(), id, item)
	if err != nil {
		a.Log.Errorw("energy invoice", "telegramId", id, "item", item, "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoiceLink": link})
}

type updateModesRequest struct {
	TelegramID int64  `json:"telegramId"`
	Mode       string `json:"mode"`
}

func (a *API) updateUserModes(w http.ResponseWriter, r *http.Request) {
	var req updateModesRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 || req.Mode == "" {
		writeError(w, http.StatusBadRequest, "telegramId and mode are required")
		return
	}
	modes, err := a.Store.AddPurchasedMode(r.Context(), req.TelegramID, req.Mode)
	if err != nil {
		a.respondStoreError(w, err, "update modes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchasedModes": modes})
}

type tonPurchaseRequest struct {
	TelegramID int64  `json:"telegramId"`
	Item       string `json:"item"`
	TxID       string `json:"txId"`
}

// purchaseWithTon applies an item the caller says was paid on-chain. The
// item shape is validated; the payment itself is trusted. txId, when
// supplied, deduplicates replays.
func (a *API) purchaseWithTon(w http.ResponseWriter, r *http.Request) {
	var req tonPurchaseRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 || req.Item == "" {
		writeError(w, http.StatusBadRequest, "telegramId and item are required")
		return
	}
	if !tonItemPattern.MatchString(req.Item) {
		writeError(w, http.StatusBadRequest, "invalid item")
		return
	}
	purchaseType := "energy"
	if _, isMode := tgbot.ModePrices[req.Item]; isMode {
		purchaseType = "mode"
	}
	chargeID := ""
	if s := strings.TrimSpace(req.TxID); s != "" {
		chargeID = "ton_" + s
	}
	if err := a.Store.ApplyPurchase(r.Context(), chargeID, req.TelegramID, purchaseType, req.Item); err != nil {
		a.respondStoreError(w, err, "ton purchase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
