package api

import (
	"net/http"
)

// walletAvailability answers the availability probe without leaking
// anything about the pool itself.
func (a *API) walletAvailability(w http.ResponseWriter, r *http.Request) {
	available, err := a.Store.HasAvailableWallet(r.Context())
	if err != nil {
		a.respondStoreError(w, err, "wallet availability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available})
}

type claimWalletRequest struct {
	TelegramID int64 `json:"telegramId"`
}

func (a *API) claimWallet(w http.ResponseWriter, r *http.Request) {
	var req claimWalletRequest
	if err := readJSON(r, &req); err != nil || req.TelegramID == 0 {
		writeError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	wallet, err := a.Store.ClaimWallet(r.Context(), req.TelegramID)
	if err != nil {
		a.respondStoreError(w, err, "claim wallet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      wallet.Address,
		"amount":       wallet.Amount,
		"secretPhrase": wallet.SecretPhrase,
	})
}
