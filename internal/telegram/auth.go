package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// AuthUser is the user object carried inside Telegram WebApp init data.
type AuthUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName prefers the handle and falls back to a synthetic name so a
// user row never ends up with an empty username.
func (u AuthUser) DisplayName() string {
	if strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	if strings.TrimSpace(u.FirstName) != "" {
		return u.FirstName
	}
	return fmt.Sprintf("user_%d", u.ID)
}

// VerifyWebAppInitData validates a raw initData query string against the
// bot token per the WebApp signing scheme and extracts the user. Returns
// (user, ok); any parse or signature failure yields ok=false.
func VerifyWebAppInitData(initData, botToken string) (AuthUser, bool) {
	initData = strings.TrimSpace(initData)
	if initData == "" || botToken == "" {
		return AuthUser{}, false
	}

	vals, err := url.ParseQuery(initData)
	if err != nil {
		return AuthUser{}, false
	}
	providedHash := vals.Get("hash")
	if providedHash == "" {
		return AuthUser{}, false
	}
	vals.Del("hash")

	expected := signInitData(vals, botToken)
	if !hmac.Equal([]byte(expected), []byte(providedHash)) {
		return AuthUser{}, false
	}

	var user AuthUser
	if err := json.Unmarshal([]byte(vals.Get("user")), &user); err != nil {
		return AuthUser{}, false
	}
	if user.ID == 0 {
		return AuthUser{}, false
	}
	return user, true
}

// signInitData computes the hex HMAC of the data-check string: the
// remaining key=value pairs sorted by key and joined with newlines,
// keyed by HMAC("WebAppData", botToken).
func signInitData(vals url.Values, botToken string) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+vals.Get(k))
	}

	kdf := hmac.New(sha256.New, []byte("WebAppData"))
	kdf.Write([]byte(botToken))
	secret := kdf.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
