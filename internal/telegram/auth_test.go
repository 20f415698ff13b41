package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotToken = "12345:TEST_TOKEN"

// signedInitData builds a payload signed the way Telegram signs WebApp
// init data.
func signedInitData(t *testing.T, fields map[string]string) string {
	t.Helper()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}

	kdf := hmac.New(sha256.New, []byte("WebAppData"))
	kdf.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, kdf.Sum(nil))
	mac.Write([]byte(strings.Join(parts, "\n")))

	vals := url.Values{}
	for k, v := range fields {
		vals.Set(k, v)
	}
	vals.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return vals.Encode()
}

func validFields() map[string]string {
	return map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":99281932,"first_name":"Andrew","username":"rogue"}`,
	}
}

func TestVerifyWebAppInitData(t *testing.T) {
	initData := signedInitData(t, validFields())

	user, ok := VerifyWebAppInitData(initData, testBotToken)
	require.True(t, ok)
	assert.Equal(t, int64(99281932), user.ID)
	assert.Equal(t, "rogue", user.Username)
	assert.Equal(t, "Andrew", user.FirstName)
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	initData := signedInitData(t, validFields())

	tampered := strings.Replace(initData, "1700000000", "1700000001", 1)
	require.NotEqual(t, initData, tampered)

	_, ok := VerifyWebAppInitData(tampered, testBotToken)
	assert.False(t, ok)
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	initData := signedInitData(t, validFields())
	vals, err := url.ParseQuery(initData)
	require.NoError(t, err)

	h := vals.Get("hash")
	flipped := "0" + h[1:]
	if flipped == h {
		flipped = "1" + h[1:]
	}
	vals.Set("hash", flipped)

	_, ok := VerifyWebAppInitData(vals.Encode(), testBotToken)
	assert.False(t, ok)
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	initData := signedInitData(t, validFields())

	_, ok := VerifyWebAppInitData(initData, "67890:OTHER_TOKEN")
	assert.False(t, ok)
}

func TestVerifyRejectsMissingPayload(t *testing.T) {
	for _, payload := range []string{"", "   ", "auth_date=1700000000"} {
		_, ok := VerifyWebAppInitData(payload, testBotToken)
		assert.False(t, ok, "payload %q", payload)
	}
}

func TestVerifyRejectsZeroUserID(t *testing.T) {
	fields := validFields()
	fields["user"] = `{"id":0,"username":"ghost"}`

	_, ok := VerifyWebAppInitData(signedInitData(t, fields), testBotToken)
	assert.False(t, ok)
}

func TestDisplayNameFallbacks(t *testing.T) {
	assert.Equal(t, "rogue", AuthUser{ID: 1, Username: "rogue", FirstName: "Andrew"}.DisplayName())
	assert.Equal(t, "Andrew", AuthUser{ID: 1, FirstName: "Andrew"}.DisplayName())
	assert.Equal(t, "user_7", AuthUser{ID: 7}.DisplayName())
}
