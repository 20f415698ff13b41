package tgbot

import (
	"fmt"
	"strconv"
	"strings"
)

// Invoice payloads travel through Telegram as opaque strings shaped
// "<type>_<telegramId>_<item>", e.g. "mode_123456_advanced" or
// "energy_123456_capacity_50". The item keeps any underscores of its own.
func EncodePayload(purchaseType string, telegramID int64, item string) string {
	return fmt.Sprintf("%s_%d_%s", purchaseType, telegramID, item)
}

func ParsePayload(payload string) (purchaseType string, telegramID int64, item string, err error) {
	parts := strings.SplitN(payload, "_", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("malformed payload %q", payload)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed payload %q: %w", payload, err)
	}
	if parts[0] == "" || parts[2] == "" {
		return "", 0, "", fmt.Errorf("malformed payload %q", payload)
	}
	return parts[0], id, parts[2], nil
}
