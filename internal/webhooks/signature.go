package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

func digest(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHMAC returns the lowercase-hex HMAC-SHA256 of body under secret,
// the value subscribers receive in the X-Signature header.
func SignHMAC(secret string, body []byte) string {
	return hex.EncodeToString(digest(secret, body))
}

// VerifyHMAC reports whether provided is a valid signature over body.
// The comparison is constant-time.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(digest(secret, body), got)
}
