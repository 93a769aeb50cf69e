package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
)

// Sign returns lowercase hex of HMAC-SHA256 over body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureValue is the X-Webhook-Signature header value for body.
func SignatureValue(secret string, body []byte) string {
	return signaturePrefix + Sign(secret, body)
}

// Verify checks a signature header value, with or without the sha256= prefix,
// in constant time. Subscribers in Go can use it directly.
func Verify(secret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), signaturePrefix)
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
