package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeaders are the header names checked for the provider signature,
// in order. Provider configurations differ on which one they send.
var SignatureHeaders = []string{
	"X-Webhook-Signature",
	"X-Hub-Signature-256",
	"X-Signature",
}

// ExtractSignature returns the first non-empty signature header value.
func ExtractSignature(header func(string) string) string {
	for _, name := range SignatureHeaders {
		if v := header(name); v != "" {
			return v
		}
	}
	return ""
}

// VerifySignature checks an HMAC-SHA256 signature over the raw request body.
// Both the raw hex digest and the "sha256="-prefixed form are accepted.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Sign computes the hex HMAC-SHA256 digest of body, used by tests and by
// outbound webhook replay tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
