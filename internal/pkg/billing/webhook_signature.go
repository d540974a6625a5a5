package billing

import (
	"crypto/subtle"
	"strings"
)

// VerifyWebhookToken compares the token sent by the provider with the
// configured secret in constant time. An empty secret never verifies.
func VerifyWebhookToken(headerToken, secret string) bool {
	got := strings.TrimSpace(headerToken)
	want := strings.TrimSpace(secret)
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
