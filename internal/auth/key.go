// Package auth validates the shared access key on stream requests.
package auth

import (
	"crypto/subtle"
	"net/http"
)

// HeaderAPIKey is the header accepted as an alternative to the key query
// parameter.
const HeaderAPIKey = "X-API-Key"

// Verifier checks client-presented keys against the configured secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given secret. An empty secret
// disables verification and every request is allowed.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify reports whether the presented key matches the secret.
// Comparison is constant time.
func (v *Verifier) Verify(presented string) bool {
	if !v.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare(v.secret, []byte(presented)) == 1
}

// VerifyRequest extracts the key from the request and verifies it.
// The key query parameter is checked first, then the X-API-Key header.
func (v *Verifier) VerifyRequest(r *http.Request) bool {
	if !v.Enabled() {
		return true
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get(HeaderAPIKey)
	}
	return v.Verify(key)
}
