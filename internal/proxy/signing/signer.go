// Package signing computes the cloud-provider request signature the
// credential-injection proxy attaches to requests bound for a configured
// signing endpoint (SPEC_FULL §4.5). Adapted from the teacher's
// internal/security/token_broker.go: the HMAC sign/verify shape and the
// previous-key grace window for zero-downtime key rotation are kept, but
// retargeted from issuing bearer tokens to agents onto signing canonical
// outbound request bytes with a credential that never reaches the sandbox.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"
)

// Config configures the signer (SPEC_FULL §10.3 ProxyConfig).
type Config struct {
	Secret              string
	PreviousSecret      string
	RotationGracePeriod time.Duration
}

// Signer computes and verifies HMAC-SHA256 signatures over the bytes it is
// given. The proxy passes the raw request body, so method, host, path and
// time are not covered by the signature.
type Signer struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
}

func New(cfg Config) *Signer {
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}
	s := &Signer{secret: []byte(cfg.Secret)}
	if cfg.PreviousSecret != "" {
		s.prevSecret = []byte(cfg.PreviousSecret)
		s.graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}
	return s
}

// Sign returns the base64-encoded HMAC-SHA256 signature of canonicalRequest
// under the current signing secret.
func (s *Signer) Sign(canonicalRequest []byte) string {
	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalRequest)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against the current key, falling back to the
// previous key during its rotation grace window.
func (s *Signer) Verify(canonicalRequest []byte, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	s.mu.RLock()
	secret, prev, graceUntil := s.secret, s.prevSecret, s.graceUntil
	s.mu.RUnlock()

	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalRequest)
	if hmac.Equal(sig, mac.Sum(nil)) {
		return true
	}
	if len(prev) > 0 && time.Now().Before(graceUntil) {
		prevMac := hmac.New(sha256.New, prev)
		prevMac.Write(canonicalRequest)
		return hmac.Equal(sig, prevMac.Sum(nil))
	}
	return false
}

// RotateKey atomically rotates the signing secret; the previous secret
// remains valid for the configured grace period so in-flight requests
// signed just before rotation still verify.
func (s *Signer) RotateKey(newSecret string, grace time.Duration) {
	if grace == 0 {
		grace = 24 * time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevSecret = s.secret
	s.graceUntil = time.Now().Add(grace)
	s.secret = []byte(newSecret)
}
