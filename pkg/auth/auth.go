// Package auth signs and validates requests to the status endpoint with an
// HMAC shared secret. With an empty secret, authentication is a no-op.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderTimestamp carries the request's unix timestamp.
	HeaderTimestamp = "X-Sentry-Timestamp"
	// HeaderSignature carries the request's HMAC-SHA256 signature.
	HeaderSignature = "X-Sentry-Signature"
	// MaxClockSkew bounds the accepted timestamp drift; it doubles as the
	// replay window.
	MaxClockSkew = 30 * time.Second
)

// Authenticator validates status requests against a shared secret.
type Authenticator struct {
	secret []byte
}

// New creates an authenticator. An empty secret disables authentication.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether requests are actually checked.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// SignRequest stamps and signs an outgoing request.
func (a *Authenticator) SignRequest(req *http.Request) {
	if !a.Enabled() {
		return
	}
	ts := time.Now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, a.sign(req.Method, req.URL.Path, ts))
}

// ValidateRequest checks the timestamp window and signature of an incoming
// request.
func (a *Authenticator) ValidateRequest(req *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	tsStr := req.Header.Get(HeaderTimestamp)
	if tsStr == "" {
		return fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	skew := time.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return fmt.Errorf("timestamp outside allowed window (skew %ds)", skew)
	}

	want := a.sign(req.Method, req.URL.Path, ts)
	if !hmac.Equal([]byte(want), []byte(req.Header.Get(HeaderSignature))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Middleware wraps a handler with request validation.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.ValidateRequest(r); err != nil {
			http.Error(w, fmt.Sprintf("authentication failed: %v", err), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *Authenticator) sign(method, path string, ts int64) string {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, path, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
