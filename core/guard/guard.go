// Package guard enforces the server-side admission checks on signed tool
// calls: timestamp freshness, per-installation rate limiting, and replay
// rejection via single-use call ids.
package guard

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Stable machine-readable rejection codes.
const (
	CodeMissingHeaders   = "AUTH_MISSING_HEADERS"
	CodeBadSignature     = "AUTH_BAD_SIGNATURE"
	CodeClockSkew        = "AUTH_CLOCK_SKEW"
	CodeExpired          = "AUTH_EXPIRED"
	CodeAudienceMismatch = "AUTH_AUDIENCE_MISMATCH"
	CodeRateLimited      = "RATE_LIMITED"
	CodeDuplicateCall    = "DUPLICATE_CALL"
)

// Error is a structured admission failure.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter int64 // seconds; only set for rate limiting
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config tunes the guard. The replay window and freshness bounds are
// deliberately independent parameters even though deployments often set
// them to the same value.
type Config struct {
	MaxFutureSkew time.Duration
	ReplayWindow  time.Duration
	RateWindow    time.Duration
	RateLimit     int64
	Now           func() time.Time
}

// Guard runs the admission checks in a fixed order: freshness, then rate
// limiting, then the idempotency claim. A failed check must leave no trace,
// so the rate bucket is only incremented after freshness passes and the
// call id is only claimed after the rate check passes.
type Guard struct {
	store Store
	cfg   Config
}

func New(store Store, cfg Config) *Guard {
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = 2 * time.Minute
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	// Window arithmetic is in whole unix seconds.
	if cfg.RateWindow < time.Second {
		cfg.RateWindow = time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{store: store, cfg: cfg}
}

// Admit checks one verified call. The caller has already validated headers
// and the signature; timestamp and ttl come from the signed headers.
func (g *Guard) Admit(ctx context.Context, installationID, callID string, timestamp, ttl int64) error {
	now := g.cfg.Now().UTC().Unix()

	if timestamp > now+int64(g.cfg.MaxFutureSkew.Seconds()) {
		return &Error{
			Code:    CodeClockSkew,
			Message: "request timestamp is too far in the future",
			Status:  http.StatusUnauthorized,
		}
	}
	if now-timestamp > ttl {
		return &Error{
			Code:    CodeExpired,
			Message: "request signature has expired",
			Status:  http.StatusUnauthorized,
		}
	}

	windowSeconds := int64(g.cfg.RateWindow.Seconds())
	windowStart := (now / windowSeconds) * windowSeconds
	count, err := g.store.IncrementWindow(ctx, installationID, windowStart, windowSeconds)
	if err != nil {
		return fmt.Errorf("rate window increment: %w", err)
	}
	if count > g.cfg.RateLimit {
		retryAfter := windowStart + windowSeconds - now
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &Error{
			Code:       CodeRateLimited,
			Message:    "rate limit exceeded for installation",
			Status:     http.StatusTooManyRequests,
			RetryAfter: retryAfter,
		}
	}

	claimed, err := g.store.ClaimCall(ctx, installationID, callID, g.cfg.ReplayWindow)
	if err != nil {
		return fmt.Errorf("idempotency claim: %w", err)
	}
	if !claimed {
		return &Error{
			Code:    CodeDuplicateCall,
			Message: "call id was already used within the replay window",
			Status:  http.StatusConflict,
		}
	}
	return nil
}
