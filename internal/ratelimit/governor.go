// Package ratelimit adaptively spaces per-account crawl requests. When the
// platform starts throttling an account, the interval doubles; once things
// stay quiet long enough, it converges back toward its pre-throttle value
// instead of snapping there, so a recovering account does not immediately
// trip the limiter again.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetsync/internal/statestore"
)

// Substrings that mark an error as a throttling signal. Matched
// case-insensitively against the error message, any hit counts.
var rateLimitKeywords = []string{
	"rate limit",
	"too many requests",
	"429",
	"throttle",
	"quota exceeded",
	"request limit",
}

// Config bounds the adaptive interval.
type Config struct {
	DefaultInterval   time.Duration
	MinInterval       time.Duration
	MaxInterval       time.Duration
	Window            time.Duration // sliding request-history window
	RecoveryThreshold time.Duration // quiet time before recovery may begin
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		DefaultInterval:   30 * time.Second,
		MinInterval:       10 * time.Second,
		MaxInterval:       30 * time.Minute,
		Window:            60 * time.Second,
		RecoveryThreshold: 5 * time.Minute,
	}
}

// accountState is the persisted per-account record. The sliding window is
// trimmed in place; the record itself lives for the process lifetime.
type accountState struct {
	AccountID         string        `json:"account_id"`
	CurrentInterval   time.Duration `json:"current_interval"`
	RequestHistory    []time.Time   `json:"request_history,omitempty"`
	RateLimitDetected bool          `json:"rate_limit_detected"`
	AdjustedInterval  time.Duration `json:"adjusted_interval,omitempty"`
	PreviousInterval  time.Duration `json:"previous_interval,omitempty"`
	DetectedAt        time.Time     `json:"detected_at,omitempty"`
}

// Governor tracks request cadence per account. Construct one per worker and
// inject it; it is not a package-level singleton.
type Governor struct {
	cfg   Config
	store statestore.Store
	now   func() time.Time
}

// New builds a Governor on top of the given state store.
func New(cfg Config, store statestore.Store) *Governor {
	if cfg.DefaultInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Governor{cfg: cfg, store: store, now: time.Now}
}

func stateKey(accountID string) string { return "rate:" + accountID }

func (g *Governor) load(accountID string) *accountState {
	raw, ok, err := g.store.Get(stateKey(accountID))
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("Failed to load rate state, using defaults")
	}
	if !ok || err != nil {
		return &accountState{AccountID: accountID, CurrentInterval: g.cfg.DefaultInterval}
	}
	var st accountState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("Corrupt rate state, resetting")
		return &accountState{AccountID: accountID, CurrentInterval: g.cfg.DefaultInterval}
	}
	return &st
}

func (g *Governor) save(st *accountState) {
	raw, err := json.Marshal(st)
	if err != nil {
		log.Error().Err(err).Str("account_id", st.AccountID).Msg("Failed to encode rate state")
		return
	}
	if err := g.store.Set(stateKey(st.AccountID), raw); err != nil {
		log.Error().Err(err).Str("account_id", st.AccountID).Msg("Failed to persist rate state")
	}
}

func (g *Governor) clamp(d time.Duration) time.Duration {
	if d < g.cfg.MinInterval {
		return g.cfg.MinInterval
	}
	if d > g.cfg.MaxInterval {
		return g.cfg.MaxInterval
	}
	return d
}

// Initialize lazily sets the starting interval for an account. Existing state
// is left untouched.
func (g *Governor) Initialize(accountID string, interval time.Duration) {
	if _, ok, _ := g.store.Get(stateKey(accountID)); ok {
		return
	}
	if interval <= 0 {
		interval = g.cfg.DefaultInterval
	}
	g.save(&accountState{AccountID: accountID, CurrentInterval: g.clamp(interval)})
}

// RecordRequest appends the current time to the account's sliding window and
// trims entries that fell outside it.
func (g *Governor) RecordRequest(accountID string) {
	st := g.load(accountID)
	now := g.now()
	st.RequestHistory = append(st.RequestHistory, now)

	cutoff := now.Add(-g.cfg.Window)
	trimmed := st.RequestHistory[:0]
	for _, t := range st.RequestHistory {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	st.RequestHistory = trimmed
	g.save(st)
}

// DetectRateLimit checks whether err looks like a throttling signal for the
// account. On a match the interval doubles (capped) and the limited flag is
// set; the pre-detection interval is kept for recovery.
func (g *Governor) DetectRateLimit(err error, accountID string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	matched := false
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	st := g.load(accountID)
	st.PreviousInterval = st.CurrentInterval
	st.CurrentInterval = g.clamp(st.CurrentInterval * 2)
	st.AdjustedInterval = st.CurrentInterval
	st.DetectedAt = g.now()
	st.RateLimitDetected = true
	g.save(st)

	log.Warn().
		Str("account_id", accountID).
		Dur("interval", st.CurrentInterval).
		Msg("Rate limit detected, interval doubled")
	return true
}

// Interval returns the current crawl interval for the account.
func (g *Governor) Interval(accountID string) time.Duration {
	return g.load(accountID).CurrentInterval
}

// SetInterval overrides the current interval, clamped to the configured
// bounds.
func (g *Governor) SetInterval(accountID string, interval time.Duration) {
	st := g.load(accountID)
	st.CurrentInterval = g.clamp(interval)
	g.save(st)
}

// TryRecover steps a limited account back toward max(previousInterval,
// defaultInterval). It is a no-op until the recovery threshold has elapsed
// since detection. Each call moves the interval to the mean of the current
// interval and the target; it returns true only once the target is reached
// and the limited flag clears.
func (g *Governor) TryRecover(accountID string) bool {
	st := g.load(accountID)
	if !st.RateLimitDetected {
		return false
	}
	if g.now().Sub(st.DetectedAt) < g.cfg.RecoveryThreshold {
		return false
	}

	target := st.PreviousInterval
	if g.cfg.DefaultInterval > target {
		target = g.cfg.DefaultInterval
	}
	next := (st.CurrentInterval + target) / 2
	if next < target {
		next = target
	}

	// Within a second of the target counts as arrived; the mean alone would
	// only ever approach it.
	if next-target < time.Second {
		st.CurrentInterval = g.clamp(target)
		st.RateLimitDetected = false
		g.save(st)
		log.Info().
			Str("account_id", accountID).
			Dur("interval", st.CurrentInterval).
			Msg("Rate limit recovered")
		return true
	}

	st.CurrentInterval = g.clamp(next)
	g.save(st)
	log.Debug().
		Str("account_id", accountID).
		Dur("interval", st.CurrentInterval).
		Dur("target", target).
		Msg("Rate limit recovery step")
	return false
}

// TooFrequent reports whether another request now would violate the current
// interval.
func (g *Governor) TooFrequent(accountID string) bool {
	return g.NextRequestDelay(accountID) > 0
}

// NextRequestDelay returns how long the caller should wait before the next
// request. Zero means the account is clear to go.
func (g *Governor) NextRequestDelay(accountID string) time.Duration {
	st := g.load(accountID)
	if len(st.RequestHistory) == 0 {
		return 0
	}
	last := st.RequestHistory[len(st.RequestHistory)-1]
	elapsed := g.now().Sub(last)
	if elapsed >= st.CurrentInterval {
		return 0
	}
	return st.CurrentInterval - elapsed
}

// String describes the governor's bounds, for startup logging.
func (g *Governor) String() string {
	return fmt.Sprintf("ratelimit.Governor[default=%s min=%s max=%s]",
		g.cfg.DefaultInterval, g.cfg.MinInterval, g.cfg.MaxInterval)
}
