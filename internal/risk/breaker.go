// Package risk holds the safety rails around the trading loop: the
// open breaker that halts new entries after critical failures, and the
// reconciler that checks recorded positions against venue state.
package risk

import (
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"
)

// OpenBreaker implements core.IOpenBreaker. A critical failure trips it;
// new opens stay halted until the cooldown elapses or an operator resets
// it. Exits are never gated.
type OpenBreaker struct {
	mu        sync.Mutex
	cooldown  time.Duration
	trippedAt time.Time
	reason    string
	logger    core.ILogger
}

// NewOpenBreaker creates a breaker. A zero cooldown means the breaker
// stays tripped until Reset.
func NewOpenBreaker(cooldown time.Duration, logger core.ILogger) *OpenBreaker {
	return &OpenBreaker{
		cooldown: cooldown,
		logger:   logger.WithField("component", "open_breaker"),
	}
}

// AllowOpen reports whether new position opens are permitted.
func (b *OpenBreaker) AllowOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.trippedAt.IsZero() {
		return true
	}
	if b.cooldown > 0 && time.Since(b.trippedAt) >= b.cooldown {
		b.logger.Info("Open breaker cooldown elapsed; opens resumed",
			"tripped_at", b.trippedAt, "reason", b.reason)
		b.clearLocked()
		return true
	}
	return false
}

// RecordCritical trips the breaker.
func (b *OpenBreaker) RecordCritical(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trippedAt = time.Now()
	b.reason = reason
	telemetry.GetGlobalMetrics().SetOpensHalted(true)
	b.logger.Error("Open breaker tripped; new opens halted",
		"reason", reason, "cooldown", b.cooldown)
}

// Reset clears the breaker immediately.
func (b *OpenBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.trippedAt.IsZero() {
		b.logger.Info("Open breaker reset", "reason", b.reason)
	}
	b.clearLocked()
}

// Tripped reports the current halt state without side effects.
func (b *OpenBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.trippedAt.IsZero()
}

func (b *OpenBreaker) clearLocked() {
	b.trippedAt = time.Time{}
	b.reason = ""
	telemetry.GetGlobalMetrics().SetOpensHalted(false)
}
