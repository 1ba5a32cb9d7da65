package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against runaway escalation
// ═══════════════════════════════════════════════════════════════════════════════
//
// A martingale that keeps losing whole sequences is a martingale that
// should stop. The breaker trips after N consecutive completed-loss
// sequences or when the day's net loss crosses a hard ceiling, and
// blocks new sequences until the cooldown elapses.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveLosses int
	maxDailyLoss         decimal.Decimal // minor units
	cooldownDuration     time.Duration

	// State
	consecutiveLosses int
	dailyLoss         decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string

	// Tracking
	lastResetDate string

	now func() time.Time
}

// NewCircuitBreaker creates a breaker. maxDailyLoss is in minor units.
func NewCircuitBreaker(maxLosses int, maxDailyLoss decimal.Decimal, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveLosses: maxLosses,
		maxDailyLoss:         maxDailyLoss,
		cooldownDuration:     cooldown,
		now:                  time.Now,
	}
}

// Allow returns false while new sequences should be blocked.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Daily reset
	today := cb.now().Format("2006-01-02")
	if cb.lastResetDate != today {
		cb.reset()
		cb.lastResetDate = today
	}

	if cb.tripped {
		if cb.now().Sub(cb.trippedAt) > cb.cooldownDuration {
			cb.reset()
			log.Info().Msg("✅ Circuit breaker reset after cooldown")
			return true
		}
		return false
	}

	return true
}

// RecordSequenceLoss records a sequence that ended at the step cap.
func (cb *CircuitBreaker) RecordSequenceLoss(totalLoss decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveLosses++
	cb.dailyLoss = cb.dailyLoss.Add(totalLoss)

	if cb.consecutiveLosses >= cb.maxConsecutiveLosses {
		cb.trip("max consecutive sequence losses")
		return
	}
	if cb.dailyLoss.GreaterThan(cb.maxDailyLoss) {
		cb.trip("daily loss ceiling exceeded")
	}
}

// RecordSequenceWin records a recovered sequence.
func (cb *CircuitBreaker) RecordSequenceWin(recovered decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveLosses = 0
	cb.dailyLoss = cb.dailyLoss.Sub(recovered)
	if cb.dailyLoss.LessThan(decimal.Zero) {
		cb.dailyLoss = decimal.Zero
	}
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = cb.now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Str("daily_loss", cb.dailyLoss.StringFixed(0)).
		Dur("cooldown", cb.cooldownDuration).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// reset clears the circuit breaker state
func (cb *CircuitBreaker) reset() {
	cb.consecutiveLosses = 0
	cb.dailyLoss = decimal.Zero
	cb.tripped = false
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Stats returns breaker statistics for reporting.
func (cb *CircuitBreaker) Stats() (consecutiveLosses int, dailyLoss decimal.Decimal, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses, cb.dailyLoss, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
	log.Info().Msg("Circuit breaker manually reset")
}
