package reconcile

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PUSH + BALANCE CHANNELS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Push events carry no correlation id, so matching is a best-effort
// predicate over trend, stake (one unit of slack) and submission age.
// Two concurrent sequences with identical stake and trend can in
// principle be cross-matched; the newest submission wins and the poll
// channel corrects the other. Balance deltas are the weakest signal and
// only ever reach a pending the other channels have not resolved.
//
// ═══════════════════════════════════════════════════════════════════════════════

// HandleTradeClosed is the push-event channel entry point.
func (r *Reconciler) HandleTradeClosed(ev types.TradeClosedEvent) {
	now := r.clock.Now()

	r.mu.Lock()
	r.lastPushAt = now

	var best *pendingEntry
	for _, entry := range r.pending {
		if entry.Trend != ev.Trend {
			continue
		}
		if ev.Account != "" && entry.Account != ev.Account {
			continue
		}
		if entry.Stake.Sub(ev.Stake).Abs().GreaterThan(r.config.StakeTolerance) {
			continue
		}
		if now.Sub(entry.SubmittedAt) > r.config.PushMatchWindow {
			continue
		}
		if best == nil || entry.SubmittedAt.After(best.SubmittedAt) {
			best = entry
		}
	}
	r.mu.Unlock()

	if best == nil {
		log.Debug().
			Str("status", string(ev.Status)).
			Str("stake", ev.Stake.StringFixed(0)).
			Str("trend", string(ev.Trend)).
			Msg("Push event matched no pending execution")
		return
	}

	finishedAt := ev.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = now
	}

	r.apply(best.SequenceID, types.Outcome{
		ID:         "push-" + uuid.NewString(),
		Status:     ev.Status,
		Stake:      ev.Stake,
		Trend:      ev.Trend,
		Payout:     ev.Payout,
		Account:    best.Account,
		FinishedAt: finishedAt,
		Channel:    types.ChannelPush,
		ObservedAt: now,
	})
}

// ───────────────────────────────────────────────────────────────────────────────
// Balance-delta channel
// ───────────────────────────────────────────────────────────────────────────────

const balanceRingSize = 10

// BalanceSnapshot is one observed balance reading.
type BalanceSnapshot struct {
	Balance decimal.Decimal
	Delta   decimal.Decimal
	At      time.Time
}

// balanceRing is a bounded history of balance readings; oldest entries
// drop off first.
type balanceRing struct {
	buf  []BalanceSnapshot
	next int
	size int
}

func newBalanceRing(capacity int) *balanceRing {
	return &balanceRing{buf: make([]BalanceSnapshot, capacity)}
}

func (b *balanceRing) push(s BalanceSnapshot) {
	b.buf[b.next] = s
	b.next = (b.next + 1) % len(b.buf)
	if b.size < len(b.buf) {
		b.size++
	}
}

func (b *balanceRing) last() (BalanceSnapshot, bool) {
	if b.size == 0 {
		return BalanceSnapshot{}, false
	}
	idx := (b.next - 1 + len(b.buf)) % len(b.buf)
	return b.buf[idx], true
}

func (b *balanceRing) len() int { return b.size }

// HandleBalance is the balance-delta channel entry point. It is the
// lowest-confidence signal: a significant delta is attributed to the
// most recently submitted pending of the account.
func (r *Reconciler) HandleBalance(ev types.BalanceEvent) {
	now := r.clock.Now()

	r.mu.Lock()
	prev, hasPrev := r.ring.last()
	delta := decimal.Zero
	if hasPrev {
		delta = ev.Balance.Sub(prev.Balance)
	}
	r.ring.push(BalanceSnapshot{Balance: ev.Balance, Delta: delta, At: now})

	if !hasPrev || delta.Abs().LessThan(r.config.BalanceThreshold) {
		r.mu.Unlock()
		return
	}

	// smallest elapsed time since submission
	var best *pendingEntry
	for _, entry := range r.pending {
		if ev.Account != "" && entry.Account != ev.Account {
			continue
		}
		if best == nil || entry.SubmittedAt.After(best.SubmittedAt) {
			best = entry
		}
	}
	r.mu.Unlock()

	if best == nil {
		return
	}

	status := types.OutcomeLoss
	payout := decimal.Zero
	if delta.GreaterThan(decimal.Zero) {
		status = types.OutcomeWin
		payout = delta
	}

	if r.apply(best.SequenceID, types.Outcome{
		ID:         "balance-" + uuid.NewString(),
		Status:     status,
		Stake:      best.Stake,
		Trend:      best.Trend,
		Account:    best.Account,
		Payout:     payout,
		FinishedAt: now,
		Channel:    types.ChannelBalance,
		ObservedAt: now,
	}) {
		log.Info().
			Str("sequence", best.SequenceID).
			Str("delta", delta.StringFixed(0)).
			Msg("💱 Outcome inferred from balance delta")
	}
}

// Snapshots returns the recent balance history, newest last.
func (r *Reconciler) Snapshots() []BalanceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BalanceSnapshot, 0, r.ring.len())
	start := r.ring.next - r.ring.size
	for i := 0; i < r.ring.size; i++ {
		idx := (start + i + len(r.ring.buf)) % len(r.ring.buf)
		out = append(out, r.ring.buf[idx])
	}
	return out
}
