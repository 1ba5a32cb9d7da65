package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLLING CHANNEL - Tiered-interval recent-outcomes query
// ═══════════════════════════════════════════════════════════════════════════════
//
// Cadence:
//   50ms  while any pending execution is unresolved
//   100ms for 3s after the last push update (push often beats the poll
//         by a hair; a tight follow-up closes the gap)
//   2s    otherwise
//
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Reconciler) pollLoop(ctx context.Context) {
	for {
		interval := r.pollInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		r.PollOnce(ctx)
	}
}

func (r *Reconciler) pollInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) > 0 {
		return r.config.FastPollInterval
	}
	if !r.lastPushAt.IsZero() && r.clock.Now().Sub(r.lastPushAt) < r.config.PushQuietPeriod {
		return r.config.PushPollInterval
	}
	return r.config.IdlePollInterval
}

// PollOnce queries recent outcomes for every account kind with a
// pending execution and tries to match them.
func (r *Reconciler) PollOnce(ctx context.Context) {
	r.mu.Lock()
	accounts := make(map[types.AccountKind]struct{})
	for _, entry := range r.pending {
		accounts[entry.Account] = struct{}{}
	}
	r.mu.Unlock()

	for account := range accounts {
		outcomes, err := r.querier.RecentOutcomes(ctx, account)
		if err != nil {
			// transient transport trouble; the next tick retries
			log.Debug().Err(err).Str("account", string(account)).Msg("Outcome poll failed")
			continue
		}
		r.matchPolled(account, outcomes)
	}
}

// matchPolled applies the best candidate outcome to each pending of the
// account. Selection: window around submission, exact trend and stake,
// settled status, and not yet in the ledger; the newest candidate wins.
func (r *Reconciler) matchPolled(account types.AccountKind, outcomes []types.Outcome) {
	r.mu.Lock()
	type match struct {
		sequenceID string
		outcome    types.Outcome
	}
	var matches []match

	for _, entry := range r.pending {
		if entry.Account != account {
			continue
		}
		windowStart := entry.SubmittedAt.Add(-r.config.PollWindowBefore)
		windowEnd := entry.SubmittedAt.Add(r.config.PollWindowAfter)

		var best *types.Outcome
		for i := range outcomes {
			o := outcomes[i]
			if !o.Settled() {
				continue
			}
			if o.Account != account || o.Trend != entry.Trend || !o.Stake.Equal(entry.Stake) {
				continue
			}
			if o.CreatedAt.Before(windowStart) || o.CreatedAt.After(windowEnd) {
				continue
			}
			if _, consumed := r.applied[o.ID]; consumed {
				continue
			}
			if best == nil || o.CreatedAt.After(best.CreatedAt) {
				best = &outcomes[i]
			}
		}
		if best != nil {
			out := *best
			out.Channel = types.ChannelPoll
			out.ObservedAt = r.clock.Now()
			matches = append(matches, match{sequenceID: entry.SequenceID, outcome: out})
		}
	}
	r.mu.Unlock()

	for _, m := range matches {
		r.apply(m.sequenceID, m.outcome)
	}
}
