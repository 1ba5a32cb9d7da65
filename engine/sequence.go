package engine

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/metrics"
	"github.com/web3guy0/betbot/reconcile"
	"github.com/web3guy0/betbot/risk"
	"github.com/web3guy0/betbot/types"
)

// run drives one sequence's state machine to a terminal state. It is
// the only goroutine that mutates the sequence.
func (e *Engine) run(ctx context.Context, seq *sequence) {
	// releases the child context so finished sequences detach from the
	// engine root instead of accumulating there for the process lifetime
	defer seq.cancel()

	step := 1
	var lastChannel types.Channel

	for {
		seq.state = StateDispatching
		seq.step = step

		stake := risk.AmountForStep(
			seq.params.BaseStake,
			seq.params.MultiplierKind,
			seq.params.MultiplierValue,
			step,
			e.limits.Unit,
		)

		// escalation steps fire mid-window, only the first step can be
		// boundary-aligned
		boundary := seq.params.Boundary && step == 1

		order, err := e.dispatcher.BuildOrder(seq.params.Asset, seq.params.Trend, stake, seq.params.Account, boundary)
		if err != nil {
			log.Error().Err(err).
				Str("sequence", seq.id).
				Int("step", step).
				Msg("❌ Order build failed")
			e.finish(seq, StateCancelled, decimal.Zero, lastChannel)
			return
		}

		res := e.dispatcher.Submit(ctx, order, step > 1)
		metrics.Orders.WithLabelValues(string(res.Status)).Inc()
		if e.callbacks.OnSubmitResult != nil {
			e.callbacks.OnSubmitResult(seq.id, res)
		}
		if !res.Ok() {
			// no automatic resubmission: the caller decides whether to
			// restart the step
			log.Warn().
				Str("sequence", seq.id).
				Int("step", step).
				Str("status", string(res.Status)).
				Msg("Submission failed, ending sequence")
			e.finish(seq, StateCancelled, decimal.Zero, lastChannel)
			return
		}

		seq.state = StateAwaitingResult
		outcomeCh := make(chan types.Outcome, 1)
		e.reconciler.Track(reconcile.Pending{
			SequenceID:  seq.id,
			Step:        step,
			Stake:       stake,
			Trend:       seq.params.Trend,
			Account:     seq.params.Account,
			SubmittedAt: order.CreatedAt,
			ExpiresAt:   order.ExpireAt,
		}, func(o types.Outcome) {
			outcomeCh <- o
		})

		var outcome types.Outcome
		select {
		case <-ctx.Done():
			e.reconciler.Drop(seq.id)
			log.Info().Str("sequence", seq.id).Int("step", step).Msg("🛑 Sequence cancelled")
			e.finish(seq, StateCancelled, decimal.Zero, lastChannel)
			return
		case outcome = <-outcomeCh:
		}

		metrics.Outcomes.WithLabelValues(string(outcome.Channel), string(outcome.Status)).Inc()
		lastChannel = outcome.Channel

		if e.store != nil {
			err := e.store.SaveStep(types.StepRecord{
				SequenceID:  seq.id,
				Step:        step,
				ClientID:    order.ClientID,
				Stake:       stake,
				Status:      outcome.Status,
				Channel:     outcome.Channel,
				Payout:      outcome.Payout,
				SubmittedAt: order.CreatedAt,
				SettledAt:   outcome.FinishedAt,
			})
			if err != nil {
				log.Error().Err(err).Str("sequence", seq.id).Int("step", step).Msg("Failed to persist step")
			}
		}

		switch outcome.Status {
		case types.OutcomeWin:
			recovered := outcome.Payout.Sub(seq.accumLoss)
			e.finish(seq, StateCompletedWin, recovered, outcome.Channel)
			return

		case types.OutcomeDraw:
			// stake refunded; replay the same step at the same stake
			log.Info().
				Str("sequence", seq.id).
				Int("step", step).
				Msg("🔁 Draw, replaying step")
			continue

		default: // loss, confirmed or assumed
			seq.accumLoss = seq.accumLoss.Add(stake)
			if outcome.Channel == types.ChannelTimeout {
				seq.assumedLosses++
			}
			if step < seq.params.MaxSteps {
				step++
				if e.callbacks.OnStepAdvance != nil {
					e.callbacks.OnStepAdvance(seq.id, step)
				}
				log.Info().
					Str("sequence", seq.id).
					Int("next_step", step).
					Str("accum_loss", seq.accumLoss.StringFixed(0)).
					Msg("📶 Loss, escalating")
				continue
			}
			e.finish(seq, StateCompletedLoss, decimal.Zero, outcome.Channel)
			return
		}
	}
}

// finish moves the sequence to a terminal state, frees its slot and
// reports exactly once.
func (e *Engine) finish(seq *sequence, state SequenceState, recovered decimal.Decimal, channel types.Channel) {
	seq.state = state
	finishedAt := e.clock.Now()

	e.mu.Lock()
	delete(e.sequences, seq.id)
	slot := seq.params.slotKey()
	if e.slots[slot] == seq.id {
		delete(e.slots, slot)
	}
	e.mu.Unlock()

	metrics.ActiveSequences.Dec()
	metrics.Sequences.WithLabelValues(string(state)).Inc()

	if e.breaker != nil {
		switch state {
		case StateCompletedWin:
			e.breaker.RecordSequenceWin(recovered)
		case StateCompletedLoss:
			e.breaker.RecordSequenceLoss(seq.accumLoss)
		}
	}

	summary := Summary{
		SequenceID:    seq.id,
		State:         state,
		StepsTaken:    seq.step,
		TotalLoss:     seq.accumLoss,
		Recovered:     recovered,
		AssumedLosses: seq.assumedLosses,
		FinalChannel:  channel,
		StartedAt:     seq.startedAt,
		FinishedAt:    finishedAt,
	}

	if e.store != nil {
		rec := types.SequenceRecord{
			ID:            seq.id,
			Asset:         seq.params.Asset,
			Trend:         seq.params.Trend,
			Account:       seq.params.Account,
			BaseStake:     seq.params.BaseStake,
			Steps:         seq.step,
			State:         string(state),
			TotalLoss:     seq.accumLoss,
			Recovered:     recovered,
			AssumedLosses: seq.assumedLosses,
			StartedAt:     seq.startedAt,
			FinishedAt:    finishedAt,
		}
		if err := e.store.SaveSequence(rec); err != nil {
			log.Error().Err(err).Str("sequence", seq.id).Msg("Failed to persist sequence")
		}
	}

	log.Info().
		Str("sequence", seq.id).
		Str("state", string(state)).
		Int("steps", seq.step).
		Str("total_loss", seq.accumLoss.StringFixed(0)).
		Str("recovered", recovered.StringFixed(0)).
		Int("assumed_losses", seq.assumedLosses).
		Msg("🏁 Sequence finished")

	if e.callbacks.OnCompleted != nil {
		e.callbacks.OnCompleted(seq.id, summary)
	}
}
