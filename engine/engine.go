package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/dispatch"
	"github.com/web3guy0/betbot/metrics"
	"github.com/web3guy0/betbot/reconcile"
	"github.com/web3guy0/betbot/risk"
	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Escalation orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Trigger → Policy → Dispatcher → Reconciler → (loss: next step | win: done)
//
// One goroutine per sequence drives its state machine:
//   IDLE → DISPATCHING(n) → AWAITING_RESULT(n) → DISPATCHING(n+1) | terminal
//
// One sequence per slot; a trigger hitting a busy slot is refused, not
// queued. The per-sequence goroutine is the only writer of sequence
// state, the engine map/slot table is the only shared state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SequenceState is the orchestrator's state machine position.
type SequenceState string

const (
	StateIdle           SequenceState = "IDLE"
	StateDispatching    SequenceState = "DISPATCHING"
	StateAwaitingResult SequenceState = "AWAITING_RESULT"
	StateCompletedWin   SequenceState = "COMPLETED_WIN"
	StateCompletedLoss  SequenceState = "COMPLETED_LOSS"
	StateCancelled      SequenceState = "CANCELLED"
)

// Terminal reports whether the state ends a sequence.
func (s SequenceState) Terminal() bool {
	switch s {
	case StateCompletedWin, StateCompletedLoss, StateCancelled:
		return true
	}
	return false
}

// ErrSlotBusy means another sequence is active and unresolved in the slot.
var ErrSlotBusy = errors.New("active sequence in slot")

// ErrHalted means the circuit breaker is blocking new sequences.
var ErrHalted = errors.New("circuit breaker is tripped")

// SequenceParams describes one martingale run.
type SequenceParams struct {
	Asset           string
	Trend           types.Trend
	Account         types.AccountKind
	BaseStake       decimal.Decimal
	MaxSteps        int
	MultiplierKind  types.MultiplierKind
	MultiplierValue decimal.Decimal
	Slot            string // defaults to asset:account
	Boundary        bool   // align the first step's expiry to the minute mark
}

func (p SequenceParams) slotKey() string {
	if p.Slot != "" {
		return p.Slot
	}
	return p.Asset + ":" + string(p.Account)
}

// Summary reports a finished sequence to the caller.
type Summary struct {
	SequenceID    string
	State         SequenceState
	StepsTaken    int
	TotalLoss     decimal.Decimal
	Recovered     decimal.Decimal
	AssumedLosses int // losses synthesized by the reconciler timeout
	FinalChannel  types.Channel
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Callbacks are the engine's outward interface. Nil members are skipped.
type Callbacks struct {
	OnStarted      func(sequenceID string, params SequenceParams)
	OnStepAdvance  func(sequenceID string, step int)
	OnCompleted    func(sequenceID string, summary Summary)
	OnSubmitResult func(sequenceID string, res dispatch.Result)
}

// Store persists finished sequences and their settled steps. Nil
// disables persistence.
type Store interface {
	SaveSequence(rec types.SequenceRecord) error
	SaveStep(rec types.StepRecord) error
}

// Clock yields server-corrected time.
type Clock interface {
	Now() time.Time
}

type sequence struct {
	id            string
	params        SequenceParams
	state         SequenceState
	step          int
	accumLoss     decimal.Decimal
	assumedLosses int
	startedAt     time.Time
	ctx           context.Context
	cancel        context.CancelFunc
}

// Engine drives escalation sequences.
type Engine struct {
	mu sync.Mutex

	limits     risk.Limits
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	clock      Clock
	breaker    *risk.CircuitBreaker
	store      Store
	callbacks  Callbacks

	sequences map[string]*sequence
	slots     map[string]string // slot key -> active sequence id

	ctx     context.Context
	running bool
}

// NewEngine wires the orchestrator. breaker and store may be nil.
func NewEngine(
	dispatcher *dispatch.Dispatcher,
	reconciler *reconcile.Reconciler,
	clock Clock,
	limits risk.Limits,
	breaker *risk.CircuitBreaker,
	store Store,
	callbacks Callbacks,
) *Engine {
	return &Engine{
		limits:     limits,
		dispatcher: dispatcher,
		reconciler: reconciler,
		clock:      clock,
		breaker:    breaker,
		store:      store,
		callbacks:  callbacks,
		sequences:  make(map[string]*sequence),
		slots:      make(map[string]string),
	}
}

// Start binds the engine to its root context. Sequences started later
// are children of it; cancelling it cancels them all.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.running = true
	e.mu.Unlock()
	log.Info().Msg("⚡ Engine started")
}

// Stop refuses new sequences. In-flight ones end through context
// cancellation of the root context.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	log.Info().Msg("Engine stopped")
}

// StartSequence validates the whole run up front and launches it.
// Returns the sequence id, or a synchronous validation/slot error.
func (e *Engine) StartSequence(params SequenceParams) (string, error) {
	if err := risk.Validate(risk.Params{
		Base:            params.BaseStake,
		MaxSteps:        params.MaxSteps,
		MultiplierKind:  params.MultiplierKind,
		MultiplierValue: params.MultiplierValue,
	}, e.limits); err != nil {
		return "", err
	}

	if e.breaker != nil && !e.breaker.Allow() {
		return "", ErrHalted
	}

	slot := params.slotKey()

	e.mu.Lock()
	if !e.running || e.ctx == nil {
		e.mu.Unlock()
		return "", errors.New("engine not started")
	}
	if active, busy := e.slots[slot]; busy {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: slot %s held by %s", ErrSlotBusy, slot, active)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	seq := &sequence{
		id:        uuid.NewString(),
		params:    params,
		state:     StateIdle,
		accumLoss: decimal.Zero,
		startedAt: e.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.sequences[seq.id] = seq
	e.slots[slot] = seq.id
	e.mu.Unlock()

	metrics.ActiveSequences.Inc()
	log.Info().
		Str("sequence", seq.id).
		Str("asset", params.Asset).
		Str("trend", string(params.Trend)).
		Str("account", string(params.Account)).
		Str("base", params.BaseStake.StringFixed(0)).
		Int("max_steps", params.MaxSteps).
		Msg("🎬 Sequence started")

	if e.callbacks.OnStarted != nil {
		e.callbacks.OnStarted(seq.id, params)
	}

	go e.run(ctx, seq)
	return seq.id, nil
}

// CancelSequence stops a running sequence. Its pending execution is
// dropped without applying any outcome.
func (e *Engine) CancelSequence(id string) error {
	e.mu.Lock()
	seq, ok := e.sequences[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown sequence %s", id)
	}
	seq.cancel()
	return nil
}

// SlotBusy reports whether the slot has an active, unresolved sequence.
func (e *Engine) SlotBusy(slot string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.slots[slot]
	return busy
}

// ActiveCount returns the number of running sequences.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sequences)
}
