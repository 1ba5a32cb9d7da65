package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME RECONCILER - One authoritative result per order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three channels race to resolve each pending execution:
//   push    - trade-closed events from the venue stream (fastest, no id)
//   poll    - the recent-outcomes query (authoritative, slower)
//   balance - inferred from balance deltas (last resort)
//
// Whichever channel first takes the reconciliation lock and passes the
// ledger check wins; every later report for the same sequence is a
// no-op. A pending that nobody resolves inside ResultTimeout becomes a
// synthesized assumed-loss so the sequence can finish deterministically.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Clock yields server-corrected time.
type Clock interface {
	Now() time.Time
}

// OutcomeQuerier is the polling collaborator: the venue's recent
// settled-trades query.
type OutcomeQuerier interface {
	RecentOutcomes(ctx context.Context, account types.AccountKind) ([]types.Outcome, error)
}

// Pending is the in-flight attempt for one step of a sequence. There is
// no server-assigned id before settlement, so correlation runs on the
// trend/stake/time hints.
type Pending struct {
	SequenceID  string
	Step        int
	Stake       decimal.Decimal
	Trend       types.Trend
	Account     types.AccountKind
	SubmittedAt time.Time
	ExpiresAt   time.Time
}

type pendingEntry struct {
	Pending
	resolve  func(types.Outcome)
	deadline time.Time
}

// Config holds reconciler tuning.
type Config struct {
	ResultTimeout    time.Duration   // synthesize an assumed loss after this
	PushMatchWindow  time.Duration   // max age of a pending for push matching
	PollWindowBefore time.Duration   // outcome may predate submission by this
	PollWindowAfter  time.Duration   // ...or follow it by this
	FastPollInterval time.Duration   // while anything is pending
	PushPollInterval time.Duration   // shortly after a push update
	PushQuietPeriod  time.Duration   // how long "shortly" lasts
	IdlePollInterval time.Duration   // otherwise
	StakeTolerance   decimal.Decimal // push stake match slack, one tradable unit
	BalanceThreshold decimal.Decimal // minimum significant balance delta
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		ResultTimeout:    90 * time.Second,
		PushMatchWindow:  120 * time.Second,
		PollWindowBefore: 15 * time.Second,
		PollWindowAfter:  300 * time.Second,
		FastPollInterval: 50 * time.Millisecond,
		PushPollInterval: 100 * time.Millisecond,
		PushQuietPeriod:  3 * time.Second,
		IdlePollInterval: 2 * time.Second,
		StakeTolerance:   decimal.NewFromInt(1000),
		BalanceThreshold: decimal.NewFromInt(50_000),
	}
}

// appliedCap bounds the dedup ledger; oldest entries fall off first.
const appliedCap = 128

// Reconciler merges the three detection channels into exactly one
// outcome per pending execution.
type Reconciler struct {
	// mu is the reconciliation lock: every check-ledger → write-ledger →
	// clear-pending step runs under it, nothing else linearizes outcomes.
	mu sync.Mutex

	pending map[string]*pendingEntry // by sequence id
	ledger  map[string]string        // sequence id -> last applied outcome id
	applied map[string]struct{}      // outcome ids already consumed
	order   []string                 // applied ids in arrival order, for pruning

	ring       *balanceRing
	lastPushAt time.Time

	querier OutcomeQuerier
	clock   Clock
	config  Config
	journal Journal
}

// Journal receives every applied outcome for post-hoc settlement
// audits; the storage layer satisfies it. Nil disables journaling.
type Journal interface {
	RecordApplied(outcomeID, sequenceID string, channel types.Channel, observedAt time.Time) error
}

// New creates a reconciler over the polling collaborator.
func New(querier OutcomeQuerier, clock Clock, config Config) *Reconciler {
	return &Reconciler{
		pending: make(map[string]*pendingEntry),
		ledger:  make(map[string]string),
		applied: make(map[string]struct{}),
		ring:    newBalanceRing(balanceRingSize),
		querier: querier,
		clock:   clock,
		config:  config,
	}
}

// SetJournal enables the applied-outcome journal.
func (r *Reconciler) SetJournal(j Journal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = j
}

// Start launches the polling loop and the timeout sweeper.
func (r *Reconciler) Start(ctx context.Context) {
	go r.pollLoop(ctx)
	go r.timeoutLoop(ctx)
	log.Info().
		Dur("result_timeout", r.config.ResultTimeout).
		Msg("🔎 Reconciler started")
}

// Track registers the pending execution for a sequence. A previous
// pending for the same sequence is replaced; the orchestrator guarantees
// it has already been resolved or abandoned.
func (r *Reconciler) Track(p Pending, resolve func(types.Outcome)) {
	r.mu.Lock()
	if _, exists := r.pending[p.SequenceID]; exists {
		log.Warn().
			Str("sequence", p.SequenceID).
			Int("step", p.Step).
			Msg("Replacing unresolved pending execution")
	}
	r.pending[p.SequenceID] = &pendingEntry{
		Pending:  p,
		resolve:  resolve,
		deadline: p.SubmittedAt.Add(r.config.ResultTimeout),
	}
	r.mu.Unlock()

	log.Debug().
		Str("sequence", p.SequenceID).
		Int("step", p.Step).
		Str("stake", p.Stake.StringFixed(0)).
		Str("trend", string(p.Trend)).
		Msg("👀 Tracking pending execution")
}

// Drop clears a sequence's pending execution without applying any
// outcome. Used on cancellation; later reports for the sequence become
// no-ops.
func (r *Reconciler) Drop(sequenceID string) {
	r.mu.Lock()
	_, existed := r.pending[sequenceID]
	delete(r.pending, sequenceID)
	r.mu.Unlock()

	if existed {
		log.Debug().Str("sequence", sequenceID).Msg("Dropped pending execution")
	}
}

// PendingCount returns how many executions are unresolved.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// apply is the single resolution path. It returns false when the
// sequence has no pending (already resolved or cancelled) or when the
// ledger already holds this outcome for it.
func (r *Reconciler) apply(sequenceID string, outcome types.Outcome) bool {
	r.mu.Lock()
	entry, ok := r.pending[sequenceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if last, seen := r.ledger[sequenceID]; seen && last == outcome.ID {
		r.mu.Unlock()
		return false
	}
	if _, consumed := r.applied[outcome.ID]; consumed {
		// some other sequence already claimed this outcome
		r.mu.Unlock()
		return false
	}

	r.ledger[sequenceID] = outcome.ID
	r.recordApplied(outcome.ID)
	delete(r.pending, sequenceID)
	resolve := entry.resolve
	journal := r.journal
	r.mu.Unlock()

	if journal != nil {
		if err := journal.RecordApplied(outcome.ID, sequenceID, outcome.Channel, outcome.ObservedAt); err != nil {
			log.Error().Err(err).Str("outcome", outcome.ID).Msg("Failed to journal applied outcome")
		}
	}

	log.Info().
		Str("sequence", sequenceID).
		Int("step", entry.Step).
		Str("status", string(outcome.Status)).
		Str("channel", string(outcome.Channel)).
		Str("payout", outcome.Payout.StringFixed(0)).
		Msg("🎯 Outcome applied")

	resolve(outcome)
	return true
}

// recordApplied remembers a consumed outcome id; caller holds mu.
func (r *Reconciler) recordApplied(id string) {
	if id == "" {
		return
	}
	if _, dup := r.applied[id]; dup {
		return
	}
	r.applied[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.order) > appliedCap {
		delete(r.applied, r.order[0])
		r.order = r.order[1:]
	}
}

// timeoutLoop synthesizes an assumed loss for pendings nobody resolved.
func (r *Reconciler) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepTimeouts()
		}
	}
}

func (r *Reconciler) sweepTimeouts() {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*pendingEntry
	for _, entry := range r.pending {
		if now.After(entry.deadline) {
			expired = append(expired, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range expired {
		outcome := types.Outcome{
			ID:         "timeout-" + uuid.NewString(),
			Status:     types.OutcomeLoss,
			Stake:      entry.Stake,
			Trend:      entry.Trend,
			Account:    entry.Account,
			Channel:    types.ChannelTimeout,
			ObservedAt: now,
			FinishedAt: now,
		}
		if r.apply(entry.SequenceID, outcome) {
			log.Warn().
				Str("sequence", entry.SequenceID).
				Int("step", entry.Step).
				Dur("after", now.Sub(entry.SubmittedAt)).
				Msg("⏳ No channel resolved in time, assuming loss")
		}
	}
}
