package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/betbot/dispatch"
	"github.com/web3guy0/betbot/reconcile"
	"github.com/web3guy0/betbot/risk"
	"github.com/web3guy0/betbot/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeGateway struct {
	mu   sync.Mutex
	errs []error // consumed per submission; nil once exhausted
	seen []*types.Order
}

func (g *fakeGateway) Submit(_ context.Context, order *types.Order) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, order)
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func (g *fakeGateway) submissions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

type fakeStore struct {
	mu    sync.Mutex
	recs  []types.SequenceRecord
	steps []types.StepRecord
}

func (s *fakeStore) SaveSequence(rec types.SequenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *fakeStore) SaveStep(rec types.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, rec)
	return nil
}

type nullQuerier struct{}

func (nullQuerier) RecentOutcomes(context.Context, types.AccountKind) ([]types.Outcome, error) {
	return nil, nil
}

type harness struct {
	engine     *Engine
	reconciler *reconcile.Reconciler
	gateway    *fakeGateway
	store      *fakeStore
	clock      *fakeClock
	done       chan Summary
	started    chan SequenceParams
	steps      chan int
	results    chan dispatch.Result
	cancel     context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 5, 11, 10, 0, 5, 0, time.UTC)}
	gateway := &fakeGateway{}
	store := &fakeStore{}
	rec := reconcile.New(nullQuerier{}, clock, reconcile.DefaultConfig())
	disp := dispatch.NewDispatcher(gateway, clock, dispatch.DefaultConfig())

	h := &harness{
		reconciler: rec,
		gateway:    gateway,
		store:      store,
		clock:      clock,
		done:       make(chan Summary, 4),
		started:    make(chan SequenceParams, 4),
		steps:      make(chan int, 16),
		results:    make(chan dispatch.Result, 16),
	}

	h.engine = NewEngine(disp, rec, clock, risk.DefaultLimits(), nil, store, Callbacks{
		OnStarted:      func(_ string, p SequenceParams) { h.started <- p },
		OnCompleted:    func(_ string, s Summary) { h.done <- s },
		OnStepAdvance:  func(_ string, step int) { h.steps <- step },
		OnSubmitResult: func(_ string, r dispatch.Result) { h.results <- r },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.engine.Start(ctx)
	t.Cleanup(cancel)
	return h
}

func (h *harness) params() SequenceParams {
	return SequenceParams{
		Asset:           "EURUSD",
		Trend:           types.TrendCall,
		Account:         types.AccountDemo,
		BaseStake:       decimal.NewFromInt(1_400_000),
		MaxSteps:        3,
		MultiplierKind:  types.MultiplierFixed,
		MultiplierValue: decimal.NewFromFloat(2.0),
	}
}

func (h *harness) waitPending(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.reconciler.PendingCount() == 1
	}, time.Second, 2*time.Millisecond)
}

func (h *harness) pushResult(status types.OutcomeStatus, stake, payout int64) {
	h.reconciler.HandleTradeClosed(types.TradeClosedEvent{
		Status: status,
		Stake:  decimal.NewFromInt(stake),
		Trend:  types.TrendCall,
		Payout: decimal.NewFromInt(payout),
	})
}

func (h *harness) waitDone(t *testing.T) Summary {
	t.Helper()
	select {
	case s := <-h.done:
		return s
	case <-time.After(time.Second):
		t.Fatal("sequence did not finish")
		return Summary{}
	}
}

func TestSequenceWinsOnFirstStep(t *testing.T) {
	h := newHarness(t)

	id, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	h.waitPending(t)
	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)

	s := h.waitDone(t)
	assert.Equal(t, StateCompletedWin, s.State)
	assert.Equal(t, 1, s.StepsTaken)
	assert.True(t, s.Recovered.Equal(decimal.NewFromInt(2_550_000)), "recovered %s", s.Recovered)
	assert.Equal(t, 0, h.engine.ActiveCount())
}

func TestSequenceEscalatesOnLossThenRecovers(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)

	h.waitPending(t)
	h.pushResult(types.OutcomeLoss, 1_400_000, 0)

	// step 2 must carry the doubled stake
	require.Equal(t, 2, <-h.steps)
	h.waitPending(t)
	h.pushResult(types.OutcomeWin, 2_800_000, 5_100_000)

	s := h.waitDone(t)
	assert.Equal(t, StateCompletedWin, s.State)
	assert.Equal(t, 2, s.StepsTaken)
	// payout 5.1M minus the 1.4M lost on step 1
	assert.True(t, s.Recovered.Equal(decimal.NewFromInt(3_700_000)), "recovered %s", s.Recovered)
	assert.True(t, s.TotalLoss.Equal(decimal.NewFromInt(1_400_000)))

	require.Equal(t, 2, h.gateway.submissions())
	second := h.gateway.seen[1]
	assert.True(t, second.Stake.Equal(decimal.NewFromInt(2_800_000)), "stake %s", second.Stake)
}

func TestSequenceCompletesLossAtStepCap(t *testing.T) {
	h := newHarness(t)

	p := h.params()
	p.MaxSteps = 2
	_, err := h.engine.StartSequence(p)
	require.NoError(t, err)

	h.waitPending(t)
	h.pushResult(types.OutcomeLoss, 1_400_000, 0)
	h.waitPending(t)
	h.pushResult(types.OutcomeLoss, 2_800_000, 0)

	s := h.waitDone(t)
	assert.Equal(t, StateCompletedLoss, s.State)
	assert.Equal(t, 2, s.StepsTaken)
	assert.True(t, s.TotalLoss.Equal(decimal.NewFromInt(4_200_000)), "loss %s", s.TotalLoss)
	assert.True(t, s.Recovered.IsZero())
}

func TestAssumedLossContinuesSequence(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 11, 10, 0, 5, 0, time.UTC)}
	gateway := &fakeGateway{}
	cfg := reconcile.DefaultConfig()
	cfg.ResultTimeout = 80 * time.Millisecond
	rec := reconcile.New(nullQuerier{}, clock, cfg)
	disp := dispatch.NewDispatcher(gateway, clock, dispatch.DefaultConfig())

	done := make(chan Summary, 1)
	eng := NewEngine(disp, rec, clock, risk.DefaultLimits(), nil, nil, Callbacks{
		OnCompleted: func(_ string, s Summary) { done <- s },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	rec.Start(ctx) // real sweeper; fake clock never reaches the deadline by itself

	p := SequenceParams{
		Asset:           "EURUSD",
		Trend:           types.TrendCall,
		Account:         types.AccountDemo,
		BaseStake:       decimal.NewFromInt(1_400_000),
		MaxSteps:        1,
		MultiplierKind:  types.MultiplierFixed,
		MultiplierValue: decimal.NewFromFloat(2.0),
	}
	_, err := eng.StartSequence(p)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.PendingCount() == 1 }, time.Second, 2*time.Millisecond)
	// jump the server clock past the result deadline; the next sweep fires
	clock.mu.Lock()
	clock.now = clock.now.Add(2 * time.Minute)
	clock.mu.Unlock()

	select {
	case s := <-done:
		assert.Equal(t, StateCompletedLoss, s.State)
		assert.Equal(t, 1, s.AssumedLosses)
		assert.Equal(t, types.ChannelTimeout, s.FinalChannel)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout fallback never fired")
	}
}

func TestDrawReplaysStepAtSameStake(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)

	h.waitPending(t)
	h.pushResult(types.OutcomeDraw, 1_400_000, 0)

	// same step again, unchanged stake
	h.waitPending(t)
	require.Equal(t, 2, h.gateway.submissions())
	assert.True(t, h.gateway.seen[1].Stake.Equal(decimal.NewFromInt(1_400_000)))

	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)
	s := h.waitDone(t)
	assert.Equal(t, StateCompletedWin, s.State)
	assert.Equal(t, 1, s.StepsTaken)
	assert.True(t, s.TotalLoss.IsZero(), "a draw must not count as loss")
}

func TestBreakerHaltsNewSequences(t *testing.T) {
	h := newHarness(t)
	breaker := risk.NewCircuitBreaker(1, decimal.NewFromInt(1_000_000_000), time.Hour)
	h.engine.breaker = breaker
	require.True(t, breaker.Allow()) // pins the daily-reset date

	p := h.params()
	p.MaxSteps = 1
	_, err := h.engine.StartSequence(p)
	require.NoError(t, err)

	h.waitPending(t)
	h.pushResult(types.OutcomeLoss, 1_400_000, 0)
	s := h.waitDone(t)
	require.Equal(t, StateCompletedLoss, s.State)

	_, err = h.engine.StartSequence(p)
	assert.ErrorIs(t, err, ErrHalted)
}

func TestSlotRefusesSecondSequence(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)
	h.waitPending(t)

	_, err = h.engine.StartSequence(h.params())
	require.ErrorIs(t, err, ErrSlotBusy)

	// resolve the first; the slot opens up again
	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)
	h.waitDone(t)

	_, err = h.engine.StartSequence(h.params())
	assert.NoError(t, err)
}

func TestStartSequenceRejectsInvalidParams(t *testing.T) {
	h := newHarness(t)

	p := h.params()
	p.MaxSteps = 99
	_, err := h.engine.StartSequence(p)

	var verr *risk.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, h.gateway.submissions(), "nothing may reach the wire")
}

func TestCancelSequenceDropsPending(t *testing.T) {
	h := newHarness(t)

	id, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)
	h.waitPending(t)

	require.NoError(t, h.engine.CancelSequence(id))
	s := h.waitDone(t)
	assert.Equal(t, StateCancelled, s.State)
	assert.Equal(t, 0, h.reconciler.PendingCount())

	// a late result for the cancelled sequence must change nothing
	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)
	assert.Equal(t, 0, h.engine.ActiveCount())
}

func TestRejectedSubmissionEndsSequence(t *testing.T) {
	h := newHarness(t)
	h.gateway.errs = []error{&types.RejectError{Reason: "amount below minimum"}}

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)

	res := <-h.results
	assert.Equal(t, dispatch.StatusRejected, res.Status)
	assert.Equal(t, dispatch.ReasonInvalidAmount, res.Reason)

	s := h.waitDone(t)
	assert.Equal(t, StateCancelled, s.State)
	assert.False(t, h.engine.SlotBusy("EURUSD:demo"))
}

func TestStartSequenceFiresOnStarted(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)

	select {
	case p := <-h.started:
		assert.Equal(t, "EURUSD", p.Asset)
		assert.Equal(t, types.TrendCall, p.Trend)
	case <-time.After(time.Second):
		t.Fatal("OnStarted never fired")
	}

	h.waitPending(t)
	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)
	h.waitDone(t)
}

func TestFinishedSequenceReleasesContext(t *testing.T) {
	h := newHarness(t)

	id, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)
	h.waitPending(t)

	h.engine.mu.Lock()
	seqCtx := h.engine.sequences[id].ctx
	h.engine.mu.Unlock()
	require.NoError(t, seqCtx.Err(), "context must live while the sequence runs")

	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)
	h.waitDone(t)

	// terminal states must not leave the child context attached to the
	// engine root for the rest of the process
	require.Eventually(t, func() bool {
		return seqCtx.Err() != nil
	}, time.Second, 2*time.Millisecond)
}

func TestSettledStepsArePersisted(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)

	h.waitPending(t)
	h.pushResult(types.OutcomeLoss, 1_400_000, 0)
	require.Equal(t, 2, <-h.steps)
	h.waitPending(t)
	h.pushResult(types.OutcomeWin, 2_800_000, 5_100_000)
	h.waitDone(t)

	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.steps) == 2
	}, time.Second, 2*time.Millisecond)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	first, second := h.store.steps[0], h.store.steps[1]
	assert.Equal(t, 1, first.Step)
	assert.Equal(t, types.OutcomeLoss, first.Status)
	assert.True(t, first.Stake.Equal(decimal.NewFromInt(1_400_000)), "stake %s", first.Stake)
	assert.Equal(t, 2, second.Step)
	assert.Equal(t, types.OutcomeWin, second.Status)
	assert.True(t, second.Stake.Equal(decimal.NewFromInt(2_800_000)), "stake %s", second.Stake)
	assert.True(t, second.Payout.Equal(decimal.NewFromInt(5_100_000)), "payout %s", second.Payout)
	assert.Equal(t, types.ChannelPush, second.Channel)
}

func TestFinishedSequenceIsPersisted(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.StartSequence(h.params())
	require.NoError(t, err)
	h.waitPending(t)
	h.pushResult(types.OutcomeWin, 1_400_000, 2_550_000)
	h.waitDone(t)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.recs, 1)
	assert.Equal(t, string(StateCompletedWin), h.store.recs[0].State)
	assert.Equal(t, "EURUSD", h.store.recs[0].Asset)
}
