package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/betbot/engine"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []engine.SequenceParams
	err      error
}

func (l *fakeLauncher) StartSequence(params engine.SequenceParams) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.launches = append(l.launches, params)
	return "seq-1", nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

type fakePrewarmer struct {
	mu       sync.Mutex
	holds    int
	releases int
}

func (p *fakePrewarmer) Hold() func() {
	p.mu.Lock()
	p.holds++
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.releases++
		p.mu.Unlock()
	}
}

func baseParams() engine.SequenceParams {
	return engine.SequenceParams{
		Asset:           "EURUSD",
		Account:         types.AccountDemo,
		BaseStake:       decimal.NewFromInt(1_400_000),
		MaxSteps:        3,
		MultiplierKind:  types.MultiplierFixed,
		MultiplierValue: decimal.NewFromInt(2),
	}
}

func newTestScheduler(launcher Launcher, prewarmer Prewarmer, clock Clock) *Scheduler {
	return NewScheduler(launcher, prewarmer, clock, baseParams(), DefaultConfig())
}

func triggerByID(t *testing.T, s *Scheduler, id string) Trigger {
	t.Helper()
	for _, tr := range s.Triggers() {
		if tr.ID == id {
			return tr
		}
	}
	t.Fatalf("trigger %s not found", id)
	return Trigger{}
}

func TestTriggerLifecycleToExecuted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	launcher := &fakeLauncher{}
	warmer := &fakePrewarmer{}
	s := newTestScheduler(launcher, warmer, clock)

	id, err := s.Schedule(clock.Now().Add(20*time.Second), types.TrendCall)
	require.NoError(t, err)

	s.process()
	assert.Equal(t, TriggerPending, triggerByID(t, s, id).State)
	assert.Equal(t, 0, warmer.holds)

	// 12s before fire: still outside the pre-warm lead.
	clock.Advance(8 * time.Second)
	s.process()
	assert.Equal(t, TriggerPending, triggerByID(t, s, id).State)

	// 8s before fire: transport held.
	clock.Advance(4 * time.Second)
	s.process()
	assert.Equal(t, TriggerPreWarming, triggerByID(t, s, id).State)
	assert.Equal(t, 1, warmer.holds)

	// 2s before fire: armed.
	clock.Advance(6 * time.Second)
	s.process()
	assert.Equal(t, TriggerArmed, triggerByID(t, s, id).State)
	assert.Equal(t, 0, launcher.count())

	// Fire time plus a little jitter.
	clock.Advance(2*time.Second + 300*time.Millisecond)
	s.process()

	got := triggerByID(t, s, id)
	assert.Equal(t, TriggerExecuted, got.State)
	assert.Equal(t, "seq-1", got.SequenceID)
	assert.Equal(t, 300*time.Millisecond, got.Deviation)
	assert.Equal(t, 1, warmer.releases)

	require.Equal(t, 1, launcher.count())
	launched := launcher.launches[0]
	assert.Equal(t, types.TrendCall, launched.Trend)
	assert.True(t, launched.Boundary)
	assert.Equal(t, "EURUSD", launched.Asset)
}

func TestBusySlotSkipsTriggerWithoutDispatch(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	launcher := &fakeLauncher{err: engine.ErrSlotBusy}
	s := newTestScheduler(launcher, &fakePrewarmer{}, clock)

	id, err := s.Schedule(clock.Now().Add(time.Second), types.TrendPut)
	require.NoError(t, err)

	clock.Advance(time.Second)
	s.process()

	got := triggerByID(t, s, id)
	assert.Equal(t, TriggerSkipped, got.State)
	assert.Equal(t, SkipReasonSlotBusy, got.SkipReason)
	assert.Equal(t, 0, launcher.count())
}

func TestMissedFireWindowSkips(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	launcher := &fakeLauncher{}
	s := newTestScheduler(launcher, &fakePrewarmer{}, clock)

	id, err := s.Schedule(clock.Now().Add(time.Second), types.TrendCall)
	require.NoError(t, err)
	s.process()

	// The loop stalls past the tolerance; the trigger must not fire late.
	clock.Advance(4 * time.Second)
	s.process()

	got := triggerByID(t, s, id)
	assert.Equal(t, TriggerSkipped, got.State)
	assert.Equal(t, "missed fire window", got.SkipReason)
	assert.Equal(t, 0, launcher.count())
}

func TestSkipInvokesHandler(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	launcher := &fakeLauncher{err: engine.ErrSlotBusy}
	s := newTestScheduler(launcher, &fakePrewarmer{}, clock)

	type skip struct {
		at     time.Time
		reason string
	}
	skips := make(chan skip, 1)
	s.OnSkipped(func(at time.Time, reason string) { skips <- skip{at, reason} })

	at := clock.Now().Add(time.Second)
	_, err := s.Schedule(at, types.TrendPut)
	require.NoError(t, err)

	clock.Advance(time.Second)
	s.process()

	// the handler runs off the scheduler loop
	select {
	case got := <-skips:
		assert.True(t, got.at.Equal(at))
		assert.Equal(t, SkipReasonSlotBusy, got.reason)
	case <-time.After(time.Second):
		t.Fatal("skip handler never fired")
	}
}

func TestScheduleRefusesPastTime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	s := newTestScheduler(&fakeLauncher{}, &fakePrewarmer{}, clock)

	_, err := s.Schedule(clock.Now().Add(-5*time.Second), types.TrendCall)
	assert.Error(t, err)

	// Inside the fire window still counts as schedulable.
	_, err = s.Schedule(clock.Now().Add(-time.Second), types.TrendCall)
	assert.NoError(t, err)
}

func TestCancelReleasesPrewarmHold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	warmer := &fakePrewarmer{}
	s := newTestScheduler(&fakeLauncher{}, warmer, clock)

	id, err := s.Schedule(clock.Now().Add(5*time.Second), types.TrendCall)
	require.NoError(t, err)

	s.process()
	require.Equal(t, 1, warmer.holds)

	require.NoError(t, s.Cancel(id))
	assert.Equal(t, 1, warmer.releases)
	assert.Equal(t, TriggerSkipped, triggerByID(t, s, id).State)

	assert.Error(t, s.Cancel(id), "resolved triggers cannot be cancelled again")
}

func TestResolvedTriggersPurgedAfterRetention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	s := newTestScheduler(&fakeLauncher{}, &fakePrewarmer{}, clock)

	id, err := s.Schedule(clock.Now().Add(time.Second), types.TrendCall)
	require.NoError(t, err)

	clock.Advance(time.Second)
	s.process()
	require.Equal(t, TriggerExecuted, triggerByID(t, s, id).State)

	clock.Advance(time.Hour)
	s.process()
	assert.Len(t, s.Triggers(), 1, "inside retention the record stays")

	clock.Advance(90 * time.Minute)
	s.process()
	assert.Empty(t, s.Triggers())
}
