package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/betbot/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeGateway struct {
	err   error
	block bool // simulate a venue that never answers
	last  *types.Order
}

func (g *fakeGateway) Submit(ctx context.Context, order *types.Order) error {
	g.last = order
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return g.err
}

func at(hhmmss string) time.Time {
	t, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 5, 11, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func newTestDispatcher(gw Gateway, now time.Time) *Dispatcher {
	return NewDispatcher(gw, &fakeClock{now: now}, DefaultConfig())
}

func TestBuildOrder_BoundarySnapsToNextMinute(t *testing.T) {
	d := newTestDispatcher(&fakeGateway{}, at("10:04:05"))

	order, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.NoError(t, err)
	assert.Equal(t, at("10:05:00"), order.ExpireAt)
	assert.Equal(t, 55*time.Second, order.Duration())
}

func TestBuildOrder_BoundaryRollsOverOnShortRunway(t *testing.T) {
	// 1s of runway left: the next boundary is unreachable, take the one after
	d := newTestDispatcher(&fakeGateway{}, at("10:04:59"))

	order, err := d.BuildOrder("EURUSD", types.TrendPut, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.NoError(t, err)
	assert.Equal(t, at("10:06:00"), order.ExpireAt)
	assert.Equal(t, 61*time.Second, order.Duration())
}

func TestBuildOrder_BoundaryRejectsIllegalDuration(t *testing.T) {
	// 49s of runway: too short for the boundary window, too long to roll over
	d := newTestDispatcher(&fakeGateway{}, at("10:04:11"))

	_, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "49s")
}

func TestBuildOrder_ImmediateLandsIn60To120Window(t *testing.T) {
	for _, hhmmss := range []string{"10:04:00", "10:04:01", "10:04:30", "10:04:59"} {
		d := newTestDispatcher(&fakeGateway{}, at(hhmmss))
		order, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountReal, false)
		require.NoError(t, err, "at %s", hhmmss)
		assert.GreaterOrEqual(t, order.Duration(), time.Minute, "at %s", hhmmss)
		assert.LessOrEqual(t, order.Duration(), 2*time.Minute, "at %s", hhmmss)
	}
}

func TestBuildOrder_RejectsNonPositiveStake(t *testing.T) {
	d := newTestDispatcher(&fakeGateway{}, at("10:04:05"))
	_, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.Zero, types.AccountDemo, true)
	assert.Error(t, err)
}

func TestSubmit_Ack(t *testing.T) {
	gw := &fakeGateway{}
	d := newTestDispatcher(gw, at("10:04:05"))
	order, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.NoError(t, err)

	res := d.Submit(context.Background(), order, false)
	assert.Equal(t, StatusAck, res.Status)
	assert.True(t, res.Ok())
	assert.Equal(t, order, gw.last)
}

func TestSubmit_Rejected(t *testing.T) {
	gw := &fakeGateway{err: &types.RejectError{Reason: "invalid expiration for asset"}}
	d := newTestDispatcher(gw, at("10:04:05"))
	order, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.NoError(t, err)

	res := d.Submit(context.Background(), order, false)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInvalidExpiry, res.Reason)
	assert.False(t, res.Ok())
}

func TestSubmit_SendFailed(t *testing.T) {
	gw := &fakeGateway{err: errors.New("connection reset")}
	d := newTestDispatcher(gw, at("10:04:05"))
	order, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.NoError(t, err)

	res := d.Submit(context.Background(), order, true)
	assert.Equal(t, StatusSendFailed, res.Status)
}

func TestSubmit_TimeoutOnSilentVenue(t *testing.T) {
	gw := &fakeGateway{block: true}
	d := NewDispatcher(gw, &fakeClock{now: at("10:04:05")}, Config{
		FirstAckTimeout: 30 * time.Millisecond,
		RetryAckTimeout: 20 * time.Millisecond,
	})
	order, err := d.BuildOrder("EURUSD", types.TrendCall, decimal.NewFromInt(100_000), types.AccountDemo, true)
	require.NoError(t, err)

	res := d.Submit(context.Background(), order, true)
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestClassifyReject(t *testing.T) {
	tests := []struct {
		raw  string
		want RejectReason
	}{
		{"invalid expiration", ReasonInvalidExpiry},
		{"amount below minimum", ReasonInvalidAmount},
		{"stake too large", ReasonInvalidAmount},
		{"unknown asset", ReasonInvalidAsset},
		{"instrument closed", ReasonInvalidAsset},
		{"duplicate order", ReasonDuplicate},
		{"order already placed", ReasonDuplicate},
		{"unsupported currency", ReasonUnsupportedCurrency},
		{"something else entirely", ReasonOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyReject(tt.raw), "raw=%q", tt.raw)
	}
}
