package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Trend is the direction of a bet.
type Trend string

const (
	TrendCall Trend = "call" // price goes up
	TrendPut  Trend = "put"  // price goes down
)

// Opposite returns the inverse direction.
func (t Trend) Opposite() Trend {
	if t == TrendCall {
		return TrendPut
	}
	return TrendCall
}

// AccountKind selects demo or real funds.
type AccountKind string

const (
	AccountDemo AccountKind = "demo"
	AccountReal AccountKind = "real"
)

// MultiplierKind selects how the stake escalates between steps.
type MultiplierKind string

const (
	MultiplierFixed   MultiplierKind = "FIXED"      // stake * m^(step-1)
	MultiplierPercent MultiplierKind = "PERCENTAGE" // stake * (1+p/100)^(step-1)
)

// OutcomeStatus is the settled result of one order.
type OutcomeStatus string

const (
	OutcomeWin  OutcomeStatus = "win"
	OutcomeLoss OutcomeStatus = "loss"
	OutcomeDraw OutcomeStatus = "draw"
)

// Channel identifies which detection path produced an outcome.
type Channel string

const (
	ChannelPush    Channel = "push"
	ChannelPoll    Channel = "poll"
	ChannelBalance Channel = "balance"
	ChannelTimeout Channel = "timeout-fallback"
)

// Order is a venue-legal bet ready for submission.
type Order struct {
	ClientID  string
	Asset     string
	Trend     Trend
	Stake     decimal.Decimal
	Account   AccountKind
	CreatedAt time.Time
	ExpireAt  time.Time
}

// Duration is the order lifetime as computed at build time.
func (o *Order) Duration() time.Duration {
	return o.ExpireAt.Sub(o.CreatedAt)
}

// Outcome is a resolved trade result.
type Outcome struct {
	ID         string
	Status     OutcomeStatus
	Stake      decimal.Decimal
	Trend      Trend
	Payout     decimal.Decimal
	Account    AccountKind
	CreatedAt  time.Time
	FinishedAt time.Time
	Channel    Channel
	ObservedAt time.Time
}

// Settled reports whether the venue considers the trade complete.
func (o *Outcome) Settled() bool {
	switch o.Status {
	case OutcomeWin, OutcomeLoss, OutcomeDraw:
		return !o.FinishedAt.IsZero()
	}
	return false
}

// RejectError is returned by the transport when the venue explicitly
// refuses an order. Reason carries the venue's raw refusal text.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "order rejected by venue: " + e.Reason
}

// TradeClosedEvent is a push notification that a trade reached terminal status.
// The venue sends these without any correlation id to our submissions.
type TradeClosedEvent struct {
	Status     OutcomeStatus
	Stake      decimal.Decimal
	Trend      Trend
	Payout     decimal.Decimal
	Account    AccountKind
	FinishedAt time.Time
	ReceivedAt time.Time
}

// BalanceEvent is a push notification carrying the new account balance.
type BalanceEvent struct {
	Balance    decimal.Decimal
	Account    AccountKind
	ReceivedAt time.Time
}

// StepRecord is the persisted trail of one settled step of a sequence.
type StepRecord struct {
	SequenceID  string
	Step        int
	ClientID    string
	Stake       decimal.Decimal
	Status      OutcomeStatus
	Channel     Channel
	Payout      decimal.Decimal
	SubmittedAt time.Time
	SettledAt   time.Time
}

// SequenceRecord for display and persistence of a completed martingale run.
type SequenceRecord struct {
	ID            string
	Asset         string
	Trend         Trend
	Account       AccountKind
	BaseStake     decimal.Decimal
	Steps         int
	State         string
	TotalLoss     decimal.Decimal
	Recovered     decimal.Decimal
	AssumedLosses int
	StartedAt     time.Time
	FinishedAt    time.Time
}
