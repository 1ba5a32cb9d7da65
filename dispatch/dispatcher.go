package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE DISPATCHER - Builds venue-legal orders and submits them
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two order shapes:
//   boundary  - expiry snapped to the next minute mark (or the one after,
//               when fewer than ~10s of runway remain)
//   immediate - expiry snapped to the first minute mark at least 60s out
//
// A computed duration outside the legal window means our clock or the
// scheduler drifted; such orders are rejected locally, never submitted.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	boundaryMinDuration  = 50 * time.Second
	boundaryMaxDuration  = 70 * time.Second
	immediateMinDuration = 50 * time.Second
	immediateMaxDuration = 125 * time.Second

	// below this runway a boundary order rolls to the following minute
	minBoundaryRunway = 10 * time.Second
)

// Clock yields server-corrected time.
type Clock interface {
	Now() time.Time
}

// Gateway is the transport that actually sends orders to the venue.
// A nil error is an ack; *types.RejectError is an explicit refusal;
// anything else is a transport failure.
type Gateway interface {
	Submit(ctx context.Context, order *types.Order) error
}

// Status of one submission attempt.
type Status string

const (
	StatusAck        Status = "ACK"
	StatusSendFailed Status = "SEND_FAILED"
	StatusTimeout    Status = "TIMEOUT"
	StatusRejected   Status = "REJECTED"
)

// RejectReason is the venue's refusal classified into a small taxonomy.
type RejectReason string

const (
	ReasonInvalidExpiry       RejectReason = "invalid-expiry"
	ReasonInvalidAmount       RejectReason = "invalid-amount"
	ReasonInvalidAsset        RejectReason = "invalid-asset"
	ReasonDuplicate           RejectReason = "duplicate"
	ReasonUnsupportedCurrency RejectReason = "unsupported-currency"
	ReasonOther               RejectReason = "other"
)

// Result is the typed outcome of one submission attempt.
type Result struct {
	Order   *types.Order
	Status  Status
	Reason  RejectReason // set when Status == StatusRejected
	Err     error
	Latency time.Duration
}

// Ok reports whether the order was acknowledged.
func (r Result) Ok() bool { return r.Status == StatusAck }

// Config holds dispatcher timing settings.
type Config struct {
	FirstAckTimeout time.Duration // ack wait for a sequence's first step
	RetryAckTimeout time.Duration // ack wait for escalation steps
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FirstAckTimeout: 3 * time.Second,
		RetryAckTimeout: 2 * time.Second,
	}
}

// Dispatcher builds and submits orders.
type Dispatcher struct {
	gw     Gateway
	clock  Clock
	config Config
}

// NewDispatcher creates a dispatcher over the given transport.
func NewDispatcher(gw Gateway, clock Clock, config Config) *Dispatcher {
	return &Dispatcher{gw: gw, clock: clock, config: config}
}

// BuildOrder computes submission and expiry timestamps against the
// server clock and validates the resulting duration. It never submits.
func (d *Dispatcher) BuildOrder(asset string, trend types.Trend, stake decimal.Decimal, account types.AccountKind, boundary bool) (*types.Order, error) {
	if stake.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("non-positive stake %s", stake)
	}

	now := d.clock.Now()
	var expiry time.Time
	if boundary {
		expiry = now.Truncate(time.Minute).Add(time.Minute)
		if expiry.Sub(now) < minBoundaryRunway {
			expiry = expiry.Add(time.Minute)
		}
	} else {
		expiry = now.Truncate(time.Minute).Add(time.Minute)
		if expiry.Sub(now) < time.Minute {
			expiry = expiry.Add(time.Minute)
		}
	}

	order := &types.Order{
		ClientID:  "BB_" + uuid.NewString(),
		Asset:     asset,
		Trend:     trend,
		Stake:     stake,
		Account:   account,
		CreatedAt: now,
		ExpireAt:  expiry,
	}

	if err := validateDuration(order.Duration(), boundary); err != nil {
		return nil, err
	}
	return order, nil
}

// validateDuration guards against clock skew or scheduling jitter
// producing a venue-illegal order.
func validateDuration(dur time.Duration, boundary bool) error {
	min, max := immediateMinDuration, immediateMaxDuration
	kind := "immediate"
	if boundary {
		min, max = boundaryMinDuration, boundaryMaxDuration
		kind = "boundary"
	}
	if dur < min || dur > max {
		return fmt.Errorf("%s order duration %s outside [%s, %s]", kind, dur, min, max)
	}
	return nil
}

// Submit sends the order and waits for the venue's acknowledgment.
// Escalation steps get the shorter deadline: by the time step 2 fires
// the window is already ticking.
func (d *Dispatcher) Submit(ctx context.Context, order *types.Order, isRetry bool) Result {
	timeout := d.config.FirstAckTimeout
	if isRetry {
		timeout = d.config.RetryAckTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	err := d.gw.Submit(ctx, order)
	latency := time.Since(started)

	res := Result{Order: order, Latency: latency, Err: err}
	switch {
	case err == nil:
		res.Status = StatusAck
		log.Info().
			Str("client_id", order.ClientID).
			Str("asset", order.Asset).
			Str("trend", string(order.Trend)).
			Str("stake", order.Stake.StringFixed(0)).
			Time("expire_at", order.ExpireAt).
			Dur("latency", latency).
			Msg("📤 Order acknowledged")

	case isReject(err):
		var rej *types.RejectError
		errors.As(err, &rej)
		res.Status = StatusRejected
		res.Reason = ClassifyReject(rej.Reason)
		log.Warn().
			Str("client_id", order.ClientID).
			Str("reason", string(res.Reason)).
			Str("venue_reason", rej.Reason).
			Msg("🚫 Order rejected")

	case errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
		log.Warn().
			Str("client_id", order.ClientID).
			Dur("timeout", timeout).
			Msg("⏰ No acknowledgment in time")

	default:
		res.Status = StatusSendFailed
		log.Error().Err(err).
			Str("client_id", order.ClientID).
			Msg("❌ Order send failed")
	}
	return res
}

func isReject(err error) bool {
	var rej *types.RejectError
	return errors.As(err, &rej)
}

// ClassifyReject maps the venue's free-form refusal text onto the taxonomy.
func ClassifyReject(reason string) RejectReason {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "expir"), strings.Contains(r, "time"):
		return ReasonInvalidExpiry
	case strings.Contains(r, "amount"), strings.Contains(r, "stake"), strings.Contains(r, "sum"):
		return ReasonInvalidAmount
	case strings.Contains(r, "asset"), strings.Contains(r, "instrument"), strings.Contains(r, "market"):
		return ReasonInvalidAsset
	case strings.Contains(r, "duplicate"), strings.Contains(r, "already"):
		return ReasonDuplicate
	case strings.Contains(r, "currency"):
		return ReasonUnsupportedCurrency
	}
	return ReasonOther
}
