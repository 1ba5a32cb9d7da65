package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARTINGALE STAKE POLICY - Deterministic stake escalation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula:
//   FIXED:      stake(n) = base * m^(n-1)
//   PERCENTAGE: stake(n) = base * (1 + p/100)^(n-1)
//
// Stakes are floored to the currency's minimum tradable unit, so the
// policy never emits a venue-illegal amount. The whole sequence is
// validated up front, before the first order leaves the process.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// MinSequenceSteps and MaxSequenceSteps bound the length of a run.
	MinSequenceSteps = 1
	MaxSequenceSteps = 10
)

var (
	maxFixedMultiplier   = decimal.NewFromInt(15)
	minFixedMultiplier   = decimal.NewFromInt(1)
	maxPercentMultiplier = decimal.NewFromInt(1000)
	oneHundred           = decimal.NewFromInt(100)
)

// Limits holds the currency-dependent stake bounds.
type Limits struct {
	Unit         decimal.Decimal // minimum tradable unit, stakes are floored to it
	MinStake     decimal.Decimal // smallest accepted base stake
	MaxStake     decimal.Decimal // hard ceiling for any single step
	MaxTotalRisk decimal.Decimal // ceiling for the sum of all steps
}

// DefaultLimits matches the venue's published limits for minor-unit currencies.
func DefaultLimits() Limits {
	return Limits{
		Unit:         decimal.NewFromInt(1000),
		MinStake:     decimal.NewFromInt(10000),
		MaxStake:     decimal.NewFromInt(500_000_000),
		MaxTotalRisk: decimal.NewFromInt(2_000_000_000),
	}
}

// ValidationError reports an illegal sequence parameter. Step is zero when
// the failure is not tied to a particular step.
type ValidationError struct {
	Field  string
	Step   int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("invalid %s at step %d: %s", e.Field, e.Step, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Params describes one martingale sequence for validation.
type Params struct {
	Base            decimal.Decimal
	MaxSteps        int
	MultiplierKind  types.MultiplierKind
	MultiplierValue decimal.Decimal
}

// AmountForStep computes the stake for step (1-based), floored to unit.
// It is a pure function: the same inputs always yield the same stake.
func AmountForStep(base decimal.Decimal, kind types.MultiplierKind, value decimal.Decimal, step int, unit decimal.Decimal) decimal.Decimal {
	if step <= 1 {
		return floorToUnit(base, unit)
	}

	factor := growthFactor(kind, value)
	stake := base.Mul(factor.Pow(decimal.NewFromInt(int64(step - 1))))
	return floorToUnit(stake, unit)
}

// TotalRisk is the sum of every step's stake, the worst-case loss of a run.
func TotalRisk(base decimal.Decimal, kind types.MultiplierKind, value decimal.Decimal, maxSteps int, unit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for n := 1; n <= maxSteps; n++ {
		total = total.Add(AmountForStep(base, kind, value, n, unit))
	}
	return total
}

// Validate rejects any sequence that could produce an illegal or
// unaffordable order. The first offending step is named in the error.
func Validate(p Params, limits Limits) error {
	if p.MaxSteps < MinSequenceSteps || p.MaxSteps > MaxSequenceSteps {
		return &ValidationError{Field: "maxSteps", Reason: fmt.Sprintf("must be in [%d,%d], got %d", MinSequenceSteps, MaxSequenceSteps, p.MaxSteps)}
	}

	if p.Base.LessThan(limits.MinStake) {
		return &ValidationError{Field: "base", Reason: fmt.Sprintf("below minimum stake %s", limits.MinStake)}
	}
	if p.Base.GreaterThan(limits.MaxStake) {
		return &ValidationError{Field: "base", Reason: fmt.Sprintf("above maximum stake %s", limits.MaxStake)}
	}

	switch p.MultiplierKind {
	case types.MultiplierFixed:
		if p.MultiplierValue.LessThanOrEqual(minFixedMultiplier) {
			return &ValidationError{Field: "multiplier", Reason: "fixed multiplier must be greater than 1.0"}
		}
		if p.MultiplierValue.GreaterThan(maxFixedMultiplier) {
			return &ValidationError{Field: "multiplier", Reason: "fixed multiplier must not exceed 15.0"}
		}
	case types.MultiplierPercent:
		if p.MultiplierValue.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{Field: "multiplier", Reason: "percentage multiplier must be positive"}
		}
		if p.MultiplierValue.GreaterThan(maxPercentMultiplier) {
			return &ValidationError{Field: "multiplier", Reason: "percentage multiplier must not exceed 1000"}
		}
	default:
		return &ValidationError{Field: "multiplierKind", Reason: fmt.Sprintf("unknown kind %q", p.MultiplierKind)}
	}

	total := decimal.Zero
	for n := 1; n <= p.MaxSteps; n++ {
		stake := AmountForStep(p.Base, p.MultiplierKind, p.MultiplierValue, n, limits.Unit)
		if stake.GreaterThan(limits.MaxStake) {
			return &ValidationError{
				Field:  "stake",
				Step:   n,
				Reason: fmt.Sprintf("computed stake %s exceeds ceiling %s", stake, limits.MaxStake),
			}
		}
		total = total.Add(stake)
	}

	if total.GreaterThan(limits.MaxTotalRisk) {
		return &ValidationError{
			Field:  "totalRisk",
			Reason: fmt.Sprintf("sequence risk %s exceeds ceiling %s", total, limits.MaxTotalRisk),
		}
	}

	return nil
}

func growthFactor(kind types.MultiplierKind, value decimal.Decimal) decimal.Decimal {
	if kind == types.MultiplierPercent {
		return decimal.NewFromInt(1).Add(value.Div(oneHundred))
	}
	return value
}

// floorToUnit rounds down to the nearest multiple of unit.
func floorToUnit(amount, unit decimal.Decimal) decimal.Decimal {
	if unit.LessThanOrEqual(decimal.Zero) {
		return amount
	}
	return amount.Div(unit).Floor().Mul(unit)
}
