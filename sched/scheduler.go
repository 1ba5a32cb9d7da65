package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/betbot/engine"
	"github.com/web3guy0/betbot/metrics"
	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRECISION SCHEDULER - Fires sequences at predetermined wall-clock times
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trigger lifecycle:
//   PENDING → PRE_WARMING → ARMED → EXECUTED | SKIPPED
//
// Pre-warming starts 8s before fire time and keeps the transport hot so
// the submission itself costs almost nothing. A trigger fires inside a
// ±2s window around its scheduled time; outside it, or with its slot
// still occupied, it is skipped with a recorded reason. Resolved
// triggers are purged after the retention window.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TriggerState is the lifecycle position of one scheduled trigger.
type TriggerState string

const (
	TriggerPending    TriggerState = "PENDING"
	TriggerPreWarming TriggerState = "PRE_WARMING"
	TriggerArmed      TriggerState = "ARMED"
	TriggerExecuted   TriggerState = "EXECUTED"
	TriggerSkipped    TriggerState = "SKIPPED"
)

// SkipReasonSlotBusy is recorded when another sequence holds the slot at
// fire time.
const SkipReasonSlotBusy = "active sequence in slot"

// Trigger is a wall-clock time + trend pair awaiting execution.
type Trigger struct {
	ID         string
	At         time.Time
	Trend      types.Trend
	State      TriggerState
	FiredAt    time.Time
	Deviation  time.Duration // signed scheduled-vs-actual gap, diagnostics only
	SkipReason string
	SequenceID string

	resolvedAt time.Time
	release    func()
}

func (t *Trigger) resolved() bool {
	return t.State == TriggerExecuted || t.State == TriggerSkipped
}

// Launcher starts sequences; the engine satisfies it.
type Launcher interface {
	StartSequence(params engine.SequenceParams) (string, error)
}

// Prewarmer keeps the transport primed; the venue feed satisfies it.
type Prewarmer interface {
	Hold() func()
}

// Clock yields server-corrected time.
type Clock interface {
	Now() time.Time
}

// Config holds scheduler timing settings.
type Config struct {
	PreWarmLead time.Duration // how long before fire time pre-warming begins
	FireWindow  time.Duration // tolerated jitter around the scheduled time
	Retention   time.Duration // how long resolved triggers stay visible
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		PreWarmLead: 8 * time.Second,
		FireWindow:  2 * time.Second,
		Retention:   2 * time.Hour,
	}
}

// Scheduler drives triggers through their lifecycle against the server
// clock.
type Scheduler struct {
	mu sync.Mutex

	clock     Clock
	launcher  Launcher
	prewarmer Prewarmer // may be nil
	base      engine.SequenceParams
	config    Config

	onSkipped func(at time.Time, reason string)

	triggers map[string]*Trigger
}

// NewScheduler creates a scheduler. base is the parameter template every
// fired trigger inherits (the trigger only overrides the trend).
func NewScheduler(launcher Launcher, prewarmer Prewarmer, clock Clock, base engine.SequenceParams, config Config) *Scheduler {
	return &Scheduler{
		clock:     clock,
		launcher:  launcher,
		prewarmer: prewarmer,
		base:      base,
		config:    config,
		triggers:  make(map[string]*Trigger),
	}
}

// OnSkipped registers a handler invoked whenever a trigger resolves
// SKIPPED. Called from the scheduling loop, off the scheduler lock.
func (s *Scheduler) OnSkipped(h func(at time.Time, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSkipped = h
}

// Schedule registers a trigger. Times already outside the fire window
// are refused.
func (s *Scheduler) Schedule(at time.Time, trend types.Trend) (string, error) {
	now := s.clock.Now()
	if at.Before(now.Add(-s.config.FireWindow)) {
		return "", errors.New("scheduled time already passed")
	}

	trigger := &Trigger{
		ID:    uuid.NewString(),
		At:    at,
		Trend: trend,
		State: TriggerPending,
	}

	s.mu.Lock()
	s.triggers[trigger.ID] = trigger
	s.mu.Unlock()

	log.Info().
		Str("trigger", trigger.ID).
		Time("at", at).
		Str("trend", string(trend)).
		Msg("🗓️ Trigger scheduled")
	return trigger.ID, nil
}

// Cancel skips a trigger that has not fired yet.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trigger, ok := s.triggers[id]
	if !ok || trigger.resolved() {
		return errors.New("unknown or resolved trigger")
	}
	s.resolve(trigger, TriggerSkipped, "cancelled")
	return nil
}

// Triggers returns a snapshot of all known triggers.
func (s *Scheduler) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, *t)
	}
	return out
}

// Start runs the scheduling loop until ctx ends. The 100ms cadence
// bounds fire jitter well inside the ±2s window.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.releaseAll()
				return
			case <-ticker.C:
				s.process()
			}
		}
	}()
	log.Info().
		Dur("prewarm_lead", s.config.PreWarmLead).
		Dur("fire_window", s.config.FireWindow).
		Msg("⏰ Scheduler started")
}

// process advances every trigger one lifecycle step if due.
func (s *Scheduler) process() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, trigger := range s.triggers {
		s.advance(trigger, now)
	}

	s.purge(now)
}

// advance walks one trigger through every transition it is due for, so
// a stalled tick cannot strand a trigger between stages; caller holds
// mu.
func (s *Scheduler) advance(trigger *Trigger, now time.Time) {
	if trigger.State == TriggerPending && !now.Before(trigger.At.Add(-s.config.PreWarmLead)) {
		trigger.State = TriggerPreWarming
		if s.prewarmer != nil {
			trigger.release = s.prewarmer.Hold()
		}
		log.Debug().Str("trigger", trigger.ID).Msg("🔥 Pre-warming")
	}

	if trigger.State == TriggerPreWarming && !now.Before(trigger.At.Add(-s.config.FireWindow)) {
		trigger.State = TriggerArmed
	}

	if trigger.State == TriggerArmed {
		if now.After(trigger.At.Add(s.config.FireWindow)) {
			s.resolve(trigger, TriggerSkipped, "missed fire window")
			return
		}
		if !now.Before(trigger.At) {
			s.fire(trigger, now)
		}
	}
}

// fire launches the sequence for a due trigger; caller holds mu.
func (s *Scheduler) fire(trigger *Trigger, now time.Time) {
	deviation := now.Sub(trigger.At)
	trigger.FiredAt = now
	trigger.Deviation = deviation
	metrics.FireDeviation.Set(float64(deviation.Milliseconds()))

	params := s.base
	params.Trend = trigger.Trend
	params.Boundary = true

	seqID, err := s.launcher.StartSequence(params)
	switch {
	case errors.Is(err, engine.ErrSlotBusy):
		s.resolve(trigger, TriggerSkipped, SkipReasonSlotBusy)
	case err != nil:
		s.resolve(trigger, TriggerSkipped, err.Error())
	default:
		trigger.SequenceID = seqID
		s.resolve(trigger, TriggerExecuted, "")
		log.Info().
			Str("trigger", trigger.ID).
			Str("sequence", seqID).
			Dur("deviation", deviation).
			Msg("🚀 Trigger fired")
	}
}

// resolve finishes a trigger's lifecycle; caller holds mu.
func (s *Scheduler) resolve(trigger *Trigger, state TriggerState, reason string) {
	trigger.State = state
	trigger.SkipReason = reason
	trigger.resolvedAt = s.clock.Now()
	if trigger.release != nil {
		trigger.release()
		trigger.release = nil
	}
	if state == TriggerSkipped {
		metrics.SchedulerSkips.WithLabelValues(reason).Inc()
		log.Warn().
			Str("trigger", trigger.ID).
			Str("reason", reason).
			Msg("⏭️ Trigger skipped")
		if s.onSkipped != nil {
			go s.onSkipped(trigger.At, reason)
		}
	}
}

// purge drops resolved triggers older than the retention window; caller
// holds mu.
func (s *Scheduler) purge(now time.Time) {
	for id, trigger := range s.triggers {
		if trigger.resolved() && now.Sub(trigger.resolvedAt) > s.config.Retention {
			delete(s.triggers, id)
		}
	}
}

func (s *Scheduler) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trigger := range s.triggers {
		if trigger.release != nil {
			trigger.release()
			trigger.release = nil
		}
	}
}
