package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"salvo/internal/domain"
	"salvo/internal/policy"
	"salvo/internal/session"
	"salvo/internal/worker"
)

var ErrNoTargets = errors.New("no target items")

// Clock is the corrected time source the scheduler arms against. NowContext
// must give up on any time-source round-trip once ctx ends.
type Clock interface {
	NowContext(ctx context.Context) time.Time
	SleepUntil(ctx context.Context, t time.Time) error
}

// Attempter fires one request. It must not return until the attempt is over
// and must be safe to call from many goroutines.
type Attempter interface {
	Attempt(ctx context.Context, item domain.TargetItem, seq uint64) domain.AttemptRecord
}

// Observer is told about state changes and finished batches, on the
// scheduler's goroutine.
type Observer interface {
	ObserveState(s domain.ArmState)
	ObserveBatch(b domain.BatchResult)
}

type Policy struct {
	MaxConcurrent   int
	InterBatchDelay time.Duration
	// FireAt is the nominal release instant; zero fires immediately.
	FireAt   time.Time
	LeadTime time.Duration
	Goal     domain.Goal
	// Zero means unlimited.
	MaxAttempts uint64
	MaxDuration time.Duration
}

// StartAt is the instant firing begins.
func (p Policy) StartAt() time.Time {
	if p.FireAt.IsZero() {
		return time.Time{}
	}
	return p.FireAt.Add(-p.LeadTime)
}

type StopReason string

const (
	StopSuccess        StopReason = "success"
	StopGoalsExhausted StopReason = "goals_exhausted"
	StopBudget         StopReason = "budget_exhausted"
	StopCanceled       StopReason = "canceled"
	StopSessionExpired StopReason = "session_expired"
)

type Summary struct {
	Reason    StopReason
	Attempts  uint64
	Batches   int
	Succeeded []string
	Remaining []domain.TargetItem
	Counts    map[domain.Outcome]int
	// Late is how far past the start instant arming happened, if it did.
	Late      time.Duration
	// local wall/monotonic readings, used for durations only
	FiredAt   time.Time
	StoppedAt time.Time
}

type Burst struct {
	clock     Clock
	attempter Attempter
	policy    Policy
	observers []Observer
	pool      *worker.Pool

	mu    sync.RWMutex
	state domain.ArmState
}

func New(clock Clock, attempter Attempter, p Policy, observers ...Observer) *Burst {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 5
	}
	if p.Goal == "" {
		p.Goal = domain.GoalFirstSuccess
	}
	return &Burst{
		clock:     clock,
		attempter: attempter,
		policy:    p,
		observers: observers,
		pool:      worker.NewPool(p.MaxConcurrent),
		state:     domain.StateIdle,
	}
}

func (b *Burst) State() domain.ArmState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Burst) setState(s domain.ArmState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	for _, o := range b.observers {
		o.ObserveState(s)
	}
	log.Debug().Str("state", string(s)).Msg("burst state")
}

// Run arms, fires, and keeps firing until the goal policy, the budget, a
// dead session or ctx stops it. Batches are strictly sequential; the target
// list only changes between them.
func (b *Burst) Run(ctx context.Context, items []domain.TargetItem) (sum Summary, err error) {
	sum = Summary{Counts: map[domain.Outcome]int{}}
	if len(items) == 0 {
		return sum, ErrNoTargets
	}
	defer func() {
		sum.StoppedAt = time.Now()
		b.setState(domain.StateStopped)
		log.Info().
			Str("reason", string(sum.Reason)).
			Uint64("attempts", sum.Attempts).
			Int("batches", sum.Batches).
			Strs("succeeded", sum.Succeeded).
			Int("remaining", len(sum.Remaining)).
			Msg("burst stopped")
	}()

	b.setState(domain.StateIdle)
	if start := b.policy.StartAt(); !start.IsZero() {
		b.setState(domain.StateWaiting)
		now := b.clock.NowContext(ctx)
		if err := ctx.Err(); err != nil {
			sum.Reason = StopCanceled
			sum.Remaining = items
			return sum, err
		}
		if wait := start.Sub(now); wait <= 0 {
			sum.Late = -wait
			log.Warn().Time("start_at", start).Dur("late", sum.Late).Msg("start instant already passed, firing now")
		} else {
			log.Info().Time("fire_at", b.policy.FireAt).Time("start_at", start).Dur("wait", wait).Msg("waiting for start instant")
			if err := b.clock.SleepUntil(ctx, start); err != nil {
				sum.Reason = StopCanceled
				sum.Remaining = items
				return sum, err
			}
		}
	}
	b.setState(domain.StateArmed)

	remaining := slices.Clone(items)
	sum.Remaining = remaining
	b.setState(domain.StateFiring)
	sum.FiredAt = time.Now()
	log.Info().Time("fired_at", sum.FiredAt).Int("targets", len(remaining)).Int("concurrency", b.pool.Size()).Msg("firing")

	var seq uint64
	for {
		for _, item := range slices.Clone(remaining) {
			if err := ctx.Err(); err != nil {
				sum.Reason = StopCanceled
				return sum, err
			}
			n := b.batchSize(seq)
			if n == 0 || b.outOfTime(sum.FiredAt) {
				sum.Reason = StopBudget
				return sum, nil
			}

			batch := b.fire(ctx, item, n, &seq)
			sum.Batches++
			sum.Attempts = seq
			for _, a := range batch.Attempts {
				sum.Counts[a.Outcome]++
			}
			for _, o := range b.observers {
				o.ObserveBatch(batch)
			}

			if err := ctx.Err(); err != nil {
				sum.Reason = StopCanceled
				return sum, err
			}
			// goal bookkeeping comes first: a success in the same batch as an
			// expiry still counts
			d := policy.Decide(batch, b.policy.Goal)
			var stop bool
			remaining, stop = policy.Apply(remaining, d)
			sum.Remaining = remaining
			if d.Action != policy.Continue {
				sum.Succeeded = append(sum.Succeeded, d.ItemID)
				log.Info().Str("item", d.ItemID).Str("decision", d.Action.String()).Msg("goal satisfied")
			}
			if stop {
				if d.Action == policy.StopAll {
					sum.Reason = StopSuccess
				} else {
					sum.Reason = StopGoalsExhausted
				}
				return sum, nil
			}
			if err := expired(batch); err != nil {
				sum.Reason = StopSessionExpired
				return sum, fmt.Errorf("item %s: %w", item.ID, err)
			}
		}

		if err := pause(ctx, b.policy.InterBatchDelay); err != nil {
			sum.Reason = StopCanceled
			return sum, err
		}
	}
}

// fire dispatches n attempts at once and waits for all of them.
func (b *Burst) fire(ctx context.Context, item domain.TargetItem, n int, seq *uint64) domain.BatchResult {
	batch := domain.BatchResult{Item: item, Attempts: make([]domain.AttemptRecord, n)}
	first := *seq + 1
	*seq += uint64(n)
	b.pool.Batch(n, func(i int) {
		batch.Attempts[i] = b.attempter.Attempt(ctx, item, first+uint64(i))
	})
	for _, a := range batch.Attempts {
		logAttempt(a)
	}
	return batch
}

func (b *Burst) batchSize(sent uint64) int {
	n := b.policy.MaxConcurrent
	if b.policy.MaxAttempts == 0 {
		return n
	}
	if sent >= b.policy.MaxAttempts {
		return 0
	}
	return int(min(uint64(n), b.policy.MaxAttempts-sent))
}

func (b *Burst) outOfTime(firedAt time.Time) bool {
	return b.policy.MaxDuration > 0 && time.Since(firedAt) >= b.policy.MaxDuration
}

func expired(batch domain.BatchResult) error {
	for _, a := range batch.Attempts {
		if errors.Is(a.Err, session.ErrExpired) {
			return a.Err
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func logAttempt(a domain.AttemptRecord) {
	var ev *zerolog.Event
	switch a.Outcome {
	case domain.OutcomeSuccess:
		ev = log.Info().Bool("success", true)
	case domain.OutcomeOverloaded:
		ev = log.Warn()
	default:
		ev = log.Debug()
	}
	ev.Str("run_id", a.RunID).
		Uint64("seq", a.Seq).
		Str("item", a.Item.ID).
		Str("outcome", a.Outcome.String()).
		Int("status", a.Status).
		Dur("latency", a.Latency)
	if a.Err != nil {
		ev = ev.Err(a.Err)
	}
	if a.Fragment != "" && a.Outcome != domain.OutcomeTransportError {
		ev = ev.Str("body", a.Fragment)
	}
	ev.Msg("attempt")
}
