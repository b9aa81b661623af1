package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

var ErrUnreachable = errors.New("time source unreachable")

// Offset is trusted time minus local time. When Synced is false Value is zero.
type Offset struct {
	Value  time.Duration
	RTT    time.Duration
	Synced bool
	At     time.Time
}

// QueryFunc asks host for the round-trip-corrected offset of the local clock.
type QueryFunc func(host string, timeout time.Duration) (offset, rtt time.Duration, err error)

// NTPQuery uses the offset computed by the NTP algorithm rather than the raw
// transmit timestamp, so asymmetric path delay is already accounted for.
func NTPQuery(host string, timeout time.Duration) (time.Duration, time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, 0, fmt.Errorf("invalid reply: %w", err)
	}
	return resp.ClockOffset, resp.RTT, nil
}

type Options struct {
	Server  string
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker for Cooldown;
	// while open, Sync fails without touching the network.
	FailureThreshold uint32
	Cooldown         time.Duration
	Query            QueryFunc
	Now              func() time.Time
	OnSync           func(Offset)
}

type Synchronizer struct {
	server  string
	timeout time.Duration
	query   QueryFunc
	now     func() time.Time
	onSync  func(Offset)
	breaker *gobreaker.CircuitBreaker[Offset]

	// final stretch before a deadline is slept in short steps
	fineWindow time.Duration
	recheck    time.Duration

	// tried is set by the first sync attempt; the lazy sync in NowContext
	// runs at most once
	tried atomic.Bool

	mu     sync.RWMutex
	offset Offset
}

func New(opts Options) *Synchronizer {
	if opts.Server == "" {
		opts.Server = "pool.ntp.org"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Query == nil {
		opts.Query = NTPQuery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Synchronizer{
		server:     opts.Server,
		timeout:    opts.Timeout,
		query:      opts.Query,
		now:        opts.Now,
		onSync:     opts.OnSync,
		fineWindow: time.Second,
		recheck:    200 * time.Millisecond,
	}
	threshold := opts.FailureThreshold
	s.breaker = gobreaker.NewCircuitBreaker[Offset](gobreaker.Settings{
		Name:        "clock:" + opts.Server,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("time source breaker changed state")
		},
	})
	return s
}

// Sync queries the time source once. On failure the offset is reset to zero
// and the synchronizer falls back to the local clock.
func (s *Synchronizer) Sync(ctx context.Context) (Offset, error) {
	s.tried.Store(true)
	off, err := s.breaker.Execute(func() (Offset, error) {
		type reply struct {
			offset, rtt time.Duration
			err         error
		}
		ch := make(chan reply, 1)
		go func() {
			o, r, err := s.query(s.server, s.timeout)
			ch <- reply{o, r, err}
		}()
		select {
		case <-ctx.Done():
			return Offset{}, ctx.Err()
		case r := <-ch:
			if r.err != nil {
				return Offset{}, r.err
			}
			return Offset{Value: r.offset, RTT: r.rtt, Synced: true, At: s.now()}, nil
		}
	})
	if err != nil {
		s.store(Offset{})
		log.Error().Err(err).Str("server", s.server).Msg("clock sync failed, degrading to local clock")
		if ctx.Err() != nil {
			return Offset{}, ctx.Err()
		}
		return Offset{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, s.server, err)
	}
	s.store(off)
	log.Info().Str("server", s.server).Dur("offset", off.Value).Dur("rtt", off.RTT).Msg("clock synced")
	return off, nil
}

func (s *Synchronizer) store(o Offset) {
	s.mu.Lock()
	s.offset = o
	s.mu.Unlock()
	if s.onSync != nil {
		s.onSync(o)
	}
}

// Offset returns the last stored offset without contacting the time source.
func (s *Synchronizer) Offset() Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Now returns the corrected time. A synchronizer that has never attempted a
// sync makes one attempt first; if that fails the local clock is used.
func (s *Synchronizer) Now() time.Time {
	return s.NowContext(context.Background())
}

// NowContext is Now with the lazy sync bound to ctx.
func (s *Synchronizer) NowContext(ctx context.Context) time.Time {
	if s.tried.CompareAndSwap(false, true) {
		_, _ = s.Sync(ctx)
	}
	return s.corrected()
}

func (s *Synchronizer) corrected() time.Time {
	return s.now().Add(s.Offset().Value)
}

// SleepUntil blocks until the corrected clock reaches target or ctx ends.
// The bulk of the wait is one monotonic timer; the last second is re-checked
// in short steps to absorb timer granularity.
func (s *Synchronizer) SleepUntil(ctx context.Context, target time.Time) error {
	d := target.Sub(s.NowContext(ctx))
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	if d > s.fineWindow {
		if err := sleep(ctx, d-s.fineWindow); err != nil {
			return err
		}
	}
	for {
		remaining := target.Sub(s.corrected())
		if remaining <= 0 {
			return nil
		}
		if err := sleep(ctx, min(remaining, s.recheck)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
