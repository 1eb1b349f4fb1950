package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Metrics tracks concurrency limiter performance metrics
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter caps the number of concurrently running tasks. Waiters are served
// in FIFO order. A limiter created with a maximum of 0 or less never blocks.
type Limiter struct {
	sem    *semaphore.Weighted
	max    int64
	active atomic.Int64

	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64

	inFlight prometheus.Gauge
}

// Option configures a Limiter
type Option func(*Limiter)

// WithInFlightGauge reports the number of active slots to g
func WithInFlightGauge(g prometheus.Gauge) Option {
	return func(l *Limiter) {
		l.inFlight = g
	}
}

// NewLimiter creates a limiter allowing maxConcurrent tasks at once
func NewLimiter(maxConcurrent int, opts ...Option) *Limiter {
	l := &Limiter{max: int64(maxConcurrent)}
	if maxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Max returns the configured cap, 0 meaning unlimited
func (l *Limiter) Max() int {
	if l.max < 0 {
		return 0
	}
	return int(l.max)
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	l.waitNs.Add(time.Since(start).Nanoseconds())
	l.acquired.Add(1)
	current := l.active.Add(1)
	l.updatePeak(current)
	if l.inFlight != nil {
		l.inFlight.Inc()
	}
	return nil
}

// Release returns a slot acquired with Acquire
func (l *Limiter) Release() {
	l.active.Add(-1)
	l.released.Add(1)
	if l.inFlight != nil {
		l.inFlight.Dec()
	}
	if l.sem != nil {
		l.sem.Release(1)
	}
}

// CurrentActive returns the number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

// Reset resets the metrics (useful for testing or periodic resets)
func (l *Limiter) Reset() {
	l.acquired.Store(0)
	l.released.Store(0)
	l.peak.Store(0)
	l.waitNs.Store(0)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak {
			return
		}
		if l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Group tracks the tasks one caller submits through a shared Limiter so the
// caller can wait for exactly its own work.
type Group struct {
	limiter *Limiter
	wg      sync.WaitGroup
}

// NewGroup creates a task group on l
func (l *Limiter) NewGroup() *Group {
	return &Group{limiter: l}
}

// Go acquires a slot, then runs fn in a goroutine and releases the slot when
// fn returns. It returns the acquire error without running fn.
func (g *Group) Go(ctx context.Context, fn func()) error {
	if err := g.limiter.Acquire(ctx); err != nil {
		return err
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.limiter.Release()
		fn()
	}()
	return nil
}

// Wait blocks until every task started with Go has returned. It does not
// observe cancellation: submitted work always finishes first.
func (g *Group) Wait() {
	g.wg.Wait()
}
