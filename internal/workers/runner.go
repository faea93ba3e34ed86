// Package workers supervises the core's background loops: retry and
// fallback drains, WAL recovery, and the monitors. Each worker is an
// interval runner with single-flight ticks, panic recovery, and
// cooperative shutdown.
package workers

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
)

// TickFunc does one unit of a worker's periodic work. It must respect
// ctx; the runner hands it a soft deadline equal to the interval.
type TickFunc func(ctx context.Context) error

// Runner executes a TickFunc on a fixed interval.
//
// Single-flight is structural: the loop runs ticks sequentially, so a
// new tick cannot start until the previous one returned. A slow tick
// therefore delays the next instead of overlapping it.
type Runner struct {
	name     string
	interval time.Duration
	tick     TickFunc
	logger   zerolog.Logger

	mu       sync.RWMutex
	lastTick time.Time
	lastErr  error
}

// NewRunner creates a runner.
func NewRunner(name string, interval time.Duration, tick TickFunc, logger zerolog.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   logger.With().Str("component", "worker").Str("worker", name).Logger(),
	}
}

// Name returns the worker name.
func (r *Runner) Name() string { return r.name }

// LastTick reports when the worker last completed a tick and the error
// it returned, for the health endpoint.
func (r *Runner) LastTick() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastTick, r.lastErr
}

// run loops until ctx is cancelled. Errors and panics are logged and
// counted; they never kill the worker or its siblings.
func (r *Runner) run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Msg("Worker started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			r.doTick(ctx)
		}
	}
}

func (r *Runner) doTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				metrics.WorkerTicks.WithLabelValues(r.name, "panic").Inc()
				r.logger.Error().
					Interface("panic_value", rec).
					Str("stack_trace", string(debug.Stack())).
					Msg("Worker panic recovered - tick failed but worker continues")
			}
		}()
		err = r.tick(tickCtx)
	}()

	if err != nil && ctx.Err() == nil {
		metrics.WorkerTicks.WithLabelValues(r.name, "error").Inc()
		r.logger.Error().Err(err).Msg("Worker tick failed")
	} else if err == nil {
		metrics.WorkerTicks.WithLabelValues(r.name, "ok").Inc()
	}

	r.mu.Lock()
	r.lastTick = time.Now()
	r.lastErr = err
	r.mu.Unlock()
}

// Pool is the supervised set of runners.
type Pool struct {
	runners []*Runner
	logger  zerolog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{logger: logger.With().Str("component", "worker_pool").Logger()}
}

// Add registers a runner. Must be called before Start.
func (p *Pool) Add(runners ...*Runner) {
	p.runners = append(p.runners, runners...)
}

// Start launches every runner. The pool owns a derived context; Stop
// cancels it and waits for in-flight ticks to finish.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, r := range p.runners {
		p.wg.Add(1)
		go func(r *Runner) {
			defer p.wg.Done()
			r.run(runCtx)
		}(r)
	}
	p.logger.Info().Int("workers", len(p.runners)).Msg("Worker pool started")
}

// Stop shuts the pool down cooperatively: each worker exits at its
// next yield point; in-flight work completes.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

// Health reports per-worker last-tick times and errors.
func (p *Pool) Health() map[string]WorkerHealth {
	out := make(map[string]WorkerHealth, len(p.runners))
	for _, r := range p.runners {
		last, err := r.LastTick()
		h := WorkerHealth{LastTick: last}
		if err != nil {
			h.LastError = err.Error()
		}
		out[r.name] = h
	}
	return out
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	LastTick  time.Time `json:"lastTick"`
	LastError string    `json:"lastError,omitempty"`
}
