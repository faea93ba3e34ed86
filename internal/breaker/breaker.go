// Package breaker gates the primary store behind a three-state circuit
// breaker. The state machine itself is sony/gobreaker; this wrapper
// pins the messaging-core policy (consecutive-failure trip, single
// HALF_OPEN probe, pluggable fallback) and a typed API.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker rejects a call without invoking
// the operation (OPEN state, or a second caller during the HALF_OPEN
// probe).
var ErrOpen = errors.New("circuit breaker open")

// State mirrors the breaker states in the core's vocabulary.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes the breaker. Zero values take the defaults used for the
// primary store: trip after 5 consecutive failures, re-probe after 30s.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	// OnStateChange, if set, observes every transition (metrics hook).
	OnStateChange func(name string, from, to State)
}

// Breaker wraps a gobreaker instance.
//
// gobreaker enforces exactly the contract required here: the failure
// counter resets only on an observed success, MaxRequests=1 allows a
// single concurrent probe in HALF_OPEN (extra callers get
// ErrTooManyRequests), and OPEN can only reach CLOSED through
// HALF_OPEN.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

// New creates a breaker with the given config.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "primary-store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	log := logger.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single-flight HALF_OPEN probe
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", string(fromGobreaker(from))).
				Str("to", string(fromGobreaker(to))).
				Msg("Circuit breaker state change")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), logger: log}
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Do runs op through the breaker. In OPEN (or when losing the
// HALF_OPEN probe race) it returns ErrOpen without invoking op.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrOpen
		}
		return zero, err
	}
	return res.(T), nil
}

// DoWithFallback runs op through the breaker and, on any failure
// (operation error or breaker rejection), hands the original error to
// fb. The fallback runs outside the breaker so its outcome never
// pollutes the failure counts guarding the primary operation.
func DoWithFallback[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error), fb func(ctx context.Context, cause error) (T, error)) (T, error) {
	res, err := Do(ctx, b, op)
	if err == nil {
		return res, nil
	}
	return fb(ctx, err)
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateOpen
	}
}
