// Package retrysched schedules save retries with exponential backoff on
// retry:stream, routing exhausted or malformed entries to the DLQ as
// poison.
package retrysched

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/dlq"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

const (
	// DefaultBase is the first backoff step: nextRetryAt = now + base * 2^(attempt-1).
	DefaultBase = 100 * time.Millisecond
	// DefaultMaxRetries caps total attempts per message.
	DefaultMaxRetries = 5
	// DefaultReclaimIdle is how long a pending group delivery may sit
	// before a drain reclaims it (covers consumer crashes mid-tick).
	DefaultReclaimIdle = 30 * time.Second
	// maxErrorBytes caps last_error stored per entry.
	maxErrorBytes = 300
)

// SaveFunc persists a retried message to the primary store.
type SaveFunc func(ctx context.Context, msg *types.Message) (*types.Message, error)

// PublishFunc publishes a recovered message; failures are best-effort.
type PublishFunc func(ctx context.Context, msg *types.Message, source string) error

// Config tunes the scheduler. Zero values take the defaults.
type Config struct {
	Base        time.Duration
	MaxRetries  int
	ReclaimIdle time.Duration
	Consumer    string // consumer name within the retry-workers group
}

// Scheduler owns the retry stream.
type Scheduler struct {
	bus         *streambus.Bus
	deadLetter  *dlq.Queue
	save        SaveFunc
	publish     PublishFunc
	logger      zerolog.Logger
	base        time.Duration
	maxRetries  int
	reclaimIdle time.Duration
	consumer    string
}

// New creates a Scheduler.
func New(bus *streambus.Bus, deadLetter *dlq.Queue, save SaveFunc, publish PublishFunc, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = DefaultReclaimIdle
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "retry-1"
	}
	return &Scheduler{
		bus:         bus,
		deadLetter:  deadLetter,
		save:        save,
		publish:     publish,
		logger:      logger.With().Str("component", "retrysched").Logger(),
		base:        cfg.Base,
		maxRetries:  cfg.MaxRetries,
		reclaimIdle: cfg.ReclaimIdle,
		consumer:    cfg.Consumer,
	}
}

// MaxRetries returns the attempt cap.
func (s *Scheduler) MaxRetries() int {
	return s.maxRetries
}

// backoff returns the delay before the given attempt is retried.
func (s *Scheduler) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.base << (attempt - 1)
}

// Enqueue schedules a retry. attempt starts at 1 and is monotone
// non-decreasing across re-enqueues.
func (s *Scheduler) Enqueue(ctx context.Context, msg *types.Message, attempt int, cause error) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("retry marshal: %w", err)
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
		if len(lastErr) > maxErrorBytes {
			lastErr = lastErr[:maxErrorBytes]
		}
	}
	nextRetryAt := time.Now().Add(s.backoff(attempt)).UnixMilli()
	_, err = s.bus.Append(ctx, streambus.StreamRetry, map[string]any{
		"message_id":    msg.ID,
		"attempt":       attempt,
		"last_error":    lastErr,
		"next_retry_at": nextRetryAt,
		"data":          string(data),
	})
	if err != nil {
		return fmt.Errorf("retry enqueue: %w", err)
	}
	metrics.RetriesEnqueued.Inc()
	s.logger.Debug().
		Str("message_id", msg.ID).
		Int("attempt", attempt).
		Int64("next_retry_at", nextRetryAt).
		Msg("Retry scheduled")
	return nil
}

// Drain processes up to batch retry entries. Each entry is visited at
// most once per call: due entries are saved (then published
// best-effort), not-yet-due entries are re-appended untouched, failures
// under the cap are re-enqueued with attempt+1, and failures at the cap
// or malformed entries go to the DLQ as poison. Returns the number of
// entries that reached the primary store.
func (s *Scheduler) Drain(ctx context.Context, batch int) (int, error) {
	entries, err := s.claim(ctx, batch)
	if err != nil {
		return 0, err
	}

	saved := 0
	now := time.Now().UnixMilli()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		if s.processEntry(ctx, e, now) {
			saved++
		}
	}
	return saved, nil
}

// claim reads new group deliveries, topping up with stale pending
// entries left by a crashed consumer.
func (s *Scheduler) claim(ctx context.Context, batch int) ([]streambus.Entry, error) {
	entries, err := s.bus.ReadGroup(ctx, streambus.StreamRetry, streambus.GroupRetry, s.consumer, int64(batch), -1)
	if err != nil {
		return nil, fmt.Errorf("retry drain read: %w", err)
	}
	if len(entries) >= batch {
		return entries, nil
	}
	stale, err := s.bus.AutoClaim(ctx, streambus.StreamRetry, streambus.GroupRetry, s.consumer, s.reclaimIdle, int64(batch-len(entries)))
	if err != nil {
		// Reclaim is opportunistic; a failure must not stall the drain.
		s.logger.Warn().Err(err).Msg("Retry pending reclaim failed")
		return entries, nil
	}
	return append(entries, stale...), nil
}

// processEntry handles one claimed entry; reports whether it reached
// the store.
func (s *Scheduler) processEntry(ctx context.Context, e streambus.Entry, now int64) bool {
	ack := func() {
		if err := s.bus.Ack(ctx, streambus.StreamRetry, streambus.GroupRetry, e.ID); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("Retry ack failed")
		}
		if err := s.bus.Delete(ctx, streambus.StreamRetry, e.ID); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("Retry delete failed")
		}
	}

	data := e.Fields["data"]
	if data == "" {
		// Malformed entry: nothing to replay, poison immediately.
		_, _ = s.deadLetter.Add(ctx, e.Fields["message_id"], fmt.Errorf("malformed retry entry %s: empty data", e.ID), int(e.Int64("attempt")), dlq.OpRetries, true, "")
		metrics.RetriesDrained.WithLabelValues("malformed").Inc()
		ack()
		return false
	}

	var msg types.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		_, _ = s.deadLetter.Add(ctx, e.Fields["message_id"], fmt.Errorf("malformed retry entry %s: %w", e.ID, err), int(e.Int64("attempt")), dlq.OpRetries, true, "")
		metrics.RetriesDrained.WithLabelValues("malformed").Inc()
		ack()
		return false
	}

	attempt := int(e.Int64("attempt"))
	if attempt < 1 {
		attempt = 1
	}

	if e.Int64("next_retry_at") > now {
		// Not due yet: put it back untouched and release this delivery.
		if _, err := s.bus.Append(ctx, streambus.StreamRetry, map[string]any{
			"message_id":    e.Fields["message_id"],
			"attempt":       attempt,
			"last_error":    e.Fields["last_error"],
			"next_retry_at": e.Fields["next_retry_at"],
			"data":          data,
		}); err != nil {
			s.logger.Error().Err(err).Str("entry_id", e.ID).Msg("Failed to requeue not-due retry; leaving pending")
			return false
		}
		ack()
		return false
	}

	persisted, err := s.save(ctx, &msg)
	if err == nil {
		metrics.RetriesDrained.WithLabelValues("saved").Inc()
		if pubErr := s.publish(ctx, persisted, "retry"); pubErr != nil {
			s.logger.Warn().Err(pubErr).Str("message_id", persisted.ID).Msg("Retry publish failed (best-effort)")
		}
		ack()
		s.logger.Info().
			Str("message_id", persisted.ID).
			Int("attempt", attempt).
			Msg("Retry succeeded")
		return true
	}

	if attempt >= s.maxRetries {
		_, _ = s.deadLetter.Add(ctx, msg.ID, err, attempt, dlq.OpRetries, true, "")
		metrics.RetriesDrained.WithLabelValues("poison").Inc()
		ack()
		return false
	}

	if enqErr := s.Enqueue(ctx, &msg, attempt+1, err); enqErr != nil {
		s.logger.Error().Err(enqErr).Str("message_id", msg.ID).Msg("Failed to re-enqueue retry; leaving pending")
		return false
	}
	metrics.RetriesDrained.WithLabelValues("requeued").Inc()
	ack()
	return false
}
