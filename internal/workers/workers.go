package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/dlq"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/pipeline"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

// Worker cadence and batch defaults.
const (
	RetryInterval       = time.Second
	RetryBatch          = 10
	FallbackInterval    = 2 * time.Second
	FallbackBatch       = 10
	WALRecoveryInterval = 3 * time.Second
	DLQMonitorInterval  = 5 * time.Second
	DLQAlertDepth       = 100
	DLQRecentShown      = 5
	StreamMonInterval   = time.Minute
	MetricsRepInterval  = time.Hour
	PresenceSweepEvery  = 10 * time.Minute

	// streamOvershoot is the tolerated factor over MAXLEN before the
	// stream monitor warns (MAXLEN is approximate).
	streamOvershoot = 1.5
)

// NewRetryWorker drains due retry entries every second.
func NewRetryWorker(p *pipeline.Pipeline, logger zerolog.Logger) *Runner {
	return NewRunner("retry", RetryInterval, func(ctx context.Context) error {
		_, err := p.Retries().Drain(ctx, RetryBatch)
		return err
	}, logger)
}

// NewFallbackWorker replays parked fallback messages every 2 seconds.
func NewFallbackWorker(p *pipeline.Pipeline, logger zerolog.Logger) *Runner {
	return NewRunner("fallback", FallbackInterval, func(ctx context.Context) error {
		_, err := p.Fallback().ProcessReplay(ctx, FallbackBatch)
		return err
	}, logger)
}

// NewWALRecoveryWorker resolves in-doubt WAL entries every 3 seconds.
// A pre_write past the timeout means the post_write was lost: if the
// store has the message, only the log entry was lost and it is
// cleared; if the store does not, the write itself was lost and the
// message dead-letters as poison.
func NewWALRecoveryWorker(p *pipeline.Pipeline, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "wal_recovery").Logger()
	return NewRunner("wal_recovery", WALRecoveryInterval, func(ctx context.Context) error {
		incomplete, err := p.WAL().ScanIncomplete(ctx)
		if err != nil {
			return err
		}
		metrics.WALIncomplete.Set(float64(len(incomplete)))

		for _, entry := range incomplete {
			if err := ctx.Err(); err != nil {
				return err
			}

			if entry.MessageID == "" {
				// No id was ever assigned; nothing to probe for.
				_, _ = p.DLQ().Add(ctx, "", errors.New("WAL pre_write without message id"), 0, dlq.OpWALRecovery, true, entry.WALID)
				metrics.WALRecovered.WithLabelValues("dlq").Inc()
				_ = p.WAL().Clear(ctx, entry.WALID)
				continue
			}

			_, err := p.MessageStore().FindByID(ctx, entry.MessageID)
			switch {
			case err == nil:
				// Saved fine; only the post-write log was lost.
				metrics.WALRecovered.WithLabelValues("store_hit").Inc()
				_ = p.WAL().Clear(ctx, entry.WALID)
			case errors.Is(err, store.ErrNotFound):
				_, _ = p.DLQ().Add(ctx, entry.MessageID, errors.New("write lost: message absent after WAL timeout"), 0, dlq.OpWALRecovery, true, entry.WALID)
				metrics.WALRecovered.WithLabelValues("dlq").Inc()
				_ = p.WAL().Clear(ctx, entry.WALID)
			default:
				// Store unreachable; leave the entry for the next scan.
				log.Warn().Err(err).Str("message_id", entry.MessageID).Msg("WAL recovery probe failed")
			}
		}
		return nil
	}, logger)
}

// NewDLQMonitor watches the dead-letter stream every 5 seconds,
// logging depth and the most recent entries and raising a throttled
// alert when the depth crosses the threshold.
func NewDLQMonitor(q *dlq.Queue, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "dlq_monitor").Logger()
	alerts := rate.NewLimiter(rate.Every(time.Minute), 1)
	return NewRunner("dlq_monitor", DLQMonitorInterval, func(ctx context.Context) error {
		depth, err := q.Depth(ctx)
		if err != nil {
			return err
		}
		metrics.DLQDepth.Set(float64(depth))
		if depth == 0 {
			return nil
		}

		recent, err := q.Recent(ctx, DLQRecentShown)
		if err != nil {
			return err
		}
		ev := log.Info()
		if depth > DLQAlertDepth && alerts.Allow() {
			ev = log.Error().Bool("alert", true)
		}
		entries := make([]map[string]any, 0, len(recent))
		for _, e := range recent {
			entries = append(entries, map[string]any{
				"message_id": e.MessageID,
				"operation":  string(e.Operation),
				"poison":     e.Poison,
				"error":      e.Error,
			})
		}
		ev.Int64("depth", depth).Interface("recent", entries).Msg("DLQ status")
		return nil
	}, logger)
}

// NewStreamMonitor records stream lengths against their caps every
// minute, warning on sustained overshoot past 1.5x MAXLEN.
func NewStreamMonitor(bus *streambus.Bus, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "stream_monitor").Logger()
	return NewRunner("stream_monitor", StreamMonInterval, func(ctx context.Context) error {
		for stream, maxLen := range bus.Streams() {
			if err := ctx.Err(); err != nil {
				return err
			}
			length, err := bus.Length(ctx, stream)
			if err != nil {
				log.Warn().Err(err).Str("stream", stream).Msg("Stream length read failed")
				continue
			}
			metrics.StreamLength.WithLabelValues(stream).Set(float64(length))
			metrics.StreamMaxLen.WithLabelValues(stream).Set(float64(maxLen))
			if float64(length) > float64(maxLen)*streamOvershoot {
				log.Warn().
					Str("stream", stream).
					Int64("length", length).
					Int64("maxlen", maxLen).
					Msg("Stream length exceeds tolerated overshoot")
			}
		}
		return nil
	}, logger)
}

// NewMetricsReporter logs and resets the resettable counters hourly.
func NewMetricsReporter(counters *metrics.Counters, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "metrics_reporter").Logger()
	return NewRunner("metrics_reporter", MetricsRepInterval, func(ctx context.Context) error {
		snapshot := counters.Snapshot()
		ev := log.Info()
		for k, v := range snapshot {
			ev = ev.Int64(k, v)
		}
		ev.Msg("Hourly pipeline counters")
		return nil
	}, logger)
}

// NewPresenceJanitor sweeps users inactive for over an hour.
func NewPresenceJanitor(reg *presence.Registry, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "presence_janitor").Logger()
	return NewRunner("presence_janitor", PresenceSweepEvery, func(ctx context.Context) error {
		removed, err := reg.CleanupInactive(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Info().Int("removed", removed).Msg("Inactive users swept offline")
		}
		return nil
	}, logger)
}
