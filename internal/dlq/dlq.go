// Package dlq is the terminal failure sink. Entries are appended to
// dlq:stream and never auto-removed; operators drain them by hand or
// through external tooling on the dlq-processors group.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

// maxErrorBytes caps the error text stored per entry.
const maxErrorBytes = 500

// Operation identifies which path gave up on the message.
type Operation string

const (
	OpSave        Operation = "save"
	OpRetries     Operation = "processRetries"
	OpFallback    Operation = "processFallback"
	OpWALRecovery Operation = "processWALRecovery"
)

// Entry is one dead-lettered message.
type Entry struct {
	ID        string // stream entry id
	MessageID string
	Error     string
	Attempts  int
	Operation Operation
	Poison    bool
	WALID     string
	Timestamp time.Time
}

// Queue wraps the dead-letter stream.
type Queue struct {
	bus    *streambus.Bus
	logger zerolog.Logger
}

// New creates a Queue.
func New(bus *streambus.Bus, logger zerolog.Logger) *Queue {
	return &Queue{
		bus:    bus,
		logger: logger.With().Str("component", "dlq").Logger(),
	}
}

// Add dead-letters a message. poison marks entries that must never be
// retried (max attempts reached, malformed payload, lost WAL write).
func (q *Queue) Add(ctx context.Context, messageID string, cause error, attempts int, op Operation, poison bool, walID string) (string, error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
		if len(errText) > maxErrorBytes {
			errText = errText[:maxErrorBytes]
		}
	}
	id, err := q.bus.Append(ctx, streambus.StreamDLQ, map[string]any{
		"message_id": messageID,
		"error":      errText,
		"attempts":   attempts,
		"operation":  string(op),
		"poison":     poison,
		"wal_id":     walID,
		"ts":         time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("dlq add: %w", err)
	}
	metrics.DLQAdded.WithLabelValues(string(op)).Inc()
	q.logger.Error().
		Str("message_id", messageID).
		Str("operation", string(op)).
		Int("attempts", attempts).
		Bool("poison", poison).
		Str("dlq_error", errText).
		Msg("Message dead-lettered")
	return id, nil
}

// Depth returns the current dead-letter stream length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.bus.Length(ctx, streambus.StreamDLQ)
}

// Recent returns up to n entries, newest first.
func (q *Queue) Recent(ctx context.Context, n int64) ([]Entry, error) {
	raw, err := q.bus.ReadRevRange(ctx, streambus.StreamDLQ, n)
	if err != nil {
		return nil, fmt.Errorf("dlq recent: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		poison, _ := strconv.ParseBool(e.Fields["poison"])
		entries = append(entries, Entry{
			ID:        e.ID,
			MessageID: e.Fields["message_id"],
			Error:     e.Fields["error"],
			Attempts:  int(e.Int64("attempts")),
			Operation: Operation(e.Fields["operation"]),
			Poison:    poison,
			WALID:     e.Fields["wal_id"],
			Timestamp: time.UnixMilli(e.Int64("ts")),
		})
	}
	return entries, nil
}
