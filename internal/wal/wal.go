// Package wal implements the pre/post write-ahead log bracketing every
// primary-store save. A pre_write entry whose post_write never arrives
// marks an in-doubt message; the recovery worker resolves it against
// the store.
package wal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// DefaultTimeout is how long a pre_write may sit without its post_write
// before the message is considered in doubt.
const DefaultTimeout = 60 * time.Second

const (
	typePreWrite  = "pre_write"
	typePostWrite = "post_write"
)

// Incomplete is a pre_write past the timeout with no matching
// post_write. WALID doubles as the pre_write's stream entry id.
type Incomplete struct {
	WALID          string
	MessageID      string
	ConversationID string
	SenderID       string
	Timestamp      time.Time
}

// Log is the write-ahead log over wal:stream.
type Log struct {
	bus     *streambus.Bus
	logger  zerolog.Logger
	timeout time.Duration
}

// New creates a Log. timeout <= 0 takes DefaultTimeout.
func New(bus *streambus.Bus, logger zerolog.Logger, timeout time.Duration) *Log {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Log{
		bus:     bus,
		logger:  logger.With().Str("component", "wal").Logger(),
		timeout: timeout,
	}
}

// Timeout returns the configured in-doubt threshold.
func (l *Log) Timeout() time.Duration {
	return l.timeout
}

// LogPre records the intent to save msg. The returned walId is the
// stream entry id of the pre_write, so the post_write can delete it
// without a scan.
func (l *Log) LogPre(ctx context.Context, msg *types.Message) (string, error) {
	id, err := l.bus.Append(ctx, streambus.StreamWAL, map[string]any{
		"type":            typePreWrite,
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"ts":              time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("wal pre_write: %w", err)
	}
	return id, nil
}

// LogPost closes the bracket opened by LogPre. It appends a post_write,
// deletes the pre_write, and then removes the post_write as well so a
// completed save leaves no WAL residue. The post_write survives only a
// crash between steps, where the recovery scan reconciles it.
func (l *Log) LogPost(ctx context.Context, messageID, walID string) error {
	postID, err := l.bus.Append(ctx, streambus.StreamWAL, map[string]any{
		"type":       typePostWrite,
		"wal_id":     walID,
		"message_id": messageID,
		"ts":         time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("wal post_write: %w", err)
	}
	if err := l.bus.Delete(ctx, streambus.StreamWAL, walID); err != nil {
		return fmt.Errorf("wal clear pre_write: %w", err)
	}
	if err := l.bus.Delete(ctx, streambus.StreamWAL, postID); err != nil {
		return fmt.Errorf("wal clear post_write: %w", err)
	}
	return nil
}

// Clear removes a WAL entry by id (used by the recovery worker).
func (l *Log) Clear(ctx context.Context, walID string) error {
	return l.bus.Delete(ctx, streambus.StreamWAL, walID)
}

// ScanIncomplete returns every pre_write older than the timeout with no
// matching post_write. Matched pre/post pairs left behind by a crash
// are cleaned up in passing.
func (l *Log) ScanIncomplete(ctx context.Context) ([]Incomplete, error) {
	entries, err := l.bus.ReadRange(ctx, streambus.StreamWAL, "-", "+", 0)
	if err != nil {
		return nil, fmt.Errorf("wal scan: %w", err)
	}

	// wal_id of every post_write present, mapped to its entry id.
	posts := make(map[string]string)
	for _, e := range entries {
		if e.Fields["type"] == typePostWrite {
			posts[e.Fields["wal_id"]] = e.ID
		}
	}

	cutoff := time.Now().Add(-l.timeout)
	var incomplete []Incomplete
	for _, e := range entries {
		if e.Fields["type"] != typePreWrite {
			continue
		}
		ts := entryTime(e)
		if ts.After(cutoff) {
			continue
		}
		if postID, ok := posts[e.ID]; ok {
			// Completed bracket whose cleanup was interrupted.
			if err := l.bus.Delete(ctx, streambus.StreamWAL, e.ID, postID); err != nil {
				l.logger.Warn().Err(err).Str("wal_id", e.ID).Msg("Failed to clean completed WAL pair")
			}
			continue
		}
		incomplete = append(incomplete, Incomplete{
			WALID:          e.ID,
			MessageID:      e.Fields["message_id"],
			ConversationID: e.Fields["conversation_id"],
			SenderID:       e.Fields["sender_id"],
			Timestamp:      ts,
		})
	}
	return incomplete, nil
}

// entryTime prefers the ts field, falling back to the ms prefix of the
// stream entry id.
func entryTime(e streambus.Entry) time.Time {
	if ms := e.Int64("ts"); ms > 0 {
		return time.UnixMilli(ms)
	}
	idMs, _ := strconv.ParseInt(strings.SplitN(e.ID, "-", 2)[0], 10, 64)
	return time.UnixMilli(idMs)
}
