// Package fallback is the Redis-backed parking lot for messages the
// primary store refused. A parked message lives in a fallback:<id>
// hash (24h TTL), is indexed in the fallback:active sorted set, and is
// referenced by a replay-needed entry on fallback:stream that the
// fallback worker consumes.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/dlq"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

const (
	// TTL bounds how long a parked message stays replayable.
	TTL = 24 * time.Hour

	keyPrefix = "fallback:"
	keyActive = "fallback:active"
	keyStats  = "fallback:stats"

	// DefaultReclaimIdle mirrors retrysched: stale group deliveries are
	// reclaimed after this much idle time.
	DefaultReclaimIdle = 30 * time.Second

	// pendingID marks a parked message that never got a store id.
	pendingID = "pending"
)

// SaveFunc persists a replayed message to the primary store.
type SaveFunc func(ctx context.Context, msg *types.Message) (*types.Message, error)

// PublishFunc publishes a replayed message; failures are best-effort.
type PublishFunc func(ctx context.Context, msg *types.Message, source string) error

// Config tunes the store. Zero values take the defaults.
type Config struct {
	Consumer    string // consumer name within the fallback-workers group
	ReclaimIdle time.Duration
}

// Stats are the fallback counters.
type Stats struct {
	Total    int64
	Active   int64
	Replayed int64
}

// Store owns the fallback keyspace.
type Store struct {
	rdb         redis.UniversalClient
	bus         *streambus.Bus
	deadLetter  *dlq.Queue
	save        SaveFunc
	publish     PublishFunc
	logger      zerolog.Logger
	reclaimIdle time.Duration
	consumer    string
}

// New creates a Store.
func New(bus *streambus.Bus, deadLetter *dlq.Queue, save SaveFunc, publish PublishFunc, cfg Config, logger zerolog.Logger) *Store {
	if cfg.Consumer == "" {
		cfg.Consumer = "fallback-1"
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = DefaultReclaimIdle
	}
	return &Store{
		rdb:         bus.Client(),
		bus:         bus,
		deadLetter:  deadLetter,
		save:        save,
		publish:     publish,
		logger:      logger.With().Str("component", "fallback").Logger(),
		reclaimIdle: cfg.ReclaimIdle,
		consumer:    cfg.Consumer,
	}
}

// Park stores msg under a fresh fallback id and schedules it for
// replay. Returns the fallback id; the parked message carries it in
// place of a store id so the caller still gets a stable handle.
func (s *Store) Park(ctx context.Context, msg *types.Message) (string, error) {
	now := time.Now()
	id := fmt.Sprintf("fb_%d_%s", now.UnixMilli(), strings.Split(uuid.NewString(), "-")[0])

	originalID := msg.ID
	if originalID == "" {
		originalID = pendingID
	}
	metadata := ""
	if len(msg.Metadata) > 0 {
		if data, err := json.Marshal(msg.Metadata); err == nil {
			metadata = string(data)
		}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now.UTC()
	}

	key := keyPrefix + id
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"id":              id,
		"original_id":     originalID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"receiver_id":     msg.ReceiverID,
		"content":         msg.Content,
		"type":            string(msg.Type),
		"subtype":         msg.Subtype,
		"status":          string(types.StatusPendingFallback),
		"created_at":      createdAt.UTC().Format(time.RFC3339Nano),
		"metadata":        metadata,
		"ts":              now.UnixMilli(),
	})
	pipe.Expire(ctx, key, TTL)
	pipe.ZAdd(ctx, keyActive, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	pipe.HIncrBy(ctx, keyStats, "total", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("fallback park %s: %w", id, err)
	}

	if _, err := s.bus.Append(ctx, streambus.StreamFallback, map[string]any{
		"fallback_id": id,
		"message_id":  originalID,
		"ts":          now.UnixMilli(),
	}); err != nil {
		// A park without a replay entry is invisible to the fallback
		// worker; undo the hash and index so Stats never counts it.
		rollback := s.rdb.TxPipeline()
		rollback.Del(ctx, key)
		rollback.ZRem(ctx, keyActive, id)
		rollback.HIncrBy(ctx, keyStats, "total", -1)
		if _, rbErr := rollback.Exec(ctx); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("fallback_id", id).Msg("Fallback park rollback failed")
		}
		return "", fmt.Errorf("fallback stream append %s: %w", id, err)
	}

	metrics.FallbackParked.Inc()
	s.logger.Warn().
		Str("fallback_id", id).
		Str("original_id", originalID).
		Str("conversation_id", msg.ConversationID).
		Msg("Message parked in fallback store")
	return id, nil
}

// Fetch reconstructs a parked message. Returns nil when the hash has
// expired or was dropped.
func (s *Store) Fetch(ctx context.Context, id string) (*types.Message, error) {
	fields, err := s.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("fallback fetch %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	msg := &types.Message{
		ConversationID: fields["conversation_id"],
		SenderID:       fields["sender_id"],
		ReceiverID:     fields["receiver_id"],
		Content:        fields["content"],
		Type:           types.MessageType(fields["type"]),
		Subtype:        fields["subtype"],
		Status:         types.StatusPendingFallback,
	}
	if fields["original_id"] != pendingID {
		msg.ID = fields["original_id"]
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		msg.CreatedAt = t
	}
	if fields["metadata"] != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(fields["metadata"]), &md); err == nil {
			msg.Metadata = md
		}
	}
	return msg, nil
}

// Drop removes a parked entry (hash + active index).
func (s *Store) Drop(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyPrefix+id)
	pipe.ZRem(ctx, keyActive, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fallback drop %s: %w", id, err)
	}
	return nil
}

// GetStats reads the counters. Active is derived from the sorted set so
// it always matches the index.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	counters, err := s.rdb.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("fallback stats: %w", err)
	}
	active, err := s.rdb.ZCard(ctx, keyActive).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("fallback active count: %w", err)
	}
	var st Stats
	st.Active = active
	fmt.Sscanf(counters["total"], "%d", &st.Total)
	fmt.Sscanf(counters["replayed"], "%d", &st.Replayed)
	return st, nil
}

// ProcessReplay drains up to batch replay-needed entries. For each: a
// live hash is replayed into the primary store (original id preserved
// when present) and published with source fallback_replay; an expired
// hash transitions the entry to the DLQ. Save failures leave the stream
// entry pending for a later reclaim. Returns the number replayed.
func (s *Store) ProcessReplay(ctx context.Context, batch int) (int, error) {
	entries, err := s.bus.ReadGroup(ctx, streambus.StreamFallback, streambus.GroupFallback, s.consumer, int64(batch), -1)
	if err != nil {
		return 0, fmt.Errorf("fallback drain read: %w", err)
	}
	if len(entries) < batch {
		stale, err := s.bus.AutoClaim(ctx, streambus.StreamFallback, streambus.GroupFallback, s.consumer, s.reclaimIdle, int64(batch-len(entries)))
		if err != nil {
			s.logger.Warn().Err(err).Msg("Fallback pending reclaim failed")
		} else {
			entries = append(entries, stale...)
		}
	}

	replayed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if s.replayOne(ctx, e) {
			replayed++
		}
	}
	return replayed, nil
}

func (s *Store) replayOne(ctx context.Context, e streambus.Entry) bool {
	finish := func() {
		if err := s.bus.Ack(ctx, streambus.StreamFallback, streambus.GroupFallback, e.ID); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("Fallback ack failed")
		}
		if err := s.bus.Delete(ctx, streambus.StreamFallback, e.ID); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("Fallback delete failed")
		}
	}

	id := e.Fields["fallback_id"]
	if id == "" {
		finish()
		return false
	}

	msg, err := s.Fetch(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("fallback_id", id).Msg("Fallback fetch failed; leaving pending")
		return false
	}
	if msg == nil {
		// Hash expired before replay. Consuming this entry is what moves
		// the message to its terminal state.
		_, _ = s.deadLetter.Add(ctx, e.Fields["message_id"],
			fmt.Errorf("fallback entry %s expired before replay", id), 1, dlq.OpFallback, false, "")
		_ = s.Drop(ctx, id) // clears any stale active-set member
		finish()
		return false
	}

	persisted, err := s.save(ctx, msg)
	if err != nil {
		// Store still down; the entry stays pending and is reclaimed on
		// a later tick.
		s.logger.Debug().Err(err).Str("fallback_id", id).Msg("Fallback replay save failed")
		return false
	}

	if pubErr := s.publish(ctx, persisted, "fallback_replay"); pubErr != nil {
		s.logger.Warn().Err(pubErr).Str("message_id", persisted.ID).Msg("Fallback replay publish failed (best-effort)")
	}
	if err := s.Drop(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("fallback_id", id).Msg("Fallback drop after replay failed")
	}
	if err := s.rdb.HIncrBy(ctx, keyStats, "replayed", 1).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Fallback replayed counter increment failed")
	}
	metrics.FallbackReplayed.Inc()
	finish()
	s.logger.Info().
		Str("fallback_id", id).
		Str("message_id", persisted.ID).
		Msg("Fallback message replayed")
	return true
}
