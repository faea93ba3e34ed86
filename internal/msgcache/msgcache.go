// Package msgcache is the cached read path for conversation history,
// with three TTL tiers and write-through invalidation. Unread counters
// live here too: the authoritative count is in the primary store, the
// Redis counter is a 3-day cache recomputed on miss.
package msgcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// TTL tiers.
const (
	TTLDefault = time.Hour       // first page
	TTLShort   = 5 * time.Minute // subsequent pages and cursor pages
	TTLQuick   = time.Minute     // last-N preload
	TTLUnread  = 72 * time.Hour  // unread counters
)

// PreloadCount is how many messages the proactive preload keeps warm.
const PreloadCount = 20

// View is the cached read path over the primary store.
type View struct {
	rdb    redis.UniversalClient
	msgs   store.MessageStore
	logger zerolog.Logger
}

// New creates a View.
func New(rdb redis.UniversalClient, msgs store.MessageStore, logger zerolog.Logger) *View {
	return &View{
		rdb:    rdb,
		msgs:   msgs,
		logger: logger.With().Str("component", "msgcache").Logger(),
	}
}

func historyKey(conversationID string, q store.Query) (key string, ttl time.Duration, tier string) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if q.Cursor != "" {
		return fmt.Sprintf("msgs:%s:cursor:%s:%d", conversationID, q.Cursor, limit), TTLShort, "short"
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	if page == 1 {
		return fmt.Sprintf("msgs:%s:page:1:%d", conversationID, limit), TTLDefault, "default"
	}
	return fmt.Sprintf("msgs:%s:page:%d:%d", conversationID, page, limit), TTLShort, "short"
}

// History returns a page of conversation history, cache first. A hit
// renews the key's TTL (sliding expiry); a miss reads the store and
// writes back.
func (v *View) History(ctx context.Context, conversationID string, q store.Query) ([]*types.Message, error) {
	key, ttl, tier := historyKey(conversationID, q)

	cached, err := v.rdb.Get(ctx, key).Result()
	if err == nil {
		var msgs []*types.Message
		if jerr := json.Unmarshal([]byte(cached), &msgs); jerr == nil {
			metrics.CacheLookups.WithLabelValues(tier, "hit").Inc()
			v.rdb.Expire(ctx, key, ttl)
			return msgs, nil
		}
		// Corrupt entry: fall through to the store.
		v.rdb.Del(ctx, key)
	} else if err != redis.Nil {
		v.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed; serving from store")
	}
	metrics.CacheLookups.WithLabelValues(tier, "miss").Inc()

	msgs, err := v.msgs.FindByConversation(ctx, conversationID, q)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", conversationID, err)
	}
	v.writeBack(ctx, key, msgs, ttl)
	return msgs, nil
}

// LastMessages returns the newest n messages (quick tier).
func (v *View) LastMessages(ctx context.Context, conversationID string, n int) ([]*types.Message, error) {
	if n <= 0 {
		n = PreloadCount
	}
	key := fmt.Sprintf("msgs:quick:%s:%d", conversationID, n)

	cached, err := v.rdb.Get(ctx, key).Result()
	if err == nil {
		var msgs []*types.Message
		if jerr := json.Unmarshal([]byte(cached), &msgs); jerr == nil {
			metrics.CacheLookups.WithLabelValues("quick", "hit").Inc()
			v.rdb.Expire(ctx, key, TTLQuick)
			return msgs, nil
		}
		v.rdb.Del(ctx, key)
	}
	metrics.CacheLookups.WithLabelValues("quick", "miss").Inc()

	msgs, err := v.msgs.FindByConversation(ctx, conversationID, store.Query{Page: 1, Limit: n})
	if err != nil {
		return nil, fmt.Errorf("last messages %s: %w", conversationID, err)
	}
	v.writeBack(ctx, key, msgs, TTLQuick)
	v.writeBack(ctx, "last_messages:"+conversationID, msgs, TTLQuick)
	return msgs, nil
}

func (v *View) writeBack(ctx context.Context, key string, msgs []*types.Message, ttl time.Duration) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	if err := v.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		v.logger.Warn().Err(err).Str("key", key).Msg("Cache write-back failed")
	}
}

// OnSave is the write-path hook: bump unread counters for the
// recipients, invalidate the conversation's message caches, then
// preload the last messages so the next read is warm. conv may be nil
// when participants are unknown; only an explicit receiver is counted
// then.
func (v *View) OnSave(ctx context.Context, msg *types.Message, conv *types.ConversationRef) {
	recipients := recipientsOf(msg, conv)
	for _, userID := range recipients {
		if err := v.IncrementUnread(ctx, msg.ConversationID, userID); err != nil {
			v.logger.Warn().Err(err).Str("user_id", userID).Msg("Unread increment failed")
		}
	}
	v.Invalidate(ctx, msg.ConversationID)
	if _, err := v.LastMessages(ctx, msg.ConversationID, PreloadCount); err != nil {
		v.logger.Debug().Err(err).Str("conversation_id", msg.ConversationID).Msg("Preload after invalidation failed")
	}
}

func recipientsOf(msg *types.Message, conv *types.ConversationRef) []string {
	if msg.ReceiverID != "" {
		return []string{msg.ReceiverID}
	}
	if conv == nil {
		return nil
	}
	var out []string
	for _, p := range conv.Participants {
		if p.UserID != "" && p.UserID != msg.SenderID {
			out = append(out, p.UserID)
		}
	}
	return out
}

// Invalidate drops every message cache key for a conversation. Caches
// owned by other components (conversation documents etc) are left
// alone.
func (v *View) Invalidate(ctx context.Context, conversationID string) {
	patterns := []string{
		"msgs:" + conversationID + ":*",
		"msgs:quick:" + conversationID + ":*",
	}
	for _, pattern := range patterns {
		iter := v.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := v.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				v.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Cache invalidation delete failed")
			}
		}
		if err := iter.Err(); err != nil {
			v.logger.Warn().Err(err).Str("pattern", pattern).Msg("Cache invalidation scan failed")
		}
	}
	if err := v.rdb.Del(ctx, "last_messages:"+conversationID).Err(); err != nil {
		v.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Last-messages invalidation failed")
	}
}

func unreadKeys(conversationID, userID string) (string, string) {
	return "unread:user:" + userID + ":" + conversationID,
		"unread:conv:" + conversationID + ":" + userID
}

// IncrementUnread bumps both unread counter keys with the 3-day TTL.
func (v *View) IncrementUnread(ctx context.Context, conversationID, userID string) error {
	userKey, convKey := unreadKeys(conversationID, userID)
	pipe := v.rdb.TxPipeline()
	pipe.Incr(ctx, userKey)
	pipe.Expire(ctx, userKey, TTLUnread)
	pipe.Incr(ctx, convKey)
	pipe.Expire(ctx, convKey, TTLUnread)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unread increment %s/%s: %w", conversationID, userID, err)
	}
	return nil
}

// ResetUnread clears both counter keys (conversation marked read).
func (v *View) ResetUnread(ctx context.Context, conversationID, userID string) error {
	userKey, convKey := unreadKeys(conversationID, userID)
	if err := v.rdb.Del(ctx, userKey, convKey).Err(); err != nil {
		return fmt.Errorf("unread reset %s/%s: %w", conversationID, userID, err)
	}
	return nil
}

// Unread returns the user's unread count for a conversation. On a
// cache miss the count is recomputed from the store and written back
// only when non-zero (zero counts stay cheap misses).
func (v *View) Unread(ctx context.Context, conversationID, userID string) (int64, error) {
	userKey, convKey := unreadKeys(conversationID, userID)
	cached, err := v.rdb.Get(ctx, userKey).Int64()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		v.logger.Warn().Err(err).Str("key", userKey).Msg("Unread cache read failed")
	}

	count, err := v.msgs.CountUnreadMessages(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("unread recount %s/%s: %w", conversationID, userID, err)
	}
	metrics.UnreadRecalcs.Inc()
	if count > 0 {
		pipe := v.rdb.TxPipeline()
		pipe.Set(ctx, userKey, count, TTLUnread)
		pipe.Set(ctx, convKey, count, TTLUnread)
		if _, err := pipe.Exec(ctx); err != nil {
			v.logger.Warn().Err(err).Str("key", userKey).Msg("Unread write-back failed")
		}
	}
	return count, nil
}

// UnreadTotal returns the user's unread count across all conversations,
// straight from the authoritative store.
func (v *View) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	return v.msgs.CountAllUnreadMessages(ctx, userID)
}
