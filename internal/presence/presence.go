// Package presence tracks online users: an online_users set, a
// user_data:<id> hash per user, and a user_sockets:<socketId> reverse
// mapping, all TTL-bounded. Key-expiration notifications drive the
// offline transition when a user hash ages out.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
)

const (
	keyOnlineSet    = "online_users"
	keyUserPrefix   = "user_data:"
	keySocketPrefix = "user_sockets:"

	// TTL on the user hash and socket mapping. A client that neither
	// touches nor disconnects simply ages out.
	TTL = time.Hour

	// idleAfter is how long without activity before a present user
	// reads as idle.
	idleAfter = 10 * time.Minute

	// inactiveAfter is the CleanupInactive sweep threshold.
	inactiveAfter = 60 * time.Minute
)

// Status of a user as seen by the registry.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Record is one user's presence data.
type Record struct {
	UserID       string
	SocketID     string
	ServerID     string
	Matricule    string
	ConnectedAt  time.Time
	LastActivity time.Time
	Status       Status
}

// OnlineData is the payload for SetOnline.
type OnlineData struct {
	SocketID  string
	ServerID  string
	Matricule string
}

// Registry owns the presence keyspace.
type Registry struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// New creates a Registry.
func New(rdb redis.UniversalClient, logger zerolog.Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// SetOnline records a user connection: hash + online set + socket
// reverse mapping, all with the registry TTL.
func (r *Registry) SetOnline(ctx context.Context, userID string, data OnlineData) error {
	now := time.Now().UTC()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyUserPrefix+userID, map[string]any{
		"socket_id":     data.SocketID,
		"server_id":     data.ServerID,
		"matricule":     data.Matricule,
		"connected_at":  now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"status":        string(StatusOnline),
	})
	pipe.Expire(ctx, keyUserPrefix+userID, TTL)
	pipe.SAdd(ctx, keyOnlineSet, userID)
	if data.SocketID != "" {
		pipe.Set(ctx, keySocketPrefix+data.SocketID, userID, TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence set online %s: %w", userID, err)
	}
	r.refreshGauge(ctx)
	return nil
}

// SetOffline removes the user hash, set membership, and socket mapping.
func (r *Registry) SetOffline(ctx context.Context, userID string) error {
	socketID, err := r.rdb.HGet(ctx, keyUserPrefix+userID, "socket_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("presence read socket %s: %w", userID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keyUserPrefix+userID)
	pipe.SRem(ctx, keyOnlineSet, userID)
	if socketID != "" {
		pipe.Del(ctx, keySocketPrefix+socketID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence set offline %s: %w", userID, err)
	}
	r.refreshGauge(ctx)
	return nil
}

// Touch refreshes last_activity and renews the hash and socket TTLs.
func (r *Registry) Touch(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyUserPrefix+userID, "last_activity", now.Format(time.RFC3339Nano), "status", string(StatusOnline))
	pipe.Expire(ctx, keyUserPrefix+userID, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence touch %s: %w", userID, err)
	}
	if socketID, err := r.rdb.HGet(ctx, keyUserPrefix+userID, "socket_id").Result(); err == nil && socketID != "" {
		r.rdb.Expire(ctx, keySocketPrefix+socketID, TTL)
	}
	return nil
}

// Get returns the user's presence, deriving idle from activity age.
// A missing hash reads as offline.
func (r *Registry) Get(ctx context.Context, userID string) (Record, error) {
	fields, err := r.rdb.HGetAll(ctx, keyUserPrefix+userID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence get %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Record{UserID: userID, Status: StatusOffline}, nil
	}
	rec := Record{
		UserID:    userID,
		SocketID:  fields["socket_id"],
		ServerID:  fields["server_id"],
		Matricule: fields["matricule"],
		Status:    StatusOnline,
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["connected_at"]); err == nil {
		rec.ConnectedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_activity"]); err == nil {
		rec.LastActivity = t
		if time.Since(t) > idleAfter {
			rec.Status = StatusIdle
		}
	}
	return rec, nil
}

// OnlineUsers returns the current online set.
func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, keyOnlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("presence online users: %w", err)
	}
	return users, nil
}

// UserBySocket resolves a socket id to its user, "" when unknown.
func (r *Registry) UserBySocket(ctx context.Context, socketID string) (string, error) {
	userID, err := r.rdb.Get(ctx, keySocketPrefix+socketID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence socket lookup %s: %w", socketID, err)
	}
	return userID, nil
}

// CleanupInactive sweeps users whose last_activity is older than an
// hour, transitioning them offline. Returns how many were removed.
func (r *Registry) CleanupInactive(ctx context.Context) (int, error) {
	users, err := r.OnlineUsers(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-inactiveAfter)
	for _, userID := range users {
		rec, err := r.Get(ctx, userID)
		if err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("Presence cleanup read failed")
			continue
		}
		if rec.Status == StatusOffline || (!rec.LastActivity.IsZero() && rec.LastActivity.Before(cutoff)) {
			if err := r.SetOffline(ctx, userID); err != nil {
				r.logger.Warn().Err(err).Str("user_id", userID).Msg("Presence cleanup offline failed")
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// HandleExpiredKey processes one key-expiration notification. Only
// user_data: keys are acted on; the user is removed from the online
// set (the hash is already gone).
func (r *Registry) HandleExpiredKey(ctx context.Context, key string) {
	if !strings.HasPrefix(key, keyUserPrefix) {
		return
	}
	userID := strings.TrimPrefix(key, keyUserPrefix)
	if err := r.rdb.SRem(ctx, keyOnlineSet, userID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("Presence expiry removal failed")
		return
	}
	r.logger.Info().Str("user_id", userID).Msg("User presence expired; marked offline")
	r.refreshGauge(ctx)
}

// KeyPrefix returns the hash prefix the expiry listener filters on.
func (r *Registry) KeyPrefix() string {
	return keyUserPrefix
}

func (r *Registry) refreshGauge(ctx context.Context) {
	if n, err := r.rdb.SCard(ctx, keyOnlineSet).Result(); err == nil {
		metrics.OnlineUsers.Set(float64(n))
	}
}
