// Package rooms tracks per-room membership, metadata, roles and a
// TTL-driven state machine: any activity arms room_state:<name> as
// "active" (1h); its expiration steps the room to idle (2h), then
// archived (24h), then full deletion of the room keyspace.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
)

// Room state lifetimes.
const (
	ActiveTTL   = time.Hour
	IdleTTL     = 2 * time.Hour
	ArchivedTTL = 24 * time.Hour
)

// RoomState is one of the lifecycle states carried by room_state:<name>.
type RoomState string

const (
	StateActive   RoomState = "active"
	StateIdle     RoomState = "idle"
	StateArchived RoomState = "archived"
)

// RoomType distinguishes conversation-backed rooms from ad-hoc ones.
type RoomType string

const (
	TypeConversation RoomType = "CONVERSATION"
	TypeOther        RoomType = "other"
)

const (
	keyRoomPrefix  = "rooms:"
	keyUsersPrefix = "room_users:"
	keyIndexPrefix = "user_rooms:"
	keyDataPrefix  = "room_data:"
	keyStatePrefix = "room_state:"
	keyMetaPrefix  = "room_metadata:"
	keyRolesPrefix = "room_roles:"
	keyPeakPrefix  = "room_peak:"
)

// Room is the hash at rooms:<name>.
type Room struct {
	Name         string
	Type         RoomType
	CreatedAt    time.Time
	LastActivity time.Time
	Status       RoomState
}

// Member is the per-(room,user) hash at room_data:<room>:<user>.
type Member struct {
	UserID         string
	Matricule      string
	JoinedAt       time.Time
	ConversationID string
}

// MemberData is the payload for AddUser.
type MemberData struct {
	Matricule      string
	ConversationID string
	Role           string
}

// Metadata is the conversation-level hash at room_metadata:<name>.
type Metadata struct {
	Title             string
	ParticipantsCount int
	UnreadCounts      map[string]int64
	Settings          map[string]any
}

// Registry owns the room keyspace.
type Registry struct {
	rdb      redis.UniversalClient
	presence *presence.Registry
	logger   zerolog.Logger
}

// New creates a Registry.
func New(rdb redis.UniversalClient, pres *presence.Registry, logger zerolog.Logger) *Registry {
	return &Registry{
		rdb:      rdb,
		presence: pres,
		logger:   logger.With().Str("component", "rooms").Logger(),
	}
}

// AddUser joins a user to a room, (re)arming the active state. Creates
// the room hash on first join and tracks the membership peak.
func (r *Registry) AddUser(ctx context.Context, room, userID string, data MemberData) error {
	now := time.Now().UTC()
	roomType := TypeOther
	if data.ConversationID != "" {
		roomType = TypeConversation
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSetNX(ctx, keyRoomPrefix+room, "name", room)
	pipe.HSetNX(ctx, keyRoomPrefix+room, "type", string(roomType))
	pipe.HSetNX(ctx, keyRoomPrefix+room, "created_at", now.Format(time.RFC3339Nano))
	pipe.HSet(ctx, keyRoomPrefix+room,
		"last_activity", now.Format(time.RFC3339Nano),
		"status", string(StateActive))
	pipe.SAdd(ctx, keyUsersPrefix+room, userID)
	pipe.SAdd(ctx, keyIndexPrefix+userID, room)
	pipe.HSet(ctx, keyDataPrefix+room+":"+userID, map[string]any{
		"matricule":       data.Matricule,
		"joined_at":       now.Format(time.RFC3339Nano),
		"conversation_id": data.ConversationID,
	})
	if data.Role != "" {
		pipe.HSet(ctx, keyRolesPrefix+room, userID, data.Role)
	}
	pipe.Set(ctx, keyStatePrefix+room, string(StateActive), ActiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("room add user %s/%s: %w", room, userID, err)
	}
	metrics.RoomTransitions.WithLabelValues(string(StateActive)).Inc()

	if err := r.trackPeak(ctx, room); err != nil {
		r.logger.Warn().Err(err).Str("room", room).Msg("Room peak tracking failed")
	}
	return nil
}

// trackPeak records the highest membership count seen for a room.
func (r *Registry) trackPeak(ctx context.Context, room string) error {
	count, err := r.rdb.SCard(ctx, keyUsersPrefix+room).Result()
	if err != nil {
		return err
	}
	peak, err := r.rdb.HGet(ctx, keyPeakPrefix+room, "peak_count").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	prev, _ := strconv.ParseInt(peak, 10, 64)
	if count > prev {
		return r.rdb.HSet(ctx, keyPeakPrefix+room,
			"peak_count", count,
			"peak_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	}
	return nil
}

// RemoveUser leaves a room. An emptied room is force-transitioned to
// archived so its remaining keys age out on the archived clock.
func (r *Registry) RemoveUser(ctx context.Context, room, userID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, keyUsersPrefix+room, userID)
	pipe.SRem(ctx, keyIndexPrefix+userID, room)
	pipe.Del(ctx, keyDataPrefix+room+":"+userID)
	pipe.HDel(ctx, keyRolesPrefix+room, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("room remove user %s/%s: %w", room, userID, err)
	}

	left, err := r.rdb.SCard(ctx, keyUsersPrefix+room).Result()
	if err != nil {
		return fmt.Errorf("room member count %s: %w", room, err)
	}
	if left == 0 {
		if err := r.transition(ctx, room, StateArchived); err != nil {
			return fmt.Errorf("room archive on empty %s: %w", room, err)
		}
	}
	return nil
}

// RemoveUserFromAllRooms walks the user's room index and leaves each,
// then clears the index.
func (r *Registry) RemoveUserFromAllRooms(ctx context.Context, userID string) error {
	roomsOfUser, err := r.rdb.SMembers(ctx, keyIndexPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("room index %s: %w", userID, err)
	}
	for _, room := range roomsOfUser {
		if err := r.RemoveUser(ctx, room, userID); err != nil {
			r.logger.Warn().Err(err).Str("room", room).Str("user_id", userID).Msg("Leave room failed")
		}
	}
	if err := r.rdb.Del(ctx, keyIndexPrefix+userID).Err(); err != nil {
		return fmt.Errorf("room index clear %s: %w", userID, err)
	}
	return nil
}

// UpdateActivity re-arms the active state and bumps last_activity.
func (r *Registry) UpdateActivity(ctx context.Context, room string) error {
	now := time.Now().UTC()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyRoomPrefix+room,
		"last_activity", now.Format(time.RFC3339Nano),
		"status", string(StateActive))
	pipe.Set(ctx, keyStatePrefix+room, string(StateActive), ActiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("room activity %s: %w", room, err)
	}
	return nil
}

// Get returns the room hash; ok=false when the room does not exist.
func (r *Registry) Get(ctx context.Context, room string) (Room, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, keyRoomPrefix+room).Result()
	if err != nil {
		return Room{}, false, fmt.Errorf("room get %s: %w", room, err)
	}
	if len(fields) == 0 {
		return Room{}, false, nil
	}
	rm := Room{
		Name:   fields["name"],
		Type:   RoomType(fields["type"]),
		Status: RoomState(fields["status"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		rm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_activity"]); err == nil {
		rm.LastActivity = t
	}
	return rm, true, nil
}

// Members returns the user ids currently in the room.
func (r *Registry) Members(ctx context.Context, room string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, keyUsersPrefix+room).Result()
	if err != nil {
		return nil, fmt.Errorf("room members %s: %w", room, err)
	}
	return users, nil
}

// Member returns the per-(room,user) hash; ok=false when absent.
func (r *Registry) Member(ctx context.Context, room, userID string) (Member, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, keyDataPrefix+room+":"+userID).Result()
	if err != nil {
		return Member{}, false, fmt.Errorf("room member %s/%s: %w", room, userID, err)
	}
	if len(fields) == 0 {
		return Member{}, false, nil
	}
	m := Member{
		UserID:         userID,
		Matricule:      fields["matricule"],
		ConversationID: fields["conversation_id"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["joined_at"]); err == nil {
		m.JoinedAt = t
	}
	return m, true, nil
}

// Role returns the user's role in the room ("" when none).
func (r *Registry) Role(ctx context.Context, room, userID string) (string, error) {
	role, err := r.rdb.HGet(ctx, keyRolesPrefix+room, userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("room role %s/%s: %w", room, userID, err)
	}
	return role, nil
}

// SetMetadata writes the conversation-level metadata hash.
func (r *Registry) SetMetadata(ctx context.Context, room string, meta Metadata) error {
	unread := "{}"
	if meta.UnreadCounts != nil {
		if data, err := json.Marshal(meta.UnreadCounts); err == nil {
			unread = string(data)
		}
	}
	settings := "{}"
	if meta.Settings != nil {
		if data, err := json.Marshal(meta.Settings); err == nil {
			settings = string(data)
		}
	}
	err := r.rdb.HSet(ctx, keyMetaPrefix+room, map[string]any{
		"title":              meta.Title,
		"participants_count": meta.ParticipantsCount,
		"unread_counts":      unread,
		"settings":           settings,
	}).Err()
	if err != nil {
		return fmt.Errorf("room metadata set %s: %w", room, err)
	}
	return nil
}

// GetMetadata reads the metadata hash; ok=false when absent.
func (r *Registry) GetMetadata(ctx context.Context, room string) (Metadata, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, keyMetaPrefix+room).Result()
	if err != nil {
		return Metadata{}, false, fmt.Errorf("room metadata get %s: %w", room, err)
	}
	if len(fields) == 0 {
		return Metadata{}, false, nil
	}
	meta := Metadata{Title: fields["title"]}
	meta.ParticipantsCount, _ = strconv.Atoi(fields["participants_count"])
	if fields["unread_counts"] != "" {
		_ = json.Unmarshal([]byte(fields["unread_counts"]), &meta.UnreadCounts)
	}
	if fields["settings"] != "" {
		_ = json.Unmarshal([]byte(fields["settings"]), &meta.Settings)
	}
	return meta, true, nil
}

// transition moves the room to a new state with that state's TTL.
func (r *Registry) transition(ctx context.Context, room string, to RoomState) error {
	ttl := ActiveTTL
	switch to {
	case StateIdle:
		ttl = IdleTTL
	case StateArchived:
		ttl = ArchivedTTL
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, keyStatePrefix+room, string(to), ttl)
	pipe.HSet(ctx, keyRoomPrefix+room, "status", string(to))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metrics.RoomTransitions.WithLabelValues(string(to)).Inc()
	r.logger.Info().Str("room", room).Str("state", string(to)).Msg("Room state transition")
	return nil
}

// HandleExpiredKey steps the state machine when a room_state key ages
// out: active -> idle -> archived -> delete everything.
func (r *Registry) HandleExpiredKey(ctx context.Context, key string) {
	if !strings.HasPrefix(key, keyStatePrefix) {
		return
	}
	room := strings.TrimPrefix(key, keyStatePrefix)

	rm, ok, err := r.Get(ctx, room)
	if err != nil {
		r.logger.Warn().Err(err).Str("room", room).Msg("Room expiry read failed")
		return
	}
	if !ok {
		return // already deleted
	}

	switch rm.Status {
	case StateActive:
		if err := r.transition(ctx, room, StateIdle); err != nil {
			r.logger.Warn().Err(err).Str("room", room).Msg("Room idle transition failed")
		}
	case StateIdle:
		if err := r.transition(ctx, room, StateArchived); err != nil {
			r.logger.Warn().Err(err).Str("room", room).Msg("Room archive transition failed")
		}
	case StateArchived:
		if err := r.Delete(ctx, room); err != nil {
			r.logger.Warn().Err(err).Str("room", room).Msg("Room deletion failed")
		}
	}
}

// Delete removes the entire room keyspace: membership, per-user data,
// metadata, roles, peaks, state, and every member's index entry.
func (r *Registry) Delete(ctx context.Context, room string) error {
	members, err := r.Members(ctx, room)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	for _, userID := range members {
		pipe.SRem(ctx, keyIndexPrefix+userID, room)
		pipe.Del(ctx, keyDataPrefix+room+":"+userID)
	}
	pipe.Del(ctx,
		keyRoomPrefix+room,
		keyUsersPrefix+room,
		keyMetaPrefix+room,
		keyRolesPrefix+room,
		keyPeakPrefix+room,
		keyStatePrefix+room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("room delete %s: %w", room, err)
	}
	metrics.RoomTransitions.WithLabelValues("deleted").Inc()
	r.logger.Info().Str("room", room).Int("members", len(members)).Msg("Room deleted")
	return nil
}

// KeyPrefix returns the state-key prefix the expiry listener filters on.
func (r *Registry) KeyPrefix() string {
	return keyStatePrefix
}
