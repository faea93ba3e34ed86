package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
)

// Health classifies a room by member liveliness.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthModerate Health = "moderate"
	HealthLow      Health = "low"
	HealthEmpty    Health = "empty"
)

// recentWindow bounds "recent activity" for engagement scoring.
const recentWindow = 10 * time.Minute

// Engagement weights per member, summing to 100 for a fully engaged
// privileged member.
const (
	weightOnline = 50
	weightIdle   = 20
	weightRecent = 30
	weightRole   = 20
	weightMax    = weightOnline + weightRecent + weightRole
)

// MemberStatus is one member's presence slice inside a room.
type MemberStatus struct {
	UserID       string
	Matricule    string
	Status       presence.Status
	LastActivity time.Time
	Role         string
}

// PresenceStats aggregates room membership against the presence
// registry.
type PresenceStats struct {
	Room            string
	Members         []MemberStatus
	TotalCount      int
	OnlineCount     int
	IdleCount       int
	OfflineCount    int
	RecentlyActive  int
	EngagementScore int // 0-100
	Health          Health
}

// GetRoomPresenceStats joins room membership with the presence registry
// to produce per-user status, counts, an engagement score, and a room
// health classification.
//
// Health thresholds on (online ratio, recent-activity ratio):
// healthy >= (0.5, 0.3); moderate >= (0.2, 0.1); otherwise low; a room
// with zero members is empty.
func (r *Registry) GetRoomPresenceStats(ctx context.Context, room string) (PresenceStats, error) {
	members, err := r.Members(ctx, room)
	if err != nil {
		return PresenceStats{}, err
	}

	stats := PresenceStats{Room: room, TotalCount: len(members)}
	if len(members) == 0 {
		stats.Health = HealthEmpty
		return stats, nil
	}

	now := time.Now()
	score := 0
	for _, userID := range members {
		rec, err := r.presence.Get(ctx, userID)
		if err != nil {
			return PresenceStats{}, fmt.Errorf("room stats presence %s: %w", userID, err)
		}
		role, err := r.Role(ctx, room, userID)
		if err != nil {
			return PresenceStats{}, err
		}

		ms := MemberStatus{
			UserID:       userID,
			Matricule:    rec.Matricule,
			Status:       rec.Status,
			LastActivity: rec.LastActivity,
			Role:         role,
		}
		stats.Members = append(stats.Members, ms)

		memberScore := 0
		switch rec.Status {
		case presence.StatusOnline:
			stats.OnlineCount++
			memberScore += weightOnline
		case presence.StatusIdle:
			stats.IdleCount++
			memberScore += weightIdle
		default:
			stats.OfflineCount++
		}
		if !rec.LastActivity.IsZero() && now.Sub(rec.LastActivity) <= recentWindow {
			stats.RecentlyActive++
			memberScore += weightRecent
		}
		if role == "admin" || role == "moderator" {
			memberScore += weightRole
		}
		score += memberScore
	}

	stats.EngagementScore = score * 100 / (weightMax * len(members))
	if stats.EngagementScore > 100 {
		stats.EngagementScore = 100
	}

	onlineRatio := float64(stats.OnlineCount) / float64(stats.TotalCount)
	activeRatio := float64(stats.RecentlyActive) / float64(stats.TotalCount)
	switch {
	case onlineRatio >= 0.5 && activeRatio >= 0.3:
		stats.Health = HealthHealthy
	case onlineRatio >= 0.2 && activeRatio >= 0.1:
		stats.Health = HealthModerate
	default:
		stats.Health = HealthLow
	}
	return stats, nil
}
