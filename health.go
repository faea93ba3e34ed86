package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/breaker"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/pipeline"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/workers"
)

// HealthResponse is the /healthz payload. Status is "healthy" or
// "degraded".
type HealthResponse struct {
	Status        string                          `json:"status"`
	UptimeSeconds int64                           `json:"uptimeSeconds"`
	BreakerState  string                          `json:"breakerState"`
	DLQDepth      int64                           `json:"dlqDepth"`
	Fallback      FallbackHealth                  `json:"fallback"`
	OnlineUsers   int                             `json:"onlineUsers"`
	Workers       map[string]workers.WorkerHealth `json:"workers"`
}

// FallbackHealth is the fallback-store slice of the health payload.
type FallbackHealth struct {
	Active   int64 `json:"active"`
	Total    int64 `json:"total"`
	Replayed int64 `json:"replayed"`
}

// healthHandler reports pipeline liveness. Degraded means the breaker
// is not CLOSED or a worker's last tick errored; the endpoint still
// returns 200 so orchestrators do not restart a recovering process.
func healthHandler(p *pipeline.Pipeline, pres *presence.Registry, pool *workers.Pool, started time.Time, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := HealthResponse{
			Status:        "healthy",
			UptimeSeconds: int64(time.Since(started).Seconds()),
			BreakerState:  string(p.Breaker().State()),
			Workers:       pool.Health(),
		}
		if resp.BreakerState != string(breaker.StateClosed) {
			resp.Status = "degraded"
		}
		for _, h := range resp.Workers {
			if h.LastError != "" {
				resp.Status = "degraded"
				break
			}
		}

		if depth, err := p.DLQ().Depth(ctx); err == nil {
			resp.DLQDepth = depth
		} else {
			logger.Warn().Err(err).Msg("Health: DLQ depth read failed")
		}
		if stats, err := p.Fallback().GetStats(ctx); err == nil {
			resp.Fallback = FallbackHealth{Active: stats.Active, Total: stats.Total, Replayed: stats.Replayed}
		}
		if users, err := pres.OnlineUsers(ctx); err == nil {
			resp.OnlineUsers = len(users)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn().Err(err).Msg("Health: response encode failed")
		}
	}
}
