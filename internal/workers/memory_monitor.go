package workers

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
)

// Memory monitor thresholds relative to the configured cap.
const (
	MemoryMonInterval = time.Minute
	memWarnRatio      = 0.80
	memCriticalRatio  = 0.90
)

// NewMemoryMonitor watches both sides of memory pressure every minute:
// the backend (Redis used_memory from INFO) and this process (RSS via
// gopsutil). Warnings fire at 80% of the cap, critical at 90%. Appends
// keep succeeding under pressure; MAXLEN trimming bounds growth.
func NewMemoryMonitor(rdb redis.UniversalClient, memoryLimitMB int64, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "memory_monitor").Logger()
	alerts := rate.NewLimiter(rate.Every(5*time.Minute), 2)
	limitBytes := memoryLimitMB * 1024 * 1024

	var proc *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		proc = p
	}

	return NewRunner("memory_monitor", MemoryMonInterval, func(ctx context.Context) error {
		backendUsed, err := backendMemory(ctx, rdb)
		if err != nil {
			return err
		}
		metrics.MemoryUsedBytes.WithLabelValues("backend").Set(float64(backendUsed))

		var processUsed uint64
		if proc != nil {
			if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
				processUsed = info.RSS
				metrics.MemoryUsedBytes.WithLabelValues("process").Set(float64(processUsed))
			}
		}

		if limitBytes <= 0 {
			return nil
		}
		checkSide(log, alerts, "backend", int64(backendUsed), limitBytes)
		if processUsed > 0 {
			checkSide(log, alerts, "process", int64(processUsed), limitBytes)
		}
		return nil
	}, logger)
}

func checkSide(log zerolog.Logger, alerts *rate.Limiter, side string, used, limit int64) {
	ratio := float64(used) / float64(limit)
	switch {
	case ratio >= memCriticalRatio:
		if alerts.Allow() {
			log.Error().
				Str("side", side).
				Int64("used_bytes", used).
				Int64("limit_bytes", limit).
				Float64("ratio", ratio).
				Msg("Memory usage critical")
		}
	case ratio >= memWarnRatio:
		if alerts.Allow() {
			log.Warn().
				Str("side", side).
				Int64("used_bytes", used).
				Int64("limit_bytes", limit).
				Float64("ratio", ratio).
				Msg("Memory usage high")
		}
	}
}

// backendMemory parses used_memory out of INFO memory.
func backendMemory(ctx context.Context, rdb redis.UniversalClient) (uint64, error) {
	info, err := rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0, err
			}
			return used, nil
		}
	}
	return 0, nil
}
