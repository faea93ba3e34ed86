// Package expiry owns the key-expiration subscription. Registries
// register a handler per key prefix; one subscription task dispatches
// expired-key events to whichever prefix matches, so no component ever
// duplicates the pub/sub client.
package expiry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler processes one expired key.
type Handler func(ctx context.Context, key string)

// Listener is the single expiration subscriber.
type Listener struct {
	rdb     redis.UniversalClient
	channel string
	logger  zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler // prefix -> handler
}

// New creates a Listener for the given logical database. Expiry events
// are published per DB, so db must match the client's configured DB.
// The backend must run with notify-keyspace-events including "Ex"; Run
// sets it best-effort.
func New(rdb redis.UniversalClient, db int, logger zerolog.Logger) *Listener {
	return &Listener{
		rdb:      rdb,
		channel:  fmt.Sprintf("__keyevent@%d__:expired", db),
		logger:   logger.With().Str("component", "expiry").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a key prefix. Must be called before Run.
func (l *Listener) Register(prefix string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[prefix] = h
}

// Run subscribes and dispatches until ctx is cancelled. Handler panics
// are contained per event.
func (l *Listener) Run(ctx context.Context) error {
	// Best-effort: managed Redis often locks CONFIG; the operator then
	// has to enable Ex notifications out of band.
	if err := l.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		l.logger.Warn().Err(err).Msg("Could not enable keyspace notifications (set notify-keyspace-events=Ex manually)")
	}

	sub := l.rdb.Subscribe(ctx, l.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("expiry subscribe: %w", err)
	}
	l.logger.Info().Str("channel", l.channel).Msg("Expiration listener started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("expiry subscription closed")
			}
			l.dispatch(ctx, msg.Payload)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, key string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for prefix, h := range l.handlers {
		if strings.HasPrefix(key, prefix) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						l.logger.Error().Interface("panic_value", r).Str("key", key).Msg("Expiry handler panic recovered")
					}
				}()
				h(ctx, key)
			}()
			return
		}
	}
}
