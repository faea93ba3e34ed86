// Package pipeline is the top-level write path: WAL bracket, breaker-
// gated primary save, typed-stream publish, and the recovery ladder
// (retry queue, fallback store, DLQ) when the store misbehaves.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/breaker"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/dlq"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/fallback"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/msgcache"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/retrysched"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/router"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/wal"
)

// Config tunes the pipeline and the recovery components it owns.
// Zero values take the documented defaults.
type Config struct {
	MaxRetries       int
	RetryBase        time.Duration
	BreakerThreshold uint32
	BreakerReset     time.Duration
	WALTimeout       time.Duration
	Consumer         string // consumer name for the worker groups
}

// ReceiveMetrics is the per-call metrics slice of a Receive result.
type ReceiveMetrics struct {
	RetryEnqueued bool
	Fallback      bool
	Duration      time.Duration
}

// Result is what the caller of Receive sees. Success means the message
// is durably saved or parked for replay, and published best-effort.
type Result struct {
	Success bool
	Message *types.Message
	Metrics ReceiveMetrics
}

// Pipeline wires the messaging core together. All collaborators are
// injected or built here; there are no package-level singletons.
type Pipeline struct {
	bus      *streambus.Bus
	msgs     store.MessageStore
	convs    store.ConversationStore
	cache    *msgcache.View
	writeLog *wal.Log
	brk      *breaker.Breaker
	retries  *retrysched.Scheduler
	parking  *fallback.Store
	deadLet  *dlq.Queue
	routes   *router.Router
	counters *metrics.Counters
	logger   zerolog.Logger
}

// New builds the pipeline and its recovery components. cache may be
// nil (read caching disabled, e.g. in slim tests).
func New(bus *streambus.Bus, msgs store.MessageStore, convs store.ConversationStore, cache *msgcache.View, cfg Config, logger zerolog.Logger) *Pipeline {
	log := logger.With().Str("component", "pipeline").Logger()

	p := &Pipeline{
		bus:      bus,
		msgs:     msgs,
		convs:    convs,
		cache:    cache,
		counters: &metrics.Counters{},
		logger:   log,
	}

	p.writeLog = wal.New(bus, logger, cfg.WALTimeout)
	p.deadLet = dlq.New(bus, logger)
	p.routes = router.New(bus, logger)
	p.brk = breaker.New(breaker.Config{
		Name:             "primary-store",
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		OnStateChange: func(_ string, _, to breaker.State) {
			switch to {
			case breaker.StateClosed:
				metrics.BreakerState.Set(0)
			case breaker.StateHalfOpen:
				metrics.BreakerState.Set(1)
			default:
				metrics.BreakerState.Set(2)
			}
		},
	}, logger)

	// Recovery paths save through the breaker as well, so a drain in
	// HALF_OPEN doubles as the probe.
	saveFn := func(ctx context.Context, msg *types.Message) (*types.Message, error) {
		return p.saveThroughBreaker(ctx, msg)
	}
	publishFn := func(ctx context.Context, msg *types.Message, source string) error {
		return p.publishRecovered(ctx, msg, source)
	}

	p.retries = retrysched.New(bus, p.deadLet, saveFn, publishFn, retrysched.Config{
		Base:       cfg.RetryBase,
		MaxRetries: cfg.MaxRetries,
		Consumer:   cfg.Consumer,
	}, logger)
	p.parking = fallback.New(bus, p.deadLet, saveFn, publishFn, fallback.Config{Consumer: cfg.Consumer}, logger)

	return p
}

// Component accessors for the worker pool and the health endpoint.

func (p *Pipeline) Bus() *streambus.Bus              { return p.bus }
func (p *Pipeline) WAL() *wal.Log                    { return p.writeLog }
func (p *Pipeline) Breaker() *breaker.Breaker        { return p.brk }
func (p *Pipeline) Retries() *retrysched.Scheduler   { return p.retries }
func (p *Pipeline) Fallback() *fallback.Store        { return p.parking }
func (p *Pipeline) DLQ() *dlq.Queue                  { return p.deadLet }
func (p *Pipeline) Router() *router.Router           { return p.routes }
func (p *Pipeline) Counters() *metrics.Counters      { return p.counters }
func (p *Pipeline) MessageStore() store.MessageStore { return p.msgs }

func (p *Pipeline) saveThroughBreaker(ctx context.Context, msg *types.Message) (*types.Message, error) {
	start := time.Now()
	saved, err := breaker.Do(ctx, p.brk, func(ctx context.Context) (*types.Message, error) {
		return p.msgs.Save(ctx, msg)
	})
	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		p.counters.Saved.Add(1)
	}
	return saved, err
}

// publishRecovered is the publish hook handed to the retry and
// fallback drains.
func (p *Pipeline) publishRecovered(ctx context.Context, msg *types.Message, source string) error {
	conv := p.resolveConversation(ctx, msg.ConversationID)
	if _, err := p.routes.PublishMessage(ctx, msg, conv, source); err != nil {
		metrics.PublishFailures.Inc()
		return err
	}
	p.counters.Published.Add(1)
	if p.cache != nil && source == "fallback_replay" {
		p.cache.OnSave(ctx, msg, conv)
	}
	return nil
}

// resolveConversation looks up participants, returning nil when the
// conversation is unknown or the lookup fails (the router then falls
// back to message shape alone).
func (p *Pipeline) resolveConversation(ctx context.Context, conversationID string) *types.ConversationRef {
	if conversationID == "" || p.convs == nil {
		return nil
	}
	conv, err := p.convs.FindConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Conversation lookup failed")
		}
		return nil
	}
	return conv
}

// Receive drives one message through the write protocol:
//
//	participants -> WAL pre -> breaker(save) -> publish -> WAL post
//
// On save failure the message is scheduled for retry (transient errors
// only), parked in the fallback store, and published from there. Only
// a failed park surfaces an error; publish failures never roll back a
// save.
func (p *Pipeline) Receive(ctx context.Context, msg *types.Message) (Result, error) {
	start := time.Now()
	res := Result{}

	if msg == nil {
		return res, store.Validationf("message is required")
	}
	if msg.SenderID == "" {
		return res, store.Validationf("senderId is required")
	}
	if msg.ConversationID == "" && msg.ReceiverID == "" {
		return res, store.Validationf("conversationId or receiverId is required")
	}
	if msg.Type == "" {
		msg.Type = types.MessageTypeText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	p.counters.Received.Add(1)

	conv := p.resolveConversation(ctx, msg.ConversationID)

	// WAL bracket is best-effort: the store is a different backend, so
	// a down Redis must not block a healthy save.
	walID, err := p.writeLog.LogPre(ctx, msg)
	if err != nil {
		p.logger.Warn().Err(err).Msg("WAL pre_write failed; proceeding without crash bracket")
	}

	saved, saveErr := p.saveThroughBreaker(ctx, msg)
	if saveErr == nil {
		if _, pubErr := p.routes.PublishMessage(ctx, saved, conv, "save"); pubErr != nil {
			metrics.PublishFailures.Inc()
			p.logger.Warn().Err(pubErr).Str("message_id", saved.ID).Msg("Publish failed (best-effort)")
		} else {
			p.counters.Published.Add(1)
		}
		if walID != "" {
			if err := p.writeLog.LogPost(ctx, saved.ID, walID); err != nil {
				p.logger.Warn().Err(err).Str("wal_id", walID).Msg("WAL post_write failed")
			}
		}
		if p.cache != nil {
			p.cache.OnSave(ctx, saved, conv)
		}
		metrics.ReceivesTotal.WithLabelValues("saved").Inc()
		res.Success = true
		res.Message = saved
		res.Metrics.Duration = time.Since(start)
		return res, nil
	}

	// Validation/authorization/not-found are the caller's problem, not
	// the recovery ladder's.
	if store.Permanent(saveErr) {
		metrics.ReceivesTotal.WithLabelValues("rejected").Inc()
		if walID != "" {
			_ = p.writeLog.Clear(ctx, walID)
		}
		return res, saveErr
	}

	p.logger.Error().Err(saveErr).
		Str("conversation_id", msg.ConversationID).
		Str("breaker_state", string(p.brk.State())).
		Msg("Primary store save failed; entering recovery path")

	if err := p.retries.Enqueue(ctx, msg, 1, saveErr); err != nil {
		p.logger.Error().Err(err).Msg("Retry enqueue failed")
	} else {
		p.counters.Retried.Add(1)
		res.Metrics.RetryEnqueued = true
	}

	fallbackID, parkErr := p.parking.Park(ctx, msg)
	if parkErr != nil {
		// Nothing could hold the message: dead-letter and surface.
		_, _ = p.deadLet.Add(ctx, msg.ID, saveErr, 1, dlq.OpSave, true, walID)
		p.counters.DeadLettered.Add(1)
		metrics.ReceivesTotal.WithLabelValues("failed").Inc()
		if walID != "" {
			_ = p.writeLog.Clear(ctx, walID)
		}
		return res, fmt.Errorf("save failed and fallback unavailable: %w", errors.Join(saveErr, parkErr))
	}

	parked := msg.Clone()
	if parked.ID == "" {
		parked.ID = fallbackID
	}
	parked.Status = types.StatusPendingFallback

	if _, pubErr := p.routes.PublishMessage(ctx, parked, conv, "redis_fallback"); pubErr != nil {
		metrics.PublishFailures.Inc()
		p.logger.Warn().Err(pubErr).Str("fallback_id", fallbackID).Msg("Fallback publish failed (best-effort)")
	} else {
		p.counters.Published.Add(1)
	}

	// The fallback path owns the message now; the WAL bracket would
	// otherwise read as a lost write after the timeout.
	if walID != "" {
		_ = p.writeLog.Clear(ctx, walID)
	}

	metrics.ReceivesTotal.WithLabelValues("fallback").Inc()
	res.Success = true
	res.Message = parked
	res.Metrics.Fallback = true
	res.Metrics.Duration = time.Since(start)
	return res, nil
}
