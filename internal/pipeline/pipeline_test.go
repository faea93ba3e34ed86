package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/breaker"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/msgcache"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

var errDown = errors.New("connection refused")

type harness struct {
	p   *Pipeline
	ms  *store.MemStore
	bus *streambus.Bus
	mr  *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bus := streambus.New(rdb, zerolog.Nop(), nil)
	require.NoError(t, bus.EnsureGroups(context.Background()))

	ms := store.NewMemStore()
	ms.PutConversation(&types.ConversationRef{
		ID:           "conv-1",
		Participants: []types.Participant{{UserID: "alice"}, {UserID: "bob"}},
		IsPrivate:    true,
	})

	cache := msgcache.New(rdb, ms, zerolog.Nop())
	p := New(bus, ms, ms, cache, Config{
		MaxRetries:       3,
		RetryBase:        time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     50 * time.Millisecond,
		WALTimeout:       time.Minute,
		Consumer:         "test-1",
	}, zerolog.Nop())
	return &harness{p: p, ms: ms, bus: bus, mr: mr}
}

func inbound() *types.Message {
	return &types.Message{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        "hello bob",
	}
}

func streamLen(t *testing.T, bus *streambus.Bus, stream string) int64 {
	t.Helper()
	n, err := bus.Length(context.Background(), stream)
	require.NoError(t, err)
	return n
}

func TestReceiveHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Receive(ctx, inbound())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Message)
	assert.NotEmpty(t, res.Message.ID)
	assert.Equal(t, types.StatusSent, res.Message.Status)
	assert.False(t, res.Metrics.RetryEnqueued)
	assert.False(t, res.Metrics.Fallback)

	// Saved in the store.
	stored, err := h.ms.FindByID(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", stored.Content)

	// Published to the private stream with source=save.
	entries, err := h.bus.ReadRevRange(ctx, streambus.StreamPrivate, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Fields["receiver_id"])
	assert.Equal(t, "save", entries[0].Fields["source"])

	// Completed WAL bracket leaves nothing behind.
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamWAL))
	// Nothing entered the recovery ladder.
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamRetry))
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamFallback))
}

func TestReceiveValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.Receive(ctx, nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = h.p.Receive(ctx, &types.Message{ConversationID: "conv-1"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = h.p.Receive(ctx, &types.Message{SenderID: "alice"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestReceivePermanentErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ms.SaveHook = func(*types.Message) error {
		return store.Validationf("content rejected")
	}

	res, err := h.p.Receive(ctx, inbound())
	require.ErrorIs(t, err, store.ErrValidation)
	assert.False(t, res.Success)

	// Permanent failures never enter the recovery ladder, and the WAL
	// bracket is cleared.
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamRetry))
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamFallback))
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamWAL))
}

func TestReceiveTransientFailureParksAndSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ms.SaveHook = func(*types.Message) error { return errDown }

	res, err := h.p.Receive(ctx, inbound())
	require.NoError(t, err, "a parked message is a success for the caller")
	require.True(t, res.Success)
	assert.True(t, res.Metrics.RetryEnqueued)
	assert.True(t, res.Metrics.Fallback)
	require.NotNil(t, res.Message)
	assert.True(t, strings.HasPrefix(res.Message.ID, "fb_"), "caller gets the fallback handle")
	assert.Equal(t, types.StatusPendingFallback, res.Message.Status)

	// Retry scheduled, message parked, published from the fallback.
	assert.Equal(t, int64(1), streamLen(t, h.bus, streambus.StreamRetry))
	assert.Equal(t, int64(1), streamLen(t, h.bus, streambus.StreamFallback))
	entries, err := h.bus.ReadRevRange(ctx, streambus.StreamPrivate, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "redis_fallback", entries[0].Fields["source"])
	assert.Equal(t, "PENDING_FALLBACK", entries[0].Fields["status"])

	// The fallback owns the message; no WAL entry may linger to be
	// misread as a lost write.
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamWAL))
}

func TestRetryDrainRecoversAfterOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failures := 1
	h.ms.SaveHook = func(*types.Message) error {
		if failures > 0 {
			failures--
			return errDown
		}
		return nil
	}

	_, err := h.p.Receive(ctx, inbound())
	require.NoError(t, err)
	require.Equal(t, int64(1), streamLen(t, h.bus, streambus.StreamRetry))

	time.Sleep(5 * time.Millisecond) // past the 1ms base backoff
	saved, err := h.p.Retries().Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Equal(t, int64(0), streamLen(t, h.bus, streambus.StreamRetry))

	// Retry publish carries source=retry.
	entries, err := h.bus.ReadRevRange(ctx, streambus.StreamPrivate, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "retry", entries[0].Fields["source"])
}

func TestFallbackReplayRecoversAfterOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	down := true
	h.ms.SaveHook = func(*types.Message) error {
		if down {
			return errDown
		}
		return nil
	}

	_, err := h.p.Receive(ctx, inbound())
	require.NoError(t, err)

	down = false
	replayed, err := h.p.Fallback().ProcessReplay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	// Replay persisted the message with a real id and SENT status.
	msgs, err := h.ms.FindByConversation(ctx, "conv-1", store.Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.StatusSent, msgs[0].Status)

	entries, err := h.bus.ReadRevRange(ctx, streambus.StreamPrivate, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fallback_replay", entries[0].Fields["source"])
}

func TestReceiveBreakerOpensAndFallbackKeepsWorking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ms.SaveHook = func(*types.Message) error { return errDown }

	// Threshold is 5: the sixth receive sees an already-open breaker but
	// the caller contract does not change.
	for i := 0; i < 6; i++ {
		res, err := h.p.Receive(ctx, inbound())
		require.NoError(t, err, "receive %d", i)
		assert.True(t, res.Metrics.Fallback, "receive %d", i)
	}
	assert.Equal(t, breaker.StateOpen, h.p.Breaker().State())
	assert.Equal(t, int64(6), streamLen(t, h.bus, streambus.StreamFallback))
}

func TestReceiveSurfacesErrorWhenNothingCanHoldTheMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ms.SaveHook = func(*types.Message) error { return errDown }
	// Redis gone too: retry enqueue, park and DLQ all fail.
	h.mr.Close()

	res, err := h.p.Receive(ctx, inbound())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, err, errDown)
}

func TestReceiveDefaultsTypeAndTimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Receive(ctx, inbound())
	require.NoError(t, err)
	assert.Equal(t, types.MessageTypeText, res.Message.Type)
	assert.False(t, res.Message.CreatedAt.IsZero())
}
