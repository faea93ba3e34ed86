package streambus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zerolog.Nop(), nil), mr
}

func TestAppendAndReadRange(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	id1, err := bus.Append(ctx, StreamDefault, map[string]any{"seq": 1, "body": "first"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := bus.Append(ctx, StreamDefault, map[string]any{"seq": 2, "body": "second"})
	require.NoError(t, err)

	entries, err := bus.ReadRange(ctx, StreamDefault, "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, "first", entries[0].Fields["body"])
	assert.Equal(t, int64(1), entries[0].Int64("seq"))

	rev, err := bus.ReadRevRange(ctx, StreamDefault, 1)
	require.NoError(t, err)
	require.Len(t, rev, 1)
	assert.Equal(t, id2, rev[0].ID)
}

func TestAppendCoercesFieldValues(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := bus.Append(ctx, StreamDefault, map[string]any{
		"nil":   nil,
		"bool":  true,
		"int":   42,
		"time":  ts,
		"obj":   map[string]string{"a": "b"},
		"bytes": []byte("raw"),
	})
	require.NoError(t, err)

	entries, err := bus.ReadRange(ctx, StreamDefault, "-", "+", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	f := entries[0].Fields
	assert.Equal(t, "", f["nil"])
	assert.Equal(t, "true", f["bool"])
	assert.Equal(t, "42", f["int"])
	assert.Equal(t, ts.Format(time.RFC3339Nano), f["time"])
	assert.JSONEq(t, `{"a":"b"}`, f["obj"])
	assert.Equal(t, "raw", f["bytes"])
}

func TestMaxLenOverride(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := New(rdb, zerolog.Nop(), map[string]int64{StreamDefault: 123})

	assert.Equal(t, int64(123), bus.MaxLen(StreamDefault))
	assert.Equal(t, DefaultMaxLen[StreamDLQ], bus.MaxLen(StreamDLQ))
	assert.Equal(t, fallbackMaxLen, bus.MaxLen("stream:unknown"))
}

func TestReadGroupAckDelete(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.CreateGroup(ctx, StreamRetry, GroupRetry, "0"))
	// Recreating is not an error.
	require.NoError(t, bus.CreateGroup(ctx, StreamRetry, GroupRetry, "0"))

	id, err := bus.Append(ctx, StreamRetry, map[string]any{"message": "{}"})
	require.NoError(t, err)

	entries, err := bus.ReadGroup(ctx, StreamRetry, GroupRetry, "c1", 10, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	// Nothing new for the group after delivery.
	entries, err = bus.ReadGroup(ctx, StreamRetry, GroupRetry, "c1", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, bus.Ack(ctx, StreamRetry, GroupRetry, id))
	require.NoError(t, bus.Delete(ctx, StreamRetry, id))

	n, err := bus.Length(ctx, StreamRetry)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReadGroupZeroBlockDoesNotHang(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.CreateGroup(ctx, StreamRetry, GroupRetry, "0"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		entries, err := bus.ReadGroup(ctx, StreamRetry, GroupRetry, "c1", 10, 0)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReadGroup with block=0 blocked")
	}
}

func TestAutoClaimRecoversPending(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.CreateGroup(ctx, StreamRetry, GroupRetry, "0"))

	id, err := bus.Append(ctx, StreamRetry, map[string]any{"message": "{}"})
	require.NoError(t, err)

	// Crashed consumer read but never acked.
	_, err = bus.ReadGroup(ctx, StreamRetry, GroupRetry, "dead", 10, -1)
	require.NoError(t, err)

	// Inside the idle window the delivery still belongs to its consumer.
	claimed, err := bus.AutoClaim(ctx, StreamRetry, GroupRetry, "alive", 50*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	time.Sleep(60 * time.Millisecond)

	claimed, err = bus.AutoClaim(ctx, StreamRetry, GroupRetry, "alive", 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}

func TestEnsureGroupsIdempotent(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.EnsureGroups(ctx))
	require.NoError(t, bus.EnsureGroups(ctx))
}

func TestWrapClassifiesConnectionErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(rdb, zerolog.Nop(), nil)
	rdb.Close()

	_, err := bus.Append(context.Background(), StreamDefault, map[string]any{"a": "b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "closed client should map to ErrUnavailable, got %v", err)
}
