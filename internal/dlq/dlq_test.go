package dlq

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(streambus.New(rdb, zerolog.Nop(), nil), zerolog.Nop())
}

func TestAddAndRecent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "m1", errors.New("store down"), 5, OpRetries, true, "wal-1")
	require.NoError(t, err)
	_, err = q.Add(ctx, "m2", errors.New("expired in fallback"), 1, OpFallback, false, "")
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	recent, err := q.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// Newest first.
	assert.Equal(t, "m2", recent[0].MessageID)
	assert.Equal(t, OpFallback, recent[0].Operation)
	assert.False(t, recent[0].Poison)

	assert.Equal(t, "m1", recent[1].MessageID)
	assert.Equal(t, "store down", recent[1].Error)
	assert.Equal(t, 5, recent[1].Attempts)
	assert.Equal(t, OpRetries, recent[1].Operation)
	assert.True(t, recent[1].Poison)
	assert.Equal(t, "wal-1", recent[1].WALID)
	assert.False(t, recent[1].Timestamp.IsZero())
}

func TestAddTruncatesLongErrors(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "m1", errors.New(strings.Repeat("e", 2000)), 1, OpSave, true, "")
	require.NoError(t, err)

	recent, err := q.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Len(t, recent[0].Error, maxErrorBytes)
}

func TestAddNilCause(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Add(context.Background(), "m1", nil, 0, OpWALRecovery, true, "wal-9")
	require.NoError(t, err)

	recent, err := q.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "", recent[0].Error)
}
