package msgcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

func newTestView(t *testing.T) (*View, *store.MemStore, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ms := store.NewMemStore()
	return New(rdb, ms, zerolog.Nop()), ms, mr, rdb
}

func seed(t *testing.T, ms *store.MemStore, conv string, n int) []*types.Message {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	out := make([]*types.Message, 0, n)
	for i := 0; i < n; i++ {
		saved, err := ms.Save(context.Background(), &types.Message{
			ConversationID: conv,
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        fmt.Sprintf("msg-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		out = append(out, saved)
	}
	return out
}

func TestHistoryMissThenHit(t *testing.T) {
	v, ms, mr, _ := newTestView(t)
	msgs := seed(t, ms, "conv-1", 5)
	ctx := context.Background()

	got, err := v.History(ctx, "conv-1", store.Query{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, msgs[4].ID, got[0].ID, "newest first")

	// Key exists with the default-tier TTL.
	key := "msgs:conv-1:page:1:10"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, TTLDefault, mr.TTL(key))

	// Hit path: store can be emptied, cache still serves.
	for _, m := range msgs {
		_, err := ms.DeleteByID(ctx, m.ID)
		require.NoError(t, err)
	}
	got, err = v.History(ctx, "conv-1", store.Query{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestHistoryTiers(t *testing.T) {
	v, ms, mr, _ := newTestView(t)
	seed(t, ms, "conv-1", 30)
	ctx := context.Background()

	_, err := v.History(ctx, "conv-1", store.Query{Page: 2, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, TTLShort, mr.TTL("msgs:conv-1:page:2:10"))

	page1, err := v.History(ctx, "conv-1", store.Query{Page: 1, Limit: 10})
	require.NoError(t, err)
	_, err = v.History(ctx, "conv-1", store.Query{Cursor: page1[9].ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, TTLShort, mr.TTL(fmt.Sprintf("msgs:conv-1:cursor:%s:10", page1[9].ID)))
}

func TestHistoryCorruptEntryFallsBack(t *testing.T) {
	v, ms, mr, _ := newTestView(t)
	seed(t, ms, "conv-1", 3)
	ctx := context.Background()

	key := "msgs:conv-1:page:1:10"
	require.NoError(t, mr.Set(key, "{corrupt"))

	got, err := v.History(ctx, "conv-1", store.Query{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// The corrupt entry was replaced by a good one.
	cached, err := mr.Get(key)
	require.NoError(t, err)
	assert.NotEqual(t, "{corrupt", cached)
}

func TestLastMessages(t *testing.T) {
	v, ms, mr, _ := newTestView(t)
	seed(t, ms, "conv-1", 25)
	ctx := context.Background()

	got, err := v.LastMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Len(t, got, PreloadCount)

	assert.True(t, mr.Exists("msgs:quick:conv-1:20"))
	assert.True(t, mr.Exists("last_messages:conv-1"))
	assert.Equal(t, TTLQuick, mr.TTL("msgs:quick:conv-1:20"))
}

func TestOnSaveInvalidatesAndPreloads(t *testing.T) {
	v, ms, mr, _ := newTestView(t)
	seed(t, ms, "conv-1", 3)
	ctx := context.Background()

	// Warm a page, then save a new message through the hook.
	_, err := v.History(ctx, "conv-1", store.Query{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.True(t, mr.Exists("msgs:conv-1:page:1:10"))

	saved, err := ms.Save(ctx, &types.Message{
		ConversationID: "conv-1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "newest",
	})
	require.NoError(t, err)
	v.OnSave(ctx, saved, nil)

	assert.False(t, mr.Exists("msgs:conv-1:page:1:10"), "stale page evicted")
	assert.True(t, mr.Exists("last_messages:conv-1"), "preload is warm")

	n, err := v.Unread(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "explicit receiver got an unread bump")
}

func TestOnSaveCountsConversationRecipients(t *testing.T) {
	v, ms, _, _ := newTestView(t)
	ctx := context.Background()

	conv := &types.ConversationRef{
		ID: "conv-1",
		Participants: []types.Participant{
			{UserID: "alice"}, {UserID: "bob"}, {UserID: "carol"},
		},
	}
	saved, err := ms.Save(ctx, &types.Message{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        "hi all",
	})
	require.NoError(t, err)
	v.OnSave(ctx, saved, conv)

	for _, u := range []string{"bob", "carol"} {
		n, err := v.Unread(ctx, "conv-1", u)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "recipient %s", u)
	}
	n, err := v.Unread(ctx, "conv-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "sender never counts")
}

func TestUnreadMissRecomputesAndWritesBackNonZero(t *testing.T) {
	v, ms, mr, _ := newTestView(t)
	seed(t, ms, "conv-1", 4) // 4 unread for bob
	ctx := context.Background()

	n, err := v.Unread(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.True(t, mr.Exists("unread:user:bob:conv-1"))
	assert.Equal(t, TTLUnread, mr.TTL("unread:user:bob:conv-1"))

	// Zero counts are not written back.
	n, err = v.Unread(ctx, "conv-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.False(t, mr.Exists("unread:user:alice:conv-1"))
}

func TestResetUnread(t *testing.T) {
	v, _, mr, _ := newTestView(t)
	ctx := context.Background()

	require.NoError(t, v.IncrementUnread(ctx, "conv-1", "bob"))
	require.NoError(t, v.IncrementUnread(ctx, "conv-1", "bob"))

	got, err := mr.Get("unread:user:bob:conv-1")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	require.NoError(t, v.ResetUnread(ctx, "conv-1", "bob"))
	assert.False(t, mr.Exists("unread:user:bob:conv-1"))
	assert.False(t, mr.Exists("unread:conv:conv-1:bob"))
}

func TestUnreadTotal(t *testing.T) {
	v, ms, _, _ := newTestView(t)
	seed(t, ms, "conv-1", 2)
	seed(t, ms, "conv-2", 3)

	n, err := v.UnreadTotal(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
