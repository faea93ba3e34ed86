package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

func seed(t *testing.T, s *MemStore, conv string, n int) []*types.Message {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	msgs := make([]*types.Message, 0, n)
	for i := 0; i < n; i++ {
		saved, err := s.Save(context.Background(), &types.Message{
			ConversationID: conv,
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        fmt.Sprintf("msg-%d", i),
			Type:           types.MessageTypeText,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		msgs = append(msgs, saved)
	}
	return msgs
}

func TestSaveAssignsIDAndNormalizesStatus(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	saved, err := s.Save(ctx, &types.Message{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        "hi",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, types.StatusSent, saved.Status)
	assert.False(t, saved.CreatedAt.IsZero())

	// PENDING_FALLBACK normalizes to SENT on replay.
	saved2, err := s.Save(ctx, &types.Message{
		ID:             "fixed-id",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Status:         types.StatusPendingFallback,
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", saved2.ID, "existing id is preserved")
	assert.Equal(t, types.StatusSent, saved2.Status)

	// EDITED passes through untouched.
	saved3, err := s.Save(ctx, &types.Message{
		ID:             "fixed-id",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Status:         types.StatusEdited,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusEdited, saved3.Status)
}

func TestSaveValidation(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Save(ctx, &types.Message{SenderID: "alice"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.Save(ctx, &types.Message{ConversationID: "conv-1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSaveHookSimulatesOutage(t *testing.T) {
	s := NewMemStore()
	outage := errors.New("connection refused")
	s.SaveHook = func(*types.Message) error { return outage }

	_, err := s.Save(context.Background(), &types.Message{ConversationID: "c", SenderID: "a"})
	assert.ErrorIs(t, err, outage)
	assert.False(t, Permanent(err))
}

func TestFindByConversationPagination(t *testing.T) {
	s := NewMemStore()
	msgs := seed(t, s, "conv-1", 25)
	ctx := context.Background()

	// Page 1 is the newest 10.
	page1, err := s.FindByConversation(ctx, "conv-1", Query{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page1, 10)
	assert.Equal(t, msgs[24].ID, page1[0].ID)
	assert.Equal(t, msgs[15].ID, page1[9].ID)

	page3, err := s.FindByConversation(ctx, "conv-1", Query{Page: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page3, 5)

	beyond, err := s.FindByConversation(ctx, "conv-1", Query{Page: 4, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)

	// Cursor continues strictly after the cursor message.
	cur, err := s.FindByConversation(ctx, "conv-1", Query{Cursor: page1[9].ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, cur, 10)
	assert.Equal(t, msgs[14].ID, cur[0].ID)
}

func TestUnreadCounting(t *testing.T) {
	s := NewMemStore()
	seed(t, s, "conv-1", 3)
	ctx := context.Background()

	// bob is the receiver: all three unread for bob, none for alice.
	n, err := s.CountUnreadMessages(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.CountUnreadMessages(ctx, "conv-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	total, err := s.CountAllUnreadMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestUpdateMessageStatusAllUnread(t *testing.T) {
	s := NewMemStore()
	seed(t, s, "conv-1", 3)
	ctx := context.Background()

	upd, err := s.UpdateMessageStatus(ctx, "conv-1", "bob", types.StatusRead, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), upd.ModifiedCount)

	n, err := s.CountUnreadMessages(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Idempotent: nothing left to modify.
	upd, err = s.UpdateMessageStatus(ctx, "conv-1", "bob", types.StatusRead, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), upd.ModifiedCount)
}

func TestUpdateMessageStatusSubset(t *testing.T) {
	s := NewMemStore()
	msgs := seed(t, s, "conv-1", 3)
	ctx := context.Background()

	upd, err := s.UpdateMessageStatus(ctx, "conv-1", "bob", types.StatusRead, []string{msgs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), upd.ModifiedCount)

	n, err := s.CountUnreadMessages(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpdateSingleMessageStatus(t *testing.T) {
	s := NewMemStore()
	msgs := seed(t, s, "conv-1", 1)
	ctx := context.Background()

	upd, err := s.UpdateSingleMessageStatus(ctx, msgs[0].ID, "bob", types.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, int64(1), upd.ModifiedCount)
	require.NotNil(t, upd.Message)
	assert.Equal(t, types.StatusDelivered, upd.Message.Status)

	_, err = s.UpdateSingleMessageStatus(ctx, "missing", "bob", types.StatusDelivered)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByID(t *testing.T) {
	s := NewMemStore()
	msgs := seed(t, s, "conv-1", 2)
	ctx := context.Background()

	_, err := s.DeleteByID(ctx, msgs[0].ID)
	require.NoError(t, err)

	_, err = s.FindByID(ctx, msgs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)

	left, err := s.FindByConversation(ctx, "conv-1", Query{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, left, 1)

	_, err = s.DeleteByID(ctx, msgs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindConversation(t *testing.T) {
	s := NewMemStore()
	s.PutConversation(&types.ConversationRef{
		ID:           "conv-1",
		Participants: []types.Participant{{UserID: "alice"}, {UserID: "bob"}},
		IsPrivate:    true,
	})

	conv, err := s.FindConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, conv.IsPrivate)

	_, err = s.FindConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermanentClassification(t *testing.T) {
	assert.True(t, Permanent(ErrNotFound))
	assert.True(t, Permanent(Validationf("bad input")))
	assert.True(t, Permanent(fmt.Errorf("wrapped: %w", ErrUnauthorized)))
	assert.False(t, Permanent(errors.New("i/o timeout")))
	assert.False(t, Permanent(nil))
}
