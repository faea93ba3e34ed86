package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// MemStore is an in-memory MessageStore + ConversationStore. It backs
// standalone mode (no document store configured) and the test suites.
//
// SaveHook, when set, runs before each Save and may return an error to
// simulate primary-store outages.
type MemStore struct {
	mu            sync.RWMutex
	messages      map[string]*types.Message
	byConv        map[string][]string // conversationID -> ordered message ids
	conversations map[string]*types.ConversationRef

	SaveHook func(msg *types.Message) error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		messages:      make(map[string]*types.Message),
		byConv:        make(map[string][]string),
		conversations: make(map[string]*types.ConversationRef),
	}
}

// PutConversation registers a conversation for FindConversation.
func (s *MemStore) PutConversation(conv *types.ConversationRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
}

func (s *MemStore) FindConversation(_ context.Context, id string) (*types.ConversationRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv, nil
}

func (s *MemStore) Save(_ context.Context, msg *types.Message) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveHook != nil {
		if err := s.SaveHook(msg); err != nil {
			return nil, err
		}
	}
	if msg.ConversationID == "" {
		return nil, Validationf("conversationId is required")
	}
	if msg.SenderID == "" {
		return nil, Validationf("senderId is required")
	}

	saved := msg.Clone()
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}
	switch saved.Status {
	case "", types.StatusPending, types.StatusPendingFallback:
		saved.Status = types.StatusSent
	}

	if _, exists := s.messages[saved.ID]; !exists {
		s.byConv[saved.ConversationID] = append(s.byConv[saved.ConversationID], saved.ID)
	}
	s.messages[saved.ID] = saved
	return saved.Clone(), nil
}

func (s *MemStore) FindByID(_ context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg.Clone(), nil
}

// FindByConversation returns messages newest-first. Cursor pagination
// returns messages strictly older than the cursor message.
func (s *MemStore) FindByConversation(_ context.Context, conversationID string, q Query) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	msgs := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, s.messages[id])
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	start := 0
	if q.Cursor != "" {
		for i, m := range msgs {
			if m.ID == q.Cursor {
				start = i + 1
				break
			}
		}
	} else if q.Page > 1 {
		start = (q.Page - 1) * limit
	}
	if start >= len(msgs) {
		return nil, nil
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}

	out := make([]*types.Message, 0, end-start)
	for _, m := range msgs[start:end] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// unreadFor reports whether msg counts as unread for userID.
func unreadFor(msg *types.Message, userID string) bool {
	if msg.SenderID == userID {
		return false
	}
	if msg.ReceiverID != "" && msg.ReceiverID != userID {
		return false
	}
	switch msg.Status {
	case types.StatusRead, types.StatusDeleted:
		return false
	}
	return true
}

func (s *MemStore) UpdateMessageStatus(_ context.Context, conversationID, userID string, status types.MessageStatus, messageIDs []string) (StatusUpdate, error) {
	if userID == "" {
		return StatusUpdate{}, Validationf("userId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	var modified int64
	for _, id := range s.byConv[conversationID] {
		msg := s.messages[id]
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		if !unreadFor(msg, userID) {
			continue
		}
		msg.Status = status
		modified++
	}
	return StatusUpdate{ModifiedCount: modified}, nil
}

func (s *MemStore) UpdateSingleMessageStatus(_ context.Context, messageID, userID string, status types.MessageStatus) (StatusUpdate, error) {
	if userID == "" {
		return StatusUpdate{}, Validationf("userId is required")
	}
	if messageID == "" {
		return StatusUpdate{}, Validationf("messageId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return StatusUpdate{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	msg.Status = status
	return StatusUpdate{ModifiedCount: 1, Message: msg.Clone()}, nil
}

func (s *MemStore) CountUnreadMessages(_ context.Context, conversationID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.byConv[conversationID] {
		if unreadFor(s.messages[id], userID) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) CountAllUnreadMessages(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, msg := range s.messages {
		if unreadFor(msg, userID) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) DeleteByID(_ context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	delete(s.messages, id)
	ids := s.byConv[msg.ConversationID]
	for i, mid := range ids {
		if mid == id {
			s.byConv[msg.ConversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return msg, nil
}
