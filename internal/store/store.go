// Package store defines the primary-store contract the messaging core
// writes through. The real document store lives in another service;
// the core only depends on these interfaces. An in-memory
// implementation (memstore.go) backs standalone mode and tests.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// Sentinel error kinds. Validation, authorization and not-found errors
// are surfaced to the caller and never enqueued for retry.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("not authorized")
)

// Permanent reports whether an error must not be retried. Everything
// else (timeouts, connection failures) is treated as transient.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized)
}

// Validationf builds a caller-visible validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Query selects a page of conversation history. Exactly one of Page
// (1-based) or Cursor (exclusive message id) is used; Cursor wins when
// both are set.
type Query struct {
	Page   int
	Cursor string
	Limit  int
	UserID string
}

// StatusUpdate is the result of a bulk status change.
type StatusUpdate struct {
	ModifiedCount int64
	Message       *types.Message // set by single-message updates
}

// MessageStore is the durable home of messages.
//
// Save must assign an id when the message carries none and preserve it
// when present (fallback replay depends on this).
type MessageStore interface {
	Save(ctx context.Context, msg *types.Message) (*types.Message, error)
	FindByID(ctx context.Context, id string) (*types.Message, error)
	FindByConversation(ctx context.Context, conversationID string, q Query) ([]*types.Message, error)
	// UpdateMessageStatus updates status for the given message ids in a
	// conversation, scoped to messages addressed to userID. A nil or
	// empty messageIDs slice means "all unread in the conversation".
	UpdateMessageStatus(ctx context.Context, conversationID, userID string, status types.MessageStatus, messageIDs []string) (StatusUpdate, error)
	UpdateSingleMessageStatus(ctx context.Context, messageID, userID string, status types.MessageStatus) (StatusUpdate, error)
	CountUnreadMessages(ctx context.Context, conversationID, userID string) (int64, error)
	CountAllUnreadMessages(ctx context.Context, userID string) (int64, error)
	DeleteByID(ctx context.Context, id string) (*types.Message, error)
}

// ConversationStore resolves conversation membership for routing.
type ConversationStore interface {
	FindConversation(ctx context.Context, id string) (*types.ConversationRef, error)
}
