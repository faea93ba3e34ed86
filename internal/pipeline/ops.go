package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// Event publishers: thin, validated passthroughs to the router.

// PublishTyping emits a typing start/stop indicator.
func (p *Pipeline) PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) (string, error) {
	if conversationID == "" || userID == "" {
		return "", store.Validationf("conversationId and userId are required")
	}
	return p.routes.PublishTyping(ctx, conversationID, userID, isTyping)
}

// PublishReadReceipt emits a read receipt.
func (p *Pipeline) PublishReadReceipt(ctx context.Context, messageID, conversationID, userID string, readAt time.Time) (string, error) {
	if userID == "" {
		return "", store.Validationf("userId is required")
	}
	return p.routes.PublishReadReceipt(ctx, messageID, conversationID, userID, readAt)
}

// PublishNotification emits a notification envelope.
func (p *Pipeline) PublishNotification(ctx context.Context, userID, title, body, notifType string) (string, error) {
	if userID == "" {
		return "", store.Validationf("userId is required")
	}
	return p.routes.PublishNotification(ctx, userID, title, body, notifType)
}

// PublishSystem emits an arbitrary system event, optionally redirected
// to another stream.
func (p *Pipeline) PublishSystem(ctx context.Context, fields map[string]any, stream string) (string, error) {
	return p.routes.PublishSystem(ctx, fields, stream)
}

// MarkConversationRead marks messages READ for userID. A nil or empty
// messageIDs means all unread in the conversation. Resets the unread
// counters and publishes read receipts for the batch.
func (p *Pipeline) MarkConversationRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int64, error) {
	if userID == "" {
		return 0, store.Validationf("userId is required")
	}
	if conversationID == "" {
		return 0, store.Validationf("conversationId is required")
	}

	upd, err := p.msgs.UpdateMessageStatus(ctx, conversationID, userID, types.StatusRead, messageIDs)
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", conversationID, err)
	}

	if p.cache != nil {
		if err := p.cache.ResetUnread(ctx, conversationID, userID); err != nil {
			p.logger.Warn().Err(err).Str("user_id", userID).Msg("Unread reset failed")
		}
		p.cache.Invalidate(ctx, conversationID)
	}

	if upd.ModifiedCount > 0 {
		if len(messageIDs) == 0 {
			// One receipt covers the whole conversation.
			if _, err := p.routes.PublishReadReceipt(ctx, "", conversationID, userID, time.Now().UTC()); err != nil {
				p.logger.Warn().Err(err).Msg("Read receipt publish failed (best-effort)")
			}
		} else {
			for _, id := range messageIDs {
				if _, err := p.routes.PublishReadReceipt(ctx, id, conversationID, userID, time.Now().UTC()); err != nil {
					p.logger.Warn().Err(err).Str("message_id", id).Msg("Read receipt publish failed (best-effort)")
				}
			}
		}
	}
	return upd.ModifiedCount, nil
}

// MarkDelivered marks a single message DELIVERED for userID and emits
// a delivery receipt on the read-receipt stream.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID, userID string) (*types.Message, error) {
	if userID == "" {
		return nil, store.Validationf("userId is required")
	}
	if messageID == "" {
		return nil, store.Validationf("messageId is required")
	}

	upd, err := p.msgs.UpdateSingleMessageStatus(ctx, messageID, userID, types.StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("mark delivered %s: %w", messageID, err)
	}

	conversationID := ""
	if upd.Message != nil {
		conversationID = upd.Message.ConversationID
	}
	if _, err := p.routes.PublishSystem(ctx, map[string]any{
		"event":           "delivery_receipt",
		"message_id":      messageID,
		"conversation_id": conversationID,
		"user_id":         userID,
	}, streambus.StreamRead); err != nil {
		p.logger.Warn().Err(err).Str("message_id", messageID).Msg("Delivery receipt publish failed (best-effort)")
	}
	return upd.Message, nil
}

// EditMessage replaces a message's content. Only the author may edit;
// the first edit preserves the original content. DELIVERED-and-later
// messages stay immutable except for this sanctioned path.
func (p *Pipeline) EditMessage(ctx context.Context, messageID, userID, content string) (*types.Message, error) {
	if messageID == "" {
		return nil, store.Validationf("messageId is required")
	}
	if userID == "" {
		return nil, store.Validationf("userId is required")
	}
	if content == "" {
		return nil, store.Validationf("content is required")
	}

	msg, err := p.msgs.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, fmt.Errorf("edit of %s by %s: %w", messageID, userID, store.ErrUnauthorized)
	}
	if msg.Status == types.StatusDeleted {
		return nil, fmt.Errorf("message %s is deleted: %w", messageID, store.ErrValidation)
	}

	if msg.OriginalContent == "" {
		msg.OriginalContent = msg.Content
	}
	msg.Content = content
	msg.Status = types.StatusEdited
	now := time.Now().UTC()
	msg.EditedAt = &now

	saved, err := p.msgs.Save(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("edit save %s: %w", messageID, err)
	}

	if p.cache != nil {
		p.cache.Invalidate(ctx, saved.ConversationID)
	}
	if _, err := p.routes.PublishSystem(ctx, map[string]any{
		"event":           "message_edited",
		"message_id":      saved.ID,
		"conversation_id": saved.ConversationID,
		"user_id":         userID,
	}, ""); err != nil {
		p.logger.Warn().Err(err).Str("message_id", saved.ID).Msg("Edit notice publish failed (best-effort)")
	}
	return saved, nil
}

// DeleteMessage soft-deletes a message: author-only, content blanked,
// status DELETED. The document survives for audit; readers filter it.
func (p *Pipeline) DeleteMessage(ctx context.Context, messageID, userID string) error {
	if messageID == "" {
		return store.Validationf("messageId is required")
	}
	if userID == "" {
		return store.Validationf("userId is required")
	}

	msg, err := p.msgs.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return fmt.Errorf("delete of %s by %s: %w", messageID, userID, store.ErrUnauthorized)
	}

	msg.Content = ""
	msg.Status = types.StatusDeleted
	if _, err := p.msgs.Save(ctx, msg); err != nil {
		return fmt.Errorf("delete save %s: %w", messageID, err)
	}

	if p.cache != nil {
		p.cache.Invalidate(ctx, msg.ConversationID)
	}
	if _, err := p.routes.PublishSystem(ctx, map[string]any{
		"event":           "message_deleted",
		"message_id":      messageID,
		"conversation_id": msg.ConversationID,
		"user_id":         userID,
	}, ""); err != nil {
		p.logger.Warn().Err(err).Str("message_id", messageID).Msg("Delete notice publish failed (best-effort)")
	}
	return nil
}

// SyncConversation republishes up to limit stored messages of a
// conversation onto their streams with source "sync". Consumers see
// duplicates by design; this is an operator catch-up tool, never run
// automatically.
func (p *Pipeline) SyncConversation(ctx context.Context, conversationID string, limit int) (int, error) {
	if conversationID == "" {
		return 0, store.Validationf("conversationId is required")
	}
	if limit <= 0 {
		limit = 100
	}

	msgs, err := p.msgs.FindByConversation(ctx, conversationID, store.Query{Page: 1, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("sync %s: %w", conversationID, err)
	}
	conv := p.resolveConversation(ctx, conversationID)

	published := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if _, err := p.routes.PublishMessage(ctx, msg, conv, "sync"); err != nil {
			p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Sync publish failed")
			continue
		}
		published++
	}
	p.logger.Info().Str("conversation_id", conversationID).Int("published", published).Msg("Conversation re-synced to streams")
	return published, nil
}
