// Package router chooses the typed stream for every outbound event.
// Routing runs off a tagged descriptor rather than inspecting raw
// payloads, so the table below is the whole policy.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// Kind tags the event class entering the router.
type Kind string

const (
	KindMessage      Kind = "message"
	KindTyping       Kind = "typing"
	KindRead         Kind = "read_receipt"
	KindNotification Kind = "notification"
	KindSystem       Kind = "system"
)

// Descriptor is the routing input: event class plus the two shape bits
// that split ordinary messages between the private and group streams.
type Descriptor struct {
	Kind            Kind
	HasReceiver     bool
	HasConversation bool
}

// Stream resolves the descriptor to a target stream. Checked in table
// order; first match wins. The default bus is a safety net for
// messages with neither receiver nor conversation.
func (d Descriptor) Stream() string {
	switch {
	case d.Kind == KindTyping:
		return streambus.StreamTyping
	case d.Kind == KindRead:
		return streambus.StreamRead
	case d.Kind == KindNotification:
		return streambus.StreamSystem
	case d.Kind == KindSystem:
		return streambus.StreamSystem
	case d.HasReceiver:
		return streambus.StreamPrivate
	case d.HasConversation:
		return streambus.StreamGroup
	default:
		return streambus.StreamDefault
	}
}

// Router publishes events onto the typed streams.
type Router struct {
	bus    *streambus.Bus
	logger zerolog.Logger
}

// New creates a Router.
func New(bus *streambus.Bus, logger zerolog.Logger) *Router {
	return &Router{
		bus:    bus,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// PublishMessage routes a chat message. When the message carries no
// receiver, the single non-sender participant (if unambiguous) is
// derived from conv; otherwise the message falls through to the group
// stream. source tags the publish origin (save, redis_fallback,
// fallback_replay, retry, sync).
func (r *Router) PublishMessage(ctx context.Context, msg *types.Message, conv *types.ConversationRef, source string) (string, error) {
	receiverID := msg.ReceiverID
	if receiverID == "" && conv != nil {
		receiverID = conv.OtherParticipant(msg.SenderID)
	}

	kind := KindMessage
	if msg.Type == types.MessageTypeSystem {
		kind = KindSystem
	}
	desc := Descriptor{
		Kind:            kind,
		HasReceiver:     receiverID != "",
		HasConversation: msg.ConversationID != "",
	}
	stream := desc.Stream()

	metadata := ""
	if len(msg.Metadata) > 0 {
		if data, err := json.Marshal(msg.Metadata); err == nil {
			metadata = string(data)
		}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	id, err := r.bus.Append(ctx, stream, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"receiver_id":     receiverID,
		"content":         msg.TruncatedContent(),
		"type":            string(msg.Type),
		"subtype":         msg.Subtype,
		"status":          string(msg.Status),
		"created_at":      createdAt,
		"metadata":        metadata,
		"source":          source,
		"ts":              time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", stream, err)
	}
	metrics.PublishTotal.WithLabelValues(stream, source).Inc()
	r.logger.Debug().
		Str("stream", stream).
		Str("message_id", msg.ID).
		Str("source", source).
		Msg("Message published")
	return id, nil
}

// PublishTyping publishes a typing start/stop indicator.
func (r *Router) PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) (string, error) {
	stream := Descriptor{Kind: KindTyping}.Stream()
	id, err := r.bus.Append(ctx, stream, map[string]any{
		"event":           "typing",
		"conversation_id": conversationID,
		"user_id":         userID,
		"is_typing":       isTyping,
		"ts":              time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("publish typing: %w", err)
	}
	metrics.PublishTotal.WithLabelValues(stream, "typing").Inc()
	return id, nil
}

// PublishReadReceipt publishes a read (or delivery) receipt. A zero
// readAt defaults to now.
func (r *Router) PublishReadReceipt(ctx context.Context, messageID, conversationID, userID string, readAt time.Time) (string, error) {
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	stream := Descriptor{Kind: KindRead}.Stream()
	id, err := r.bus.Append(ctx, stream, map[string]any{
		"event":           "read_receipt",
		"message_id":      messageID,
		"conversation_id": conversationID,
		"user_id":         userID,
		"read_at":         readAt,
		"ts":              time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("publish read receipt: %w", err)
	}
	metrics.PublishTotal.WithLabelValues(stream, "read").Inc()
	return id, nil
}

// PublishNotification publishes a notification envelope for a user.
func (r *Router) PublishNotification(ctx context.Context, userID, title, body, notifType string) (string, error) {
	stream := Descriptor{Kind: KindNotification}.Stream()
	id, err := r.bus.Append(ctx, stream, map[string]any{
		"event":   "notification",
		"user_id": userID,
		"title":   title,
		"body":    body,
		"type":    notifType,
		"ts":      time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	metrics.PublishTotal.WithLabelValues(stream, "notification").Inc()
	return id, nil
}

// PublishSystem publishes arbitrary system event fields. streamOverride
// may redirect the event off the system stream (empty = system stream).
func (r *Router) PublishSystem(ctx context.Context, fields map[string]any, streamOverride string) (string, error) {
	stream := streamOverride
	if stream == "" {
		stream = Descriptor{Kind: KindSystem}.Stream()
	}
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if _, ok := merged["ts"]; !ok {
		merged["ts"] = time.Now().UnixMilli()
	}
	id, err := r.bus.Append(ctx, stream, merged)
	if err != nil {
		return "", fmt.Errorf("publish system event: %w", err)
	}
	metrics.PublishTotal.WithLabelValues(stream, "system").Inc()
	return id, nil
}
