// Package streambus wraps Redis Streams behind the small surface the
// messaging core needs: append with a per-stream MAXLEN cap, range and
// consumer-group reads, delete, trim and length.
//
// All field values cross the boundary as strings; ToStringField is the
// single coercion contract (nil -> "", objects -> JSON, scalars ->
// stringification). Callers never hand raw structs to Redis.
package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stream names owned by the messaging core.
const (
	StreamWAL      = "wal:stream"
	StreamRetry    = "retry:stream"
	StreamFallback = "fallback:stream"
	StreamDLQ      = "dlq:stream"
	StreamDefault  = "messages:stream"
	StreamPrivate  = "stream:messages:private"
	StreamGroup    = "stream:messages:group"
	StreamTyping   = "stream:events:typing"
	StreamRead     = "stream:events:read"
	StreamSystem   = "stream:messages:system"
)

// Consumer groups per stream. WAL and the default bus are range-scanned
// and carry no group.
const (
	GroupRetry         = "retry-workers"
	GroupFallback      = "fallback-workers"
	GroupDLQ           = "dlq-processors"
	GroupPrivate       = "delivery-private"
	GroupGroup         = "delivery-group"
	GroupTyping        = "delivery-typing"
	GroupRead          = "delivery-read"
	GroupNotifications = "delivery-notifications"
)

// DefaultMaxLen is the per-stream approximate length cap enforced on
// every append.
var DefaultMaxLen = map[string]int64{
	StreamWAL:      10000,
	StreamRetry:    5000,
	StreamFallback: 5000,
	StreamDLQ:      1000,
	StreamDefault:  5000,
	StreamPrivate:  10000,
	StreamGroup:    20000,
	StreamTyping:   2000,
	StreamRead:     5000,
	StreamSystem:   2000,
}

// fallbackMaxLen caps streams that have no entry in the table.
const fallbackMaxLen int64 = 5000

// ErrUnavailable indicates the stream backend could not be reached.
// Callers may retry; the pipeline treats it as transient.
var ErrUnavailable = errors.New("stream backend unavailable")

// Entry is one stream record: the backend-assigned monotone id plus
// the string field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Int64 reads a field as int64, returning 0 when absent or malformed.
func (e Entry) Int64(field string) int64 {
	v, err := strconv.ParseInt(e.Fields[field], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Bus is the Redis Streams accessor shared by all core components.
type Bus struct {
	rdb     redis.UniversalClient
	logger  zerolog.Logger
	maxLens map[string]int64
}

// New creates a Bus over an existing Redis client. maxLenOverrides, if
// non-nil, replaces caps from DefaultMaxLen per stream.
func New(rdb redis.UniversalClient, logger zerolog.Logger, maxLenOverrides map[string]int64) *Bus {
	lens := make(map[string]int64, len(DefaultMaxLen))
	for k, v := range DefaultMaxLen {
		lens[k] = v
	}
	for k, v := range maxLenOverrides {
		if v > 0 {
			lens[k] = v
		}
	}
	return &Bus{
		rdb:     rdb,
		logger:  logger.With().Str("component", "streambus").Logger(),
		maxLens: lens,
	}
}

// Client exposes the underlying Redis client for components that also
// need plain key operations (hashes, sets, TTLs).
func (b *Bus) Client() redis.UniversalClient {
	return b.rdb
}

// MaxLen returns the configured cap for a stream.
func (b *Bus) MaxLen(stream string) int64 {
	if v, ok := b.maxLens[stream]; ok {
		return v
	}
	return fallbackMaxLen
}

// Streams returns every stream with a configured cap, for monitoring.
func (b *Bus) Streams() map[string]int64 {
	out := make(map[string]int64, len(b.maxLens))
	for k, v := range b.maxLens {
		out[k] = v
	}
	return out
}

// Append adds an entry to a stream, coercing every value to string and
// enforcing the stream's MAXLEN with approximate ("~") semantics so the
// trim stays cheap. Returns the assigned entry id.
func (b *Bus) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = ToStringField(v)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.MaxLen(stream),
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", b.wrap("xadd", stream, err)
	}
	return id, nil
}

// ReadRange returns up to limit entries between from and to (inclusive,
// "-"/"+" accepted). limit <= 0 means no count bound.
func (b *Bus) ReadRange(ctx context.Context, stream, from, to string, limit int64) ([]Entry, error) {
	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = b.rdb.XRangeN(ctx, stream, from, to, limit).Result()
	} else {
		msgs, err = b.rdb.XRange(ctx, stream, from, to).Result()
	}
	if err != nil {
		return nil, b.wrap("xrange", stream, err)
	}
	return toEntries(msgs), nil
}

// ReadRevRange returns up to limit entries newest-first.
func (b *Bus) ReadRevRange(ctx context.Context, stream string, limit int64) ([]Entry, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", limit).Result()
	if err != nil {
		return nil, b.wrap("xrevrange", stream, err)
	}
	return toEntries(msgs), nil
}

// ReadGroup reads new entries for a consumer group. block < 0 means
// non-blocking; block == 0 is rejected to keep the "never block longer
// than requested" contract.
func (b *Bus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if block == 0 {
		block = -1
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // nothing pending
		}
		return nil, b.wrap("xreadgroup", stream, err)
	}
	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

// AutoClaim transfers up to count entries pending longer than minIdle
// to the given consumer. Used to recover deliveries owned by a crashed
// consumer.
func (b *Bus) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, b.wrap("xautoclaim", stream, err)
	}
	return toEntries(msgs), nil
}

// Ack acknowledges group-delivered entries.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return b.wrap("xack", stream, err)
	}
	return nil
}

// Delete removes entries from a stream. Consumers use delete-on-success
// as their acknowledgement of terminal handling.
func (b *Bus) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XDel(ctx, stream, ids...).Err(); err != nil {
		return b.wrap("xdel", stream, err)
	}
	return nil
}

// Trim caps a stream at maxLen with approximate semantics. Errors are
// returned for the caller to log and swallow.
func (b *Bus) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := b.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return b.wrap("xtrim", stream, err)
	}
	return nil
}

// Length returns the current number of entries in a stream.
func (b *Bus) Length(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, b.wrap("xlen", stream, err)
	}
	return n, nil
}

// CreateGroup creates a consumer group at startID ("0" or "$"),
// creating the stream if needed. Recreating an existing group is
// treated as success.
func (b *Bus) CreateGroup(ctx context.Context, stream, group, startID string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	if err != nil {
		return b.wrap("xgroup-create", stream, err)
	}
	return nil
}

// EnsureGroups creates every consumer group from the stream inventory.
// Called once at startup; idempotent.
func (b *Bus) EnsureGroups(ctx context.Context) error {
	groups := map[string]string{
		StreamRetry:    GroupRetry,
		StreamFallback: GroupFallback,
		StreamDLQ:      GroupDLQ,
		StreamPrivate:  GroupPrivate,
		StreamGroup:    GroupGroup,
		StreamTyping:   GroupTyping,
		StreamRead:     GroupRead,
		StreamSystem:   GroupNotifications,
	}
	for stream, group := range groups {
		if err := b.CreateGroup(ctx, stream, group, "0"); err != nil {
			return fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
	}
	return nil
}

// wrap classifies backend errors. Connection-level failures map to
// ErrUnavailable so callers can distinguish "backend down" from logic
// errors like WRONGTYPE.
func (b *Bus) wrap(op, stream string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%s %s: %w: %v", op, stream, ErrUnavailable, err)
	}
	return fmt.Errorf("%s %s: %w", op, stream, err)
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = ToStringField(v)
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries
}

// ToStringField coerces any value to the string form stored on a
// stream: nil -> "", strings pass through, times use RFC3339Nano,
// maps/slices/structs are JSON-encoded, everything else is formatted
// with strconv/fmt.
func ToStringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
