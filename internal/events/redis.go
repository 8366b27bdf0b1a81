package events

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStreamer is the subset of the go-redis client the stream transport uses.
type RedisStreamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamTransport appends envelopes to a Redis stream.
type RedisStreamTransport struct {
	client RedisStreamer
	stream string
	maxLen int64
}

// NewRedisStreamTransport constructs a RedisStreamTransport. A positive maxLen trims the
// stream approximately to that length.
func NewRedisStreamTransport(client RedisStreamer, stream string, maxLen int64) (*RedisStreamTransport, error) {
	if client == nil {
		return nil, errors.New("events: redis client is required")
	}
	if stream == "" {
		return nil, errors.New("events: redis stream is required")
	}
	return &RedisStreamTransport{client: client, stream: stream, maxLen: maxLen}, nil
}

// Send appends one stream entry.
func (t *RedisStreamTransport) Send(ctx context.Context, envelope Envelope, body []byte) error {
	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]interface{}{
			"event_id":       envelope.EventID,
			"event_type":     envelope.Type,
			"tenant_id":      envelope.TenantID,
			"correlation_id": envelope.CorrelationID,
			"key":            partitionKey(envelope),
			"body":           string(body),
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Err()
}
