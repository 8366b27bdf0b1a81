package events

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Supported transport drivers.
const (
	DriverLog    = "log"
	DriverMemory = "memory"
	DriverKafka  = "kafka"
	DriverRedis  = "redis"
	DriverSNS    = "sns"
)

// Config selects and configures the event transport.
type Config struct {
	Driver       string
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddress string
	RedisStream  string
	RedisMaxLen  int64
	SNSTopicARN  string
	SNSRegion    string
}

// LogTransport writes envelopes to the logger only.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport constructs a LogTransport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

// Send logs the envelope at info level.
func (t *LogTransport) Send(_ context.Context, envelope Envelope, body []byte) error {
	t.logger.Info("event emitted",
		zap.String("event_type", envelope.Type),
		zap.String("event_id", envelope.EventID),
		zap.String("tenant_id", envelope.TenantID),
		zap.ByteString("body", body),
	)
	return nil
}

// OpenTransport builds the configured transport once at process start. The returned close
// function releases broker connections.
func OpenTransport(ctx context.Context, cfg Config, logger *zap.Logger) (Transport, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLog:
		return NewLogTransport(logger), noop, nil
	case DriverMemory:
		return NewMemoryTransport(), noop, nil
	case DriverKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, nil, fmt.Errorf("events: kafka brokers are required")
		}
		client, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.KafkaBrokers...),
			kgo.DefaultProduceTopic(cfg.KafkaTopic),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("events: kafka client: %w", err)
		}
		transport, err := NewKafkaTransport(client, cfg.KafkaTopic)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return transport, func() error { client.Close(); return nil }, nil
	case DriverRedis:
		if cfg.RedisAddress == "" {
			return nil, nil, fmt.Errorf("events: redis address is required")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		transport, err := NewRedisStreamTransport(client, cfg.RedisStream, cfg.RedisMaxLen)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return transport, client.Close, nil
	case DriverSNS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("events: aws config: %w", err)
		}
		transport, err := NewSNSTransport(sns.NewFromConfig(awsCfg), cfg.SNSTopicARN)
		if err != nil {
			return nil, nil, err
		}
		return transport, noop, nil
	default:
		return nil, nil, fmt.Errorf("events: unknown driver %q", cfg.Driver)
	}
}
