package events

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaProducer is the subset of *kgo.Client the Kafka transport uses.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// KafkaTransport produces envelopes to a Kafka topic keyed by application id.
type KafkaTransport struct {
	producer KafkaProducer
	topic    string
}

// NewKafkaTransport constructs a KafkaTransport.
func NewKafkaTransport(producer KafkaProducer, topic string) (*KafkaTransport, error) {
	if producer == nil {
		return nil, errors.New("events: kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("events: kafka topic is required")
	}
	return &KafkaTransport{producer: producer, topic: topic}, nil
}

// Send produces one record and waits for the broker acknowledgement.
func (t *KafkaTransport) Send(ctx context.Context, envelope Envelope, body []byte) error {
	record := &kgo.Record{
		Topic: t.topic,
		Key:   []byte(partitionKey(envelope)),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(envelope.Type)},
			{Key: "event_id", Value: []byte(envelope.EventID)},
			{Key: "tenant_id", Value: []byte(envelope.TenantID)},
			{Key: "correlation_id", Value: []byte(envelope.CorrelationID)},
		},
	}
	return t.producer.ProduceSync(ctx, record).FirstErr()
}
