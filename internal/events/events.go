// Package events publishes integration events to sibling services. Publishing is best-effort:
// a failure is logged and reported to the caller as false, never as an error.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"go.uber.org/zap"
)

// Event types emitted by the review workflow.
const (
	TypeApplicationApproved         = "application.approved"
	TypeApplicationRejected         = "application.rejected"
	TypeMemberCreateRequested       = "member.create.requested"
	TypeSubscriptionUpsertRequested = "subscription.upsert.requested"
)

var errMissingTransport = errors.New("events: transport is required")

// Metadata carries the routing context of an event.
type Metadata struct {
	TenantID      string
	CorrelationID string
	// Key partitions the event stream; the application id for review events.
	Key string
}

// Envelope is the wire format of every published event.
type Envelope struct {
	EventID       string          `json:"eventId"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurredAt"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Key           string          `json:"key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any, meta Metadata) bool
}

// Transport delivers an encoded envelope to a broker.
type Transport interface {
	Send(ctx context.Context, envelope Envelope, body []byte) error
}

// PublisherConfig describes the dependencies of an EnvelopePublisher.
type PublisherConfig struct {
	Transport  Transport
	Logger     *zap.Logger
	Clock      func() time.Time
	IDProvider ids.Provider
	// Observer, when set, is told the outcome of every publish.
	Observer func(eventType string, delivered bool)
}

// EnvelopePublisher wraps payloads in envelopes and hands them to a transport.
type EnvelopePublisher struct {
	transport  Transport
	logger     *zap.Logger
	clock      func() time.Time
	idProvider ids.Provider
	observer   func(eventType string, delivered bool)
}

// NewPublisher constructs an EnvelopePublisher.
func NewPublisher(cfg PublisherConfig) (*EnvelopePublisher, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	return &EnvelopePublisher{
		transport:  cfg.Transport,
		logger:     logger,
		clock:      clock,
		idProvider: idProvider,
		observer:   cfg.Observer,
	}, nil
}

// Publish sends one event and reports whether the transport accepted it.
func (p *EnvelopePublisher) Publish(ctx context.Context, eventType string, payload any, meta Metadata) (delivered bool) {
	fields := []zap.Field{
		zap.String("event_type", eventType),
		zap.String("tenant_id", meta.TenantID),
		zap.String("correlation_id", meta.CorrelationID),
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Warn("event publish panicked", append(fields, zap.Any("panic", recovered))...)
			delivered = false
		}
		if p.observer != nil {
			p.observer(eventType, delivered)
		}
	}()

	envelope, body, err := p.encode(eventType, payload, meta)
	if err != nil {
		p.logger.Warn("event encode failed", append(fields, zap.Error(err))...)
		return false
	}
	fields = append(fields, zap.String("event_id", envelope.EventID))
	if err := p.transport.Send(ctx, envelope, body); err != nil {
		p.logger.Warn("event publish failed", append(fields, zap.Error(err))...)
		return false
	}
	p.logger.Debug("event published", fields...)
	return true
}

func (p *EnvelopePublisher) encode(eventType string, payload any, meta Metadata) (Envelope, []byte, error) {
	if eventType == "" {
		return Envelope{}, nil, fmt.Errorf("events: event type is required")
	}
	eventID, err := p.idProvider.NewID()
	if err != nil {
		return Envelope{}, nil, err
	}
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("events: encode payload: %w", err)
	}
	envelope := Envelope{
		EventID:       eventID,
		Type:          eventType,
		OccurredAt:    p.clock().UTC(),
		TenantID:      meta.TenantID,
		CorrelationID: meta.CorrelationID,
		Key:           meta.Key,
		Payload:       encodedPayload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("events: encode envelope: %w", err)
	}
	return envelope, body, nil
}

func partitionKey(envelope Envelope) string {
	if envelope.Key != "" {
		return envelope.Key
	}
	if envelope.CorrelationID != "" {
		return envelope.CorrelationID
	}
	return envelope.EventID
}
