package events

import (
	"context"
	"sync"
)

const memoryBufferSize = 16

// MemoryTransport fans envelopes out to in-process subscribers of the event's tenant. Slow
// subscribers miss events instead of blocking the publisher.
type MemoryTransport struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*memorySubscriber
	nextID      int64
	bufferSize  int
}

type memorySubscriber struct {
	id     int64
	stream chan Envelope
}

// NewMemoryTransport constructs a MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subscribers: make(map[string]map[int64]*memorySubscriber),
		bufferSize:  memoryBufferSize,
	}
}

// Subscribe registers a subscriber for a tenant until ctx ends or the returned cleanup runs.
func (t *MemoryTransport) Subscribe(ctx context.Context, tenantID string) (<-chan Envelope, func()) {
	if tenantID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	subscriber := &memorySubscriber{
		id:     t.nextSequence(),
		stream: make(chan Envelope, t.bufferSize),
	}
	t.registerSubscriber(tenantID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			t.unregisterSubscriber(tenantID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Send delivers the envelope to every current subscriber of its tenant.
func (t *MemoryTransport) Send(_ context.Context, envelope Envelope, _ []byte) error {
	if envelope.TenantID == "" {
		return nil
	}
	t.mu.RLock()
	subscribers := t.subscribers[envelope.TenantID]
	if len(subscribers) == 0 {
		t.mu.RUnlock()
		return nil
	}
	copies := make([]*memorySubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	t.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- envelope:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) nextSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *MemoryTransport) registerSubscriber(tenantID string, subscriber *memorySubscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[tenantID]; !ok {
		t.subscribers[tenantID] = make(map[int64]*memorySubscriber)
	}
	t.subscribers[tenantID][subscriber.id] = subscriber
}

func (t *MemoryTransport) unregisterSubscriber(tenantID string, subscriberID int64) {
	t.mu.Lock()
	subscribers := t.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(t.subscribers, tenantID)
		}
	}
	t.mu.Unlock()
}
