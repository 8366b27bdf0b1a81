// Package ids issues identifiers for persisted records and published events.
package ids

import (
	"sync"

	"github.com/google/uuid"
)

// Provider issues unique string identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers, which sort by creation time.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence is a Provider that hands out a fixed list of identifiers, then falls back to UUIDs.
type Sequence struct {
	mu       sync.Mutex
	values   []string
	index    int
	fallback Provider
}

// NewSequence returns a Sequence over values.
func NewSequence(values ...string) *Sequence {
	return &Sequence{values: values, fallback: NewUUIDProvider()}
}

func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index < len(s.values) {
		value := s.values[s.index]
		s.index++
		return value, nil
	}
	return s.fallback.NewID()
}
