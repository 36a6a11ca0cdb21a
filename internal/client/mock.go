package client

import (
	"context"
	"fmt"
	"time"
)

// MockBackend stands in for a real backend when none is configured, so
// the service runs end-to-end in development.
type MockBackend struct {
	name  string
	delay time.Duration
}

func NewMockBackend(name string, delay time.Duration) *MockBackend {
	return &MockBackend{name: name, delay: delay}
}

func (m *MockBackend) Name() string {
	return m.name
}

func (m *MockBackend) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("[%s mock] This is a placeholder answer to: %s", m.name, prompt), nil
}
