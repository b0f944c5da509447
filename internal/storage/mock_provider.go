package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// MockResolver is a mock implementation of routing.Resolver for testing.
type MockResolver struct {
	mock.Mock
}

// Resolve is the mock implementation of the Resolve method.
func (m *MockResolver) Resolve(ctx context.Context, hostname string) (routing.DomainConfig, error) {
	args := m.Called(ctx, hostname)
	return args.Get(0).(routing.DomainConfig), args.Error(1) //nolint:wrapcheck
}

// Close is the mock implementation of the Close method.
func (m *MockResolver) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
