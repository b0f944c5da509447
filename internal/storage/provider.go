// Package storage defines the contract shared by the domain configuration
// stores. Concrete stores live in the memory, local, postgres, and gcs
// sub-packages; cache decorates any of them.
package storage

import (
	"context"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// Provider is a domain store owned by the application. It is closed on shutdown.
type Provider interface {
	routing.Resolver
	Close() error
}

// NopCloser adapts a Resolver without resources of its own into a Provider.
func NopCloser(r routing.Resolver) Provider {
	return nopCloser{Resolver: r}
}

type nopCloser struct {
	routing.Resolver
}

func (nopCloser) Close() error { return nil }

// Ping forwards to the wrapped resolver when it supports health checks.
func (n nopCloser) Ping(ctx context.Context) error {
	if p, ok := n.Resolver.(routing.Pinger); ok {
		return p.Ping(ctx) //nolint:wrapcheck
	}
	return nil
}
