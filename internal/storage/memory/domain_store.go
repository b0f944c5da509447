// Package memory provides an in-memory domain store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// Store resolves hostnames from a map held in memory.
type Store struct {
	mu      sync.RWMutex
	domains map[string]routing.DomainConfig
}

// NewStore constructs a Store seeded with records keyed by hostname.
// Hostnames are normalized so lookups match the dispatcher's routing key.
func NewStore(records map[string]routing.DomainConfig) *Store {
	domains := make(map[string]routing.DomainConfig, len(records))
	for host, cfg := range records {
		domains[routing.NormalizeHost(host)] = cfg
	}
	return &Store{domains: domains}
}

// Resolve returns the record stored for hostname.
func (s *Store) Resolve(_ context.Context, hostname string) (routing.DomainConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.domains[hostname]
	if !ok {
		return routing.DomainConfig{}, fmt.Errorf("%s: %w", hostname, routing.ErrNotFound)
	}
	return cfg, nil
}

// Put stores or replaces the record for hostname.
func (s *Store) Put(hostname string, cfg routing.DomainConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[routing.NormalizeHost(hostname)] = cfg
}

// Delete removes the record for hostname.
func (s *Store) Delete(hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.domains, routing.NormalizeHost(hostname))
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
