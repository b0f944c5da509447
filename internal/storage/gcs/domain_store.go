// Package gcs provides a domain configuration store backed by Google Cloud Storage.
//
// Each hostname is one JSON object named <prefix><hostname>.json holding the
// camelCase DomainConfig fields.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

const maxObjectSize = 64 << 10

// Config captures the bucket layout of the domain objects.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Store reads domain records from a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// New creates a GCS-backed domain store. The client stays owned by the caller.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Open creates a client with application default credentials and a store that closes it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store.gcs.bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// ObjectName returns the object path holding hostname's record.
func (s *Store) ObjectName(hostname string) string {
	return s.prefix + hostname + ".json"
}

// Resolve reads and decodes the object for hostname.
func (s *Store) Resolve(ctx context.Context, hostname string) (routing.DomainConfig, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.ObjectName(hostname)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return routing.DomainConfig{}, fmt.Errorf("%s: %w", hostname, routing.ErrNotFound)
	}
	if err != nil {
		return routing.DomainConfig{}, fmt.Errorf("open domain object %s: %w", hostname, err)
	}
	defer func() { _ = reader.Close() }()

	var cfg routing.DomainConfig
	if err := json.NewDecoder(io.LimitReader(reader, maxObjectSize)).Decode(&cfg); err != nil {
		return routing.DomainConfig{}, fmt.Errorf("decode domain object %s: %w", hostname, err)
	}
	return cfg, nil
}

// Ping verifies the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
