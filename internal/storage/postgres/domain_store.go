// Package postgres provides a Postgres-backed domain configuration store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

const defaultTable = "domains"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for domain lookups.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type queryCloser interface {
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store reads domain records from a table keyed by hostname.
type Store struct {
	pool  queryCloser
	table string
	query string
}

// NewStore connects a pool using cfg and returns a Store over it.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, table), nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool queryCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newStore(pool, name), nil
}

func newStore(pool queryCloser, table string) *Store {
	return &Store{
		pool:  pool,
		table: table,
		query: fmt.Sprintf(`SELECT workspace_id, project_id, environment, domain_type FROM %s WHERE hostname = $1`, table),
	}
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Resolve looks up the record for hostname. Missing rows map to routing.ErrNotFound.
func (s *Store) Resolve(ctx context.Context, hostname string) (routing.DomainConfig, error) {
	var (
		cfg        routing.DomainConfig
		env, dtype string
	)
	err := s.pool.QueryRow(ctx, s.query, hostname).Scan(&cfg.WorkspaceID, &cfg.ProjectID, &env, &dtype)
	if errors.Is(err, pgx.ErrNoRows) {
		return routing.DomainConfig{}, fmt.Errorf("%s: %w", hostname, routing.ErrNotFound)
	}
	if err != nil {
		return routing.DomainConfig{}, fmt.Errorf("query domain %s: %w", hostname, err)
	}
	cfg.Environment = routing.Environment(env)
	cfg.DomainType = routing.DomainType(dtype)
	return cfg, nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
