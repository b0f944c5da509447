// Package cache decorates a routing.Resolver with an in-process TTL cache.
//
// Found records are kept for a long positive TTL and not-found answers for a
// short negative TTL, each in its own bounded LRU so a burst of unknown
// hostnames can only displace other not-found answers. Store errors are never
// cached. Concurrent misses for the same hostname share one store call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/firebuzz-ai/edge-dispatcher/internal/metrics"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// Size bounds used when the configuration leaves them at zero.
const (
	DefaultMaxEntries         = 100000
	DefaultNegativeMaxEntries = 10000
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Config bounds the cache.
type Config struct {
	Enabled            bool          `mapstructure:"enabled"`
	TTL                time.Duration `mapstructure:"ttl"`
	NegativeTTL        time.Duration `mapstructure:"negative_ttl"`
	MaxEntries         int           `mapstructure:"max_entries"`
	NegativeMaxEntries int           `mapstructure:"negative_max_entries"`
	LoadTimeout        time.Duration `mapstructure:"load_timeout"`
}

type entry struct {
	cfg      routing.DomainConfig
	expireAt time.Time
}

// inflight tracks loads of one hostname so that an invalidation arriving
// mid-load keeps the loaded record out of the cache.
type inflight struct {
	gen  uint64
	refs int
}

// Resolver caches lookups of the wrapped resolver.
type Resolver struct {
	next   routing.Resolver
	clock  Clock
	cfg    Config
	logger *zap.Logger

	found    *lru.Cache[string, entry]
	notFound *lru.Cache[string, entry]
	group    singleflight.Group

	// mu serialises cache writes against Invalidate and Purge.
	mu      sync.Mutex
	loading map[string]*inflight
}

// New wraps next. A zero TTL disables positive caching and a zero NegativeTTL
// disables negative caching.
func New(next routing.Resolver, clock Clock, cfg Config, logger *zap.Logger) (*Resolver, error) {
	if next == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.TTL < 0 || cfg.NegativeTTL < 0 || cfg.LoadTimeout < 0 {
		return nil, fmt.Errorf("cache durations must not be negative")
	}
	if cfg.MaxEntries < 0 || cfg.NegativeMaxEntries < 0 {
		return nil, fmt.Errorf("cache entry limits must not be negative")
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.NegativeMaxEntries == 0 {
		cfg.NegativeMaxEntries = DefaultNegativeMaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	found, err := lru.New[string, entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	notFound, err := lru.New[string, entry](cfg.NegativeMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create negative cache: %w", err)
	}
	metrics.Init()
	return &Resolver{
		next:     next,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		found:    found,
		notFound: notFound,
		loading:  make(map[string]*inflight),
	}, nil
}

// Resolve answers from the cache when a live entry exists and otherwise
// loads from the wrapped resolver.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (routing.DomainConfig, error) {
	now := r.clock.Now()
	if e, ok := r.found.Get(hostname); ok && now.Before(e.expireAt) {
		metrics.ObserveCacheHit(false)
		return e.cfg, nil
	}
	if e, ok := r.notFound.Get(hostname); ok && now.Before(e.expireAt) {
		metrics.ObserveCacheHit(true)
		return routing.DomainConfig{}, fmt.Errorf("%s: %w", hostname, routing.ErrNotFound)
	}
	metrics.ObserveCacheMiss()

	ch := r.group.DoChan(hostname, func() (any, error) {
		return r.load(ctx, hostname)
	})
	select {
	case <-ctx.Done():
		return routing.DomainConfig{}, ctx.Err() //nolint:wrapcheck
	case res := <-ch:
		if res.Err != nil {
			return routing.DomainConfig{}, res.Err //nolint:wrapcheck
		}
		return res.Val.(routing.DomainConfig), nil
	}
}

// load runs detached from the first caller so that its cancellation does not
// fail the other waiters; LoadTimeout bounds it instead.
func (r *Resolver) load(ctx context.Context, hostname string) (routing.DomainConfig, error) {
	loadCtx := context.WithoutCancel(ctx)
	if r.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, r.cfg.LoadTimeout)
		defer cancel()
	}

	gen := r.begin(hostname)
	cfg, err := r.next.Resolve(loadCtx, hostname)
	switch {
	case err == nil:
		r.finish(hostname, gen, r.found, entry{cfg: cfg}, r.cfg.TTL)
		return cfg, nil
	case errors.Is(err, routing.ErrNotFound):
		r.finish(hostname, gen, r.notFound, entry{}, r.cfg.NegativeTTL)
		return routing.DomainConfig{}, err
	default:
		r.finish(hostname, gen, nil, entry{}, 0)
		return routing.DomainConfig{}, err
	}
}

func (r *Resolver) begin(hostname string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.loading[hostname]
	if f == nil {
		f = &inflight{}
		r.loading[hostname] = f
	}
	f.refs++
	return f.gen
}

// finish stores e in dst unless hostname was invalidated since begin.
func (r *Resolver) finish(hostname string, gen uint64, dst *lru.Cache[string, entry], e entry, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.loading[hostname]
	f.refs--
	if f.refs == 0 {
		delete(r.loading, hostname)
	}
	if dst == nil || ttl <= 0 {
		return
	}
	if f.gen != gen {
		r.logger.Debug("discarding record loaded before invalidation", zap.String("host", hostname))
		return
	}
	e.expireAt = r.clock.Now().Add(ttl)
	// A hostname lives in at most one of the two caches.
	if dst == r.found {
		r.notFound.Remove(hostname)
	} else {
		r.found.Remove(hostname)
	}
	if dst.Add(hostname, e) {
		metrics.ObserveCacheEviction("capacity", 1)
	}
}

// Invalidate forgets hostname so the next lookup reaches the store. A load
// already in flight for hostname is not cached.
func (r *Resolver) Invalidate(hostname string) {
	r.mu.Lock()
	if f := r.loading[hostname]; f != nil {
		f.gen++
	}
	removed := r.found.Remove(hostname)
	if r.notFound.Remove(hostname) {
		removed = true
	}
	r.mu.Unlock()
	r.group.Forget(hostname)
	if removed {
		metrics.ObserveCacheEviction("invalidated", 1)
		r.logger.Debug("cache entry invalidated", zap.String("host", hostname))
	}
}

// Purge forgets every entry.
func (r *Resolver) Purge() {
	r.mu.Lock()
	for host, f := range r.loading {
		f.gen++
		r.group.Forget(host)
	}
	n := r.found.Len() + r.notFound.Len()
	r.found.Purge()
	r.notFound.Purge()
	r.mu.Unlock()
	metrics.ObserveCacheEviction("purged", n)
	r.logger.Info("cache purged", zap.Int("entries", n))
}

// Len reports the number of cached entries, live or expired.
func (r *Resolver) Len() int {
	return r.found.Len() + r.notFound.Len()
}

// Ping forwards to the wrapped resolver when it supports health checks.
func (r *Resolver) Ping(ctx context.Context) error {
	if p, ok := r.next.(routing.Pinger); ok {
		return p.Ping(ctx) //nolint:wrapcheck
	}
	return nil
}
