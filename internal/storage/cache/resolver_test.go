package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var shop = routing.DomainConfig{
	WorkspaceID: "w1",
	ProjectID:   "p1",
	Environment: routing.EnvironmentProduction,
	DomainType:  routing.DomainTypeCustom,
}

func newResolver(t *testing.T, next routing.Resolver, cfg cache.Config) (*cache.Resolver, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r, err := cache.New(next, clk, cfg, zap.NewNop())
	require.NoError(t, err)
	return r, clk
}

func TestResolverCachesFoundRecords(t *testing.T) {
	next := new(storage.MockResolver)
	next.On("Resolve", mock.Anything, "shop.example.com").Return(shop, nil).Twice()

	r, clk := newResolver(t, next, cache.Config{TTL: time.Hour, NegativeTTL: time.Minute})

	for i := 0; i < 3; i++ {
		cfg, err := r.Resolve(context.Background(), "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, shop, cfg)
	}
	next.AssertNumberOfCalls(t, "Resolve", 1)

	clk.Advance(time.Hour)
	_, err := r.Resolve(context.Background(), "shop.example.com")
	require.NoError(t, err)
	next.AssertNumberOfCalls(t, "Resolve", 2)
}

func TestResolverNegativeCaching(t *testing.T) {
	next := new(storage.MockResolver)
	next.On("Resolve", mock.Anything, "missing.example.com").
		Return(routing.DomainConfig{}, routing.ErrNotFound)

	r, clk := newResolver(t, next, cache.Config{TTL: time.Hour, NegativeTTL: 30 * time.Second})

	_, err := r.Resolve(context.Background(), "missing.example.com")
	assert.ErrorIs(t, err, routing.ErrNotFound)
	_, err = r.Resolve(context.Background(), "missing.example.com")
	assert.ErrorIs(t, err, routing.ErrNotFound)
	next.AssertNumberOfCalls(t, "Resolve", 1)

	clk.Advance(31 * time.Second)
	_, err = r.Resolve(context.Background(), "missing.example.com")
	assert.ErrorIs(t, err, routing.ErrNotFound)
	next.AssertNumberOfCalls(t, "Resolve", 2)
}

func TestResolverDoesNotCacheErrors(t *testing.T) {
	boom := errors.New("store down")
	next := new(storage.MockResolver)
	next.On("Resolve", mock.Anything, "shop.example.com").Return(routing.DomainConfig{}, boom).Once()
	next.On("Resolve", mock.Anything, "shop.example.com").Return(shop, nil).Once()

	r, _ := newResolver(t, next, cache.Config{TTL: time.Hour, NegativeTTL: time.Minute})

	_, err := r.Resolve(context.Background(), "shop.example.com")
	assert.ErrorIs(t, err, boom)

	cfg, err := r.Resolve(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, shop, cfg)
	next.AssertExpectations(t)
}

func TestResolverInvalidateAndPurge(t *testing.T) {
	next := new(storage.MockResolver)
	next.On("Resolve", mock.Anything, mock.AnythingOfType("string")).Return(shop, nil)

	r, _ := newResolver(t, next, cache.Config{TTL: time.Hour})

	_, _ = r.Resolve(context.Background(), "a.example.com")
	_, _ = r.Resolve(context.Background(), "b.example.com")
	assert.Equal(t, 2, r.Len())

	r.Invalidate("a.example.com")
	assert.Equal(t, 1, r.Len())
	_, _ = r.Resolve(context.Background(), "a.example.com")
	next.AssertNumberOfCalls(t, "Resolve", 3)

	r.Purge()
	assert.Equal(t, 0, r.Len())
}

func TestResolverMaxEntries(t *testing.T) {
	next := new(storage.MockResolver)
	next.On("Resolve", mock.Anything, mock.AnythingOfType("string")).Return(shop, nil)

	r, _ := newResolver(t, next, cache.Config{TTL: time.Hour, MaxEntries: 2})

	for _, host := range []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"} {
		_, err := r.Resolve(context.Background(), host)
		require.NoError(t, err)
		assert.LessOrEqual(t, r.Len(), 2)
	}
}

type slowResolver struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowResolver) Resolve(ctx context.Context, _ string) (routing.DomainConfig, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
		return shop, nil
	case <-ctx.Done():
		return routing.DomainConfig{}, ctx.Err()
	}
}

func TestResolverCollapsesConcurrentMisses(t *testing.T) {
	next := &slowResolver{release: make(chan struct{})}
	r, _ := newResolver(t, next, cache.Config{TTL: time.Hour})

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "cold.example.com")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestResolverCallerCancellation(t *testing.T) {
	next := &slowResolver{release: make(chan struct{})}
	r, _ := newResolver(t, next, cache.Config{TTL: time.Hour, LoadTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, "cold.example.com")
	assert.ErrorIs(t, err, context.Canceled)
	close(next.release)
}

func TestResolverUnknownHostFloodKeepsTenants(t *testing.T) {
	next := new(storage.MockResolver)
	next.On("Resolve", mock.Anything, "shop.example.com").Return(shop, nil)
	next.On("Resolve", mock.Anything, mock.AnythingOfType("string")).Return(routing.DomainConfig{}, routing.ErrNotFound)

	r, _ := newResolver(t, next, cache.Config{
		TTL:                time.Hour,
		NegativeTTL:        time.Minute,
		MaxEntries:         100,
		NegativeMaxEntries: 10,
	})

	_, err := r.Resolve(context.Background(), "shop.example.com")
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		_, err := r.Resolve(context.Background(), fmt.Sprintf("junk-%d.example.com", i))
		require.ErrorIs(t, err, routing.ErrNotFound)
	}
	assert.Equal(t, 11, r.Len(), "not-found answers are bounded separately")

	cfg, err := r.Resolve(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, shop, cfg)
	next.AssertNumberOfCalls(t, "Resolve", 1001)
}

func TestResolverInvalidateDuringLoad(t *testing.T) {
	next := &slowResolver{release: make(chan struct{})}
	r, _ := newResolver(t, next, cache.Config{TTL: time.Hour})

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "shop.example.com")
		done <- err
	}()
	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	r.Invalidate("shop.example.com")
	close(next.release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, r.Len(), "a record read before the invalidation is not cached")

	_, err := r.Resolve(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
	assert.Equal(t, 1, r.Len())
}

func TestNewValidation(t *testing.T) {
	clk := &fakeClock{}
	_, err := cache.New(nil, clk, cache.Config{}, nil)
	assert.Error(t, err)

	next := new(storage.MockResolver)
	_, err = cache.New(next, nil, cache.Config{}, nil)
	assert.Error(t, err)

	_, err = cache.New(next, clk, cache.Config{TTL: -time.Second}, nil)
	assert.Error(t, err)

	_, err = cache.New(next, clk, cache.Config{MaxEntries: -1}, nil)
	assert.Error(t, err)

	_, err = cache.New(next, clk, cache.Config{NegativeMaxEntries: -1}, nil)
	assert.Error(t, err)
}
