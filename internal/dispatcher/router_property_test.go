package dispatcher

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/memory"
)

func newPropertyRouter(t *testing.T) *Router {
	t.Helper()
	engines, err := routing.NewEngines(routing.DefaultDevEngine, routing.DefaultPreviewEngine, routing.DefaultProductionEngine)
	require.NoError(t, err)
	previews, err := routing.NewPreviewTable(routing.PreviewHosts{
		Production: routing.DefaultProductionPreviewHost,
		Dev:        routing.DefaultDevPreviewHost,
		Preview:    routing.DefaultPreviewPreviewHost,
	}, engines)
	require.NoError(t, err)
	store := memory.NewStore(map[string]routing.DomainConfig{
		"shop.example.com":  {WorkspaceID: "w1", ProjectID: "p1", Environment: routing.EnvironmentPreview, DomainType: routing.DomainTypeCustom},
		"a.frbzz.com":       {WorkspaceID: "w2", ProjectID: "p2", Environment: routing.EnvironmentDev, DomainType: routing.DomainTypeProject},
		"drift.example.com": {WorkspaceID: "w3", ProjectID: "p3", Environment: "qa", DomainType: routing.DomainTypeCustom},
	})
	router, err := NewRouter(previews, engines, store, zap.NewNop())
	require.NoError(t, err)
	return router
}

// recase flips the case of the letters in s selected by mask.
func recase(s string, mask uint64) string {
	b := []byte(s)
	for i := range b {
		if mask&(1<<(uint(i)%64)) == 0 {
			continue
		}
		switch c := b[i]; {
		case 'a' <= c && c <= 'z':
			b[i] = c - ('a' - 'A')
		case 'A' <= c && c <= 'Z':
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// TestTrustHeadersCannotBeSpoofed checks that a client-supplied trust header,
// in any casing, never survives the overlay on either branch.
func TestTrustHeadersCannotBeSpoofed(t *testing.T) {
	router := newPropertyRouter(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("resolved trust values replace client values", prop.ForAll(
		func(host string, idx int, mask uint64, value string) bool {
			decision, err := router.Decide(context.Background(), host)
			if err != nil {
				t.Logf("decide %s: %v", host, err)
				return false
			}

			name := routing.ReservedHeaders()[idx]
			header := http.Header{
				recase(name, mask): {"attacker-" + value},
				"X-Custom":         {value},
			}
			overlayTrustHeaders(header, decision.TrustHeaders())

			trust := decision.TrustHeaders()
			for key, values := range header {
				if !routing.IsReserved(key) {
					continue
				}
				want, ok := trust[key]
				if !ok || strings.Join(values, ",") != strings.Join(want, ",") {
					t.Logf("header %s = %v, want %v", key, values, want)
					return false
				}
			}
			for key := range trust {
				if header.Get(key) != trust.Get(key) {
					return false
				}
			}
			return len(header["X-Custom"]) == 1 && header["X-Custom"][0] == value
		},
		gen.OneConstOf(
			routing.DefaultProductionPreviewHost,
			routing.DefaultDevPreviewHost,
			routing.DefaultPreviewPreviewHost,
			"shop.example.com",
			"a.frbzz.com",
		),
		gen.IntRange(0, len(routing.ReservedHeaders())-1),
		gen.UInt64(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestClassificationIsIdempotent checks that repeated lookups of the same
// hostname always pick the same branch and engine.
func TestClassificationIsIdempotent(t *testing.T) {
	router := newPropertyRouter(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("same hostname, same decision", prop.ForAll(
		func(host string, mask uint64, repeats int) bool {
			variant := recase(host, mask)
			first, firstErr := router.Decide(context.Background(), variant)
			for i := 0; i < repeats; i++ {
				next, err := router.Decide(context.Background(), host)
				if (err == nil) != (firstErr == nil) {
					return false
				}
				if err != nil {
					continue
				}
				if next.Route != first.Route || next.Environment != first.Environment ||
					next.Engine.String() != first.Engine.String() || next.Fallback != first.Fallback {
					t.Logf("%s: %+v != %+v", host, next, first)
					return false
				}
			}
			return true
		},
		gen.OneConstOf(
			routing.DefaultProductionPreviewHost,
			routing.DefaultDevPreviewHost,
			routing.DefaultPreviewPreviewHost,
			"shop.example.com",
			"a.frbzz.com",
			"drift.example.com",
			"missing.example.com",
		),
		gen.UInt64(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
