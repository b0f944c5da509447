package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

func TestDecide(t *testing.T) {
	router := newPropertyRouter(t)

	cases := []struct {
		name     string
		host     string
		route    Route
		env      routing.Environment
		engine   string
		fallback bool
	}{
		{"production preview", "Preview.Frbzz.com", RoutePreview, routing.EnvironmentProduction, routing.DefaultProductionEngine, false},
		{"dev preview with port", "preview-dev.frbzz.com:443", RoutePreview, routing.EnvironmentDev, routing.DefaultDevEngine, false},
		{"campaign", "shop.example.com", RouteCampaign, routing.EnvironmentPreview, routing.DefaultPreviewEngine, false},
		{"drift", "drift.example.com", RouteCampaign, routing.EnvironmentProduction, routing.DefaultProductionEngine, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := router.Decide(context.Background(), tc.host)
			require.NoError(t, err)
			assert.Equal(t, tc.route, d.Route)
			assert.Equal(t, tc.env, d.Environment)
			assert.Equal(t, tc.engine, d.Engine.String())
			assert.Equal(t, tc.fallback, d.Fallback)
		})
	}

	_, err := router.Decide(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingHost)

	d, err := router.Decide(context.Background(), "missing.example.com")
	assert.ErrorIs(t, err, routing.ErrNotFound)
	assert.Equal(t, RouteCampaign, d.Route)
}

type errResolver struct{ err error }

func (e errResolver) Resolve(context.Context, string) (routing.DomainConfig, error) {
	return routing.DomainConfig{}, e.err
}

func TestDecideWrapsStoreErrors(t *testing.T) {
	engines, err := routing.NewEngines(routing.DefaultDevEngine, routing.DefaultPreviewEngine, routing.DefaultProductionEngine)
	require.NoError(t, err)
	boom := errors.New("store down")
	router, err := NewRouter(routing.PreviewTable{}, engines, errResolver{err: boom}, nil)
	require.NoError(t, err)

	_, err = router.Decide(context.Background(), "shop.example.com")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, routing.ErrNotFound)
}

func TestTrustHeaders(t *testing.T) {
	preview := Decision{Route: RoutePreview, Hostname: "preview.frbzz.com", Environment: routing.EnvironmentProduction}
	assert.Equal(t, http.Header{
		routing.HeaderPreview:     {"true"},
		routing.HeaderHostname:    {"preview.frbzz.com"},
		routing.HeaderEnvironment: {"production"},
	}, preview.TrustHeaders())

	campaign := Decision{
		Route:       RouteCampaign,
		Hostname:    "shop.example.com",
		Environment: routing.EnvironmentDev,
		Domain:      &routing.DomainConfig{WorkspaceID: "w1", ProjectID: "p1", DomainType: routing.DomainTypeProject},
	}
	assert.Equal(t, http.Header{
		routing.HeaderCampaign:    {"true"},
		routing.HeaderDomainType:  {"project"},
		routing.HeaderHostname:    {"shop.example.com"},
		routing.HeaderProjectID:   {"p1"},
		routing.HeaderWorkspaceID: {"w1"},
		routing.HeaderEnvironment: {"dev"},
	}, campaign.TrustHeaders())
}

func TestOverlayTrustHeaders(t *testing.T) {
	dst := http.Header{
		"x-firebuzz-workspace-id": {"attacker"},
		"X-Firebuzz-Preview":      {"true"},
		"Accept":                  {"text/html"},
	}
	overlayTrustHeaders(dst, http.Header{routing.HeaderWorkspaceID: {"w1"}})

	assert.Equal(t, http.Header{
		routing.HeaderWorkspaceID: {"w1"},
		"Accept":                  {"text/html"},
	}, dst)
}
