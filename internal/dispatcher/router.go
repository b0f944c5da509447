// Package dispatcher implements the edge front door: it classifies each
// inbound request by hostname, picks the engine serving that hostname's
// environment, and relays the request to it unchanged apart from the
// destination and the trust headers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/firebuzz-ai/edge-dispatcher/internal/metrics"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// ErrMissingHost is returned when a request carries no usable hostname.
var ErrMissingHost = errors.New("missing host")

// Route is the classification branch a request took.
type Route string

// Classification branches.
const (
	RoutePreview  Route = "preview"
	RouteCampaign Route = "campaign"
)

// Decision is the routing outcome for one hostname.
type Decision struct {
	Route       Route
	Hostname    string
	Environment routing.Environment
	Engine      *url.URL
	// Fallback is set when the stored environment was not recognised and
	// production was selected instead.
	Fallback bool
	// Domain is the stored record; nil on the preview branch.
	Domain *routing.DomainConfig
}

// TrustHeaders returns the header values engines receive for this decision.
func (d Decision) TrustHeaders() http.Header {
	h := make(http.Header, 6)
	h.Set(routing.HeaderHostname, d.Hostname)
	h.Set(routing.HeaderEnvironment, string(d.Environment))
	if d.Route == RoutePreview {
		h.Set(routing.HeaderPreview, "true")
		return h
	}
	h.Set(routing.HeaderCampaign, "true")
	if d.Domain != nil {
		h.Set(routing.HeaderDomainType, string(d.Domain.DomainType))
		h.Set(routing.HeaderProjectID, d.Domain.ProjectID)
		h.Set(routing.HeaderWorkspaceID, d.Domain.WorkspaceID)
	}
	return h
}

// Router decides where a hostname is served from.
type Router struct {
	previews routing.PreviewTable
	engines  routing.Engines
	resolver routing.Resolver
	logger   *zap.Logger
}

// NewRouter builds a Router over the fixed preview table and the domain resolver.
func NewRouter(previews routing.PreviewTable, engines routing.Engines, resolver routing.Resolver, logger *zap.Logger) (*Router, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if engines.Dev == nil || engines.Preview == nil || engines.Production == nil {
		return nil, fmt.Errorf("all three engines are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Router{
		previews: previews,
		engines:  engines,
		resolver: resolver,
		logger:   logger,
	}, nil
}

// Decide classifies rawHost. Preview hostnames never reach the resolver.
// Errors are ErrMissingHost, a wrapped routing.ErrNotFound, or a wrapped
// store failure.
func (r *Router) Decide(ctx context.Context, rawHost string) (Decision, error) {
	host := routing.NormalizeHost(rawHost)
	if host == "" {
		return Decision{}, ErrMissingHost
	}

	if route, ok := r.previews.Match(host); ok {
		return Decision{
			Route:       RoutePreview,
			Hostname:    host,
			Environment: route.Environment,
			Engine:      route.Engine,
		}, nil
	}

	decision := Decision{Route: RouteCampaign, Hostname: host}
	cfg, err := r.resolver.Resolve(ctx, host)
	if err != nil {
		if errors.Is(err, routing.ErrNotFound) {
			metrics.ObserveStoreLookup(metrics.LookupNotFound)
			return decision, err
		}
		metrics.ObserveStoreLookup(metrics.LookupError)
		return decision, fmt.Errorf("resolve %s: %w", host, err)
	}
	metrics.ObserveStoreLookup(metrics.LookupFound)

	engine, env, fallback := r.engines.For(cfg.Environment)
	if fallback {
		r.logger.Warn("unknown environment in domain record, routing to production",
			zap.String("host", host),
			zap.String("environment", string(cfg.Environment)),
			zap.String("workspace_id", cfg.WorkspaceID),
			zap.String("project_id", cfg.ProjectID),
		)
		metrics.ObserveEnvironmentFallback(string(cfg.Environment))
	}
	decision.Environment = env
	decision.Engine = engine
	decision.Fallback = fallback
	decision.Domain = &cfg
	return decision, nil
}

// overlayTrustHeaders removes every reserved header from dst, whatever its
// casing, and then sets the resolved values.
func overlayTrustHeaders(dst, trust http.Header) {
	for name := range dst {
		if routing.IsReserved(name) {
			delete(dst, name)
		}
	}
	for name, values := range trust {
		dst[name] = append([]string(nil), values...)
	}
}
