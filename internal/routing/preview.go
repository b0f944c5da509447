package routing

import (
	"fmt"
	"net/url"
)

// Compiled-in preview hostnames, one per environment.
const (
	DefaultProductionPreviewHost = "preview.frbzz.com"
	DefaultDevPreviewHost        = "preview-dev.frbzz.com"
	DefaultPreviewPreviewHost    = "preview-preview.frbzz.com"
)

// PreviewRoute binds a fixed preview hostname to an environment's engine.
type PreviewRoute struct {
	Hostname    string
	Environment Environment
	Engine      *url.URL
}

// PreviewTable is the fixed set of preview routes. It is built once at startup
// and only read afterwards.
type PreviewTable struct {
	routes []PreviewRoute
}

// PreviewHosts names the preview hostname of each environment.
type PreviewHosts struct {
	Production string
	Dev        string
	Preview    string
}

// NewPreviewTable binds each preview hostname to its environment's engine.
func NewPreviewTable(hosts PreviewHosts, engines Engines) (PreviewTable, error) {
	entries := []struct {
		host string
		env  Environment
	}{
		{hosts.Production, EnvironmentProduction},
		{hosts.Dev, EnvironmentDev},
		{hosts.Preview, EnvironmentPreview},
	}
	seen := make(map[string]Environment, len(entries))
	routes := make([]PreviewRoute, 0, len(entries))
	for _, e := range entries {
		host := NormalizeHost(e.host)
		if host == "" {
			return PreviewTable{}, fmt.Errorf("%s preview hostname is required", e.env)
		}
		if prev, dup := seen[host]; dup {
			return PreviewTable{}, fmt.Errorf("preview hostname %q bound to both %s and %s", host, prev, e.env)
		}
		seen[host] = e.env
		engine, _, _ := engines.For(e.env)
		if engine == nil {
			return PreviewTable{}, fmt.Errorf("%s engine is not configured", e.env)
		}
		routes = append(routes, PreviewRoute{Hostname: host, Environment: e.env, Engine: engine})
	}
	return PreviewTable{routes: routes}, nil
}

// Match returns the route whose hostname equals hostname exactly.
func (t PreviewTable) Match(hostname string) (PreviewRoute, bool) {
	for _, r := range t.routes {
		if r.Hostname == hostname {
			return r, true
		}
	}
	return PreviewRoute{}, false
}

// Routes returns a copy of the table entries.
func (t PreviewTable) Routes() []PreviewRoute {
	out := make([]PreviewRoute, len(t.routes))
	copy(out, t.routes)
	return out
}
