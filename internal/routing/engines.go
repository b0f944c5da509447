package routing

import (
	"fmt"
	"net/url"
)

// Compiled-in engine origins, one per environment.
const (
	DefaultDevEngine        = "http://engine-dev.frbzz.com"
	DefaultPreviewEngine    = "http://engine-preview.frbzz.com"
	DefaultProductionEngine = "http://engine.frbzz.com"
)

// Engines maps each environment to its backend origin.
type Engines struct {
	Dev        *url.URL
	Preview    *url.URL
	Production *url.URL
}

// NewEngines parses the three engine origins. Each must be an absolute http(s)
// origin without path, query, or fragment.
func NewEngines(dev, preview, production string) (Engines, error) {
	devURL, err := parseOrigin("dev", dev)
	if err != nil {
		return Engines{}, err
	}
	previewURL, err := parseOrigin("preview", preview)
	if err != nil {
		return Engines{}, err
	}
	productionURL, err := parseOrigin("production", production)
	if err != nil {
		return Engines{}, err
	}
	return Engines{Dev: devURL, Preview: previewURL, Production: productionURL}, nil
}

// For returns the engine origin serving env along with the environment that
// was actually selected. Unknown environments resolve to production and
// report fallback=true.
func (e Engines) For(env Environment) (origin *url.URL, resolved Environment, fallback bool) {
	switch env {
	case EnvironmentDev:
		return e.Dev, EnvironmentDev, false
	case EnvironmentPreview:
		return e.Preview, EnvironmentPreview, false
	case EnvironmentProduction:
		return e.Production, EnvironmentProduction, false
	default:
		return e.Production, EnvironmentProduction, true
	}
}

func parseOrigin(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s engine url is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s engine url: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s engine url must use http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%s engine url must include a host", name)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%s engine url must be an origin without path or query", name)
	}
	u.Path = ""
	return u, nil
}
