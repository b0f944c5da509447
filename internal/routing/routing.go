// Package routing holds the hostname routing model shared by the dispatcher,
// the domain configuration stores, and the admin API.
package routing

import (
	"context"
	"errors"
)

// Environment selects which backend engine serves a request.
type Environment string

// Known environments. Any other value found in a stored record is treated as
// configuration drift and routed to production.
const (
	EnvironmentDev        Environment = "dev"
	EnvironmentPreview    Environment = "preview"
	EnvironmentProduction Environment = "production"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentDev, EnvironmentPreview, EnvironmentProduction:
		return true
	default:
		return false
	}
}

// DomainType distinguishes customer-owned domains from platform-issued subdomains.
type DomainType string

// Known domain types.
const (
	DomainTypeCustom  DomainType = "custom"
	DomainTypeProject DomainType = "project"
)

// DomainConfig is the record stored for a routed hostname. It is treated as an
// immutable value once returned by a Resolver.
type DomainConfig struct {
	WorkspaceID string      `json:"workspaceId" yaml:"workspaceId" mapstructure:"workspaceId"`
	ProjectID   string      `json:"projectId" yaml:"projectId" mapstructure:"projectId"`
	Environment Environment `json:"environment" yaml:"environment" mapstructure:"environment"`
	DomainType  DomainType  `json:"domainType" yaml:"domainType" mapstructure:"domainType"`
}

// ErrNotFound is returned by a Resolver when no record exists for a hostname.
var ErrNotFound = errors.New("domain not found")

// Resolver looks up the DomainConfig bound to a normalized hostname.
// Implementations return ErrNotFound (possibly wrapped) for unknown hostnames
// and any other error when the backing store cannot answer.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (DomainConfig, error)
}

// Pinger is implemented by resolvers that can check their backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}
