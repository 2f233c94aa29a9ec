package executor

import (
	"fmt"
	"strings"

	"github.com/alekspetrov/warden/internal/config"
)

// backendAliases maps block `executor` names to backend types.
var backendAliases = map[string]string{
	"":            BackendTypeRemote,
	"remote":      BackendTypeRemote,
	"gateway":     BackendTypeRemote,
	"openrouter":  BackendTypeRemote,
	"cli":         BackendTypeCLI,
	"claude":      BackendTypeCLI,
	"claude cli":  BackendTypeCLI,
	"claude-cli":  BackendTypeCLI,
	"claude_cli":  BackendTypeCLI,
	"claude-code": BackendTypeCLI,
}

// NormalizeBackend resolves a block executor name to a backend type.
func NormalizeBackend(name string) (string, error) {
	t, ok := backendAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return t, nil
}

// Registry holds the configured backends keyed by type.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a registry from explicit backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// NewRegistryFromConfig creates the remote and CLI backends from configuration.
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	return NewRegistry(NewRemoteBackend(cfg.Remote), NewCLIBackend(cfg.CLI))
}

// Resolve returns the backend for a block executor name.
func (r *Registry) Resolve(name string) (Backend, error) {
	t, err := NormalizeBackend(name)
	if err != nil {
		return nil, err
	}
	b, ok := r.backends[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownBackend, t)
	}
	return b, nil
}

// IsCLI reports whether a block executor name targets the CLI backend.
func IsCLI(name string) bool {
	t, err := NormalizeBackend(name)
	return err == nil && t == BackendTypeCLI
}
