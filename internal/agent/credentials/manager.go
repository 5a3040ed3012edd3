// Package credentials supplies API keys and other secrets as environment
// variables for agents the Agent Pool spawns.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
)

// Credential is one resolved secret.
type Credential struct {
	Key         string // environment variable name, e.g. ANTHROPIC_API_KEY
	Value       string // the secret value; never logged
	Source      string // where it came from: environment, vault, file
	Description string
}

// Provider resolves credentials from one secret source.
type Provider interface {
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
	Name() string
}

// Manager resolves credentials across a chain of providers and caches hits.
type Manager struct {
	providers []Provider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager creates an empty credentials Manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]Provider, 0),
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider appends a Provider to the resolution chain.
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
	m.logger.Info("added credential provider", zap.String("provider", provider.Name()))
}

// GetCredential resolves a credential by key, checking the cache first.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		cred, err := provider.GetCredential(ctx, key)
		if err == nil {
			m.cache[key] = cred
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// BuildEnv resolves required credentials and merges in additional plain
// environment values, for use as a pool.AgentConfig.Env map.
func (m *Manager) BuildEnv(ctx context.Context, required []string, additional map[string]string) (map[string]string, error) {
	env := make(map[string]string, len(required)+len(additional))

	for _, key := range required {
		cred, err := m.GetCredential(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("required credential missing: %s", key)
		}
		env[cred.Key] = cred.Value
	}
	for key, value := range additional {
		env[key] = value
	}
	return env, nil
}

// HasCredential reports whether key resolves through any provider.
func (m *Manager) HasCredential(ctx context.Context, key string) bool {
	_, err := m.GetCredential(ctx, key)
	return err == nil
}

// ListAvailable returns the union of every provider's available keys.
func (m *Manager) ListAvailable(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, provider := range m.providers {
		keys, err := provider.ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("failed to list credentials from provider", zap.String("provider", provider.Name()), zap.Error(err))
			continue
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}
	}

	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	return result
}

// ClearCache drops every cached credential, forcing the next lookup to
// re-query providers.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]*Credential)
}
