package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// knownAPIKeyPatterns are environment variable names recognized as agent
// credentials without needing to match a generic naming heuristic.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"HUGGINGFACE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"REPLICATE_API_TOKEN",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"GCP_SERVICE_ACCOUNT_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"BITBUCKET_TOKEN",
	"NPM_TOKEN",
	"DOCKER_PASSWORD",
	"DOCKER_TOKEN",
}

// genericCredentialMarkers are substrings in an environment variable name
// (case-insensitive) that mark it as plausibly holding a secret, for
// agent runtimes whose credential needs aren't in knownAPIKeyPatterns.
var genericCredentialMarkers = []string{"api_key", "apikey", "api-key", "_token", "_secret"}

// EnvProvider resolves credentials directly from the daemon's own
// environment, optionally scoped to variables carrying a node-configured
// prefix so multiple agent pools on one host don't share secrets.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider that also checks prefix+key when a
// bare key lookup misses; prefix == "" disables prefixed lookups.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name identifies this provider in the credentials.Manager chain.
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential checks key, then prefix+key, against the process
// environment.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable returns every environment variable name that looks like
// a credential: the known API key patterns (bare or prefixed), plus
// anything else whose name matches a generic credential marker.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var available []string

	add := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		available = append(available, key)
	}

	for _, pattern := range knownAPIKeyPatterns {
		if os.Getenv(pattern) != "" {
			add(pattern)
			continue
		}
		if p.prefix != "" && os.Getenv(p.prefix+pattern) != "" {
			add(pattern)
		}
	}

	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}
		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
		}
		if looksLikeCredential(key) {
			add(key)
		}
	}

	return available, nil
}

func looksLikeCredential(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range genericCredentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
