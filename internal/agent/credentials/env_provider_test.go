package credentials

import (
	"context"
	"testing"
)

func TestEnvProviderGetCredentialExactMatch(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")

	p := NewEnvProvider("")
	cred, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if cred.Value != "sk-test-123" {
		t.Errorf("expected sk-test-123, got %s", cred.Value)
	}
	if cred.Source != "environment" {
		t.Errorf("expected source environment, got %s", cred.Source)
	}
}

func TestEnvProviderGetCredentialPrefixed(t *testing.T) {
	t.Setenv("CIS_OPENAI_API_KEY", "sk-prefixed")

	p := NewEnvProvider("CIS_")
	cred, err := p.GetCredential(context.Background(), "OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if cred.Value != "sk-prefixed" {
		t.Errorf("expected sk-prefixed, got %s", cred.Value)
	}
}

func TestEnvProviderGetCredentialMissing(t *testing.T) {
	p := NewEnvProvider("")
	if _, err := p.GetCredential(context.Background(), "DEFINITELY_NOT_SET_KEY"); err == nil {
		t.Error("expected an error for a missing credential")
	}
}

func TestEnvProviderListAvailableKnownPattern(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	p := NewEnvProvider("")
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if !containsKey(keys, "GITHUB_TOKEN") {
		t.Errorf("expected GITHUB_TOKEN in %v", keys)
	}
}

func TestEnvProviderListAvailableGenericMarker(t *testing.T) {
	t.Setenv("MY_CUSTOM_API_KEY", "custom-value")

	p := NewEnvProvider("")
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if !containsKey(keys, "MY_CUSTOM_API_KEY") {
		t.Errorf("expected MY_CUSTOM_API_KEY in %v", keys)
	}
}

func TestEnvProviderListAvailableNoDuplicates(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	p := NewEnvProvider("")
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}

	count := 0
	for _, k := range keys {
		if k == "GITHUB_TOKEN" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected GITHUB_TOKEN exactly once, got %d", count)
	}
}

func TestEnvProviderListAvailableStripsPrefix(t *testing.T) {
	t.Setenv("CIS_SOME_API_KEY", "value")

	p := NewEnvProvider("CIS_")
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if !containsKey(keys, "SOME_API_KEY") {
		t.Errorf("expected prefix-stripped SOME_API_KEY in %v", keys)
	}
}

func containsKey(keys []string, target string) bool {
	for _, k := range keys {
		if k == target {
			return true
		}
	}
	return false
}
