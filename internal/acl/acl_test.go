package acl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhitelistRoundTrip(t *testing.T) {
	audit := NewAuditLog()
	a := New(Document{Mode: ModeWhitelist}, nil, audit)

	now := time.Now().UTC()
	expires := now.Add(1 * time.Millisecond)
	a.Allow("did:cis:alice:aaaaaaaaaaaaaaaa", "admin", "", &expires, now)

	decision := a.Evaluate(Context{DID: "did:cis:alice:aaaaaaaaaaaaaaaa"}, now)
	assert.Equal(t, ActionAllow, decision.Action)

	removed := a.CleanupExpired(now.Add(2 * time.Millisecond))
	require.Len(t, removed, 1)
	assert.Equal(t, "did:cis:alice:aaaaaaaaaaaaaaaa", removed[0])

	records := audit.List(0, "")
	var adds, removes int
	for _, r := range records {
		switch r.EventType {
		case "whitelist_add":
			adds++
		case "whitelist_remove":
			removes++
		}
	}
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
}

func TestRuleEnginePrecedence(t *testing.T) {
	a := New(Document{Mode: ModeOpen}, []Rule{
		{ID: "r1", Priority: 10, Action: ActionDeny, DIDGlob: "did:cis:evil:*", Enabled: true},
		{ID: "r2", Priority: 20, Action: ActionAllow, DIDGlob: "*", Enabled: true},
	}, NewAuditLog())

	decision := a.Evaluate(Context{DID: "did:cis:evil:1234"}, time.Now())
	assert.Equal(t, ActionDeny, decision.Action)
	assert.Equal(t, "r1", decision.Rule)
}

func TestModeDefaults(t *testing.T) {
	now := time.Now()
	cases := []struct {
		mode     Mode
		did      string
		expected Action
	}{
		{ModeSolitary, "did:cis:anyone:0000000000000000", ActionDeny},
		{ModeOpen, "did:cis:anyone:0000000000000000", ActionAllow},
	}
	for _, c := range cases {
		a := New(Document{Mode: c.mode}, nil, NewAuditLog())
		decision := a.Evaluate(Context{DID: c.did}, now)
		assert.Equal(t, c.expected, decision.Action, c.mode)
	}
}

func TestCleanupExpiredIdempotent(t *testing.T) {
	a := New(Document{Mode: ModeWhitelist}, nil, NewAuditLog())
	now := time.Now()
	past := now.Add(-time.Hour)
	a.Allow("did:cis:bob:bbbbbbbbbbbbbbbb", "admin", "", &past, now)

	first := a.CleanupExpired(now)
	second := a.CleanupExpired(now)
	assert.Len(t, first, 1)
	assert.Len(t, second, 0)
}

func TestQuarantineModeRestricted(t *testing.T) {
	a := New(Document{Mode: ModeQuarantine}, nil, NewAuditLog())
	decision := a.Evaluate(Context{DID: "did:cis:someone:0000000000000000"}, time.Now())
	assert.Equal(t, ActionQuarantine, decision.Action)
	assert.True(t, decision.Restricted)
}
