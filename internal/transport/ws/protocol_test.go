package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripsPayload(t *testing.T) {
	frame, err := NewFrame(FrameHandshake, Handshake{Version: 1, NodeID: "node-a"})
	require.NoError(t, err)

	var hs Handshake
	require.NoError(t, frame.ParsePayload(&hs))
	assert.Equal(t, 1, hs.Version)
	assert.Equal(t, "node-a", hs.NodeID)
}

func TestSyncRequestMatchesFilterAllowList(t *testing.T) {
	req := &SyncRequest{AllowTypes: []string{"m.room.message"}}
	assert.True(t, req.MatchesFilter("m.room.message", "@alice:node-a"))
	assert.False(t, req.MatchesFilter("m.room.member", "@alice:node-a"))
}

func TestSyncRequestMatchesFilterDenyListOverridesAllow(t *testing.T) {
	req := &SyncRequest{AllowTypes: []string{"m.room.message"}, DenyTypes: []string{"m.room.message"}}
	assert.False(t, req.MatchesFilter("m.room.message", "@alice:node-a"))
}

func TestSyncRequestMatchesFilterAllowSenders(t *testing.T) {
	req := &SyncRequest{AllowSenders: []string{"@alice:node-a"}}
	assert.True(t, req.MatchesFilter("m.room.message", "@alice:node-a"))
	assert.False(t, req.MatchesFilter("m.room.message", "@bob:node-a"))
}

func TestSyncRequestMatchesFilterNoConstraintsAllowsEverything(t *testing.T) {
	req := &SyncRequest{}
	assert.True(t, req.MatchesFilter("anything", "@anyone:node-a"))
}
