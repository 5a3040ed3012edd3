package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunnelLifecycleConnectingToReady(t *testing.T) {
	tun := NewTunnel("tun-1")
	assert.Equal(t, TunnelConnecting, tun.State())
	assert.False(t, tun.CanCarryEvents())

	require.NoError(t, tun.BeginHandshake())
	assert.Equal(t, TunnelHandshaking, tun.State())
	assert.False(t, tun.CanCarryEvents())

	require.NoError(t, tun.MarkReady("did:cis:node-b:abc123", false))
	assert.Equal(t, TunnelReady, tun.State())
	assert.True(t, tun.CanCarryEvents())
}

func TestTunnelRejectsSkippingHandshake(t *testing.T) {
	tun := NewTunnel("tun-1")
	err := tun.MarkReady("did:cis:node-b:abc123", false)
	assert.Error(t, err)
}

func TestTunnelRejectsDoubleHandshake(t *testing.T) {
	tun := NewTunnel("tun-1")
	require.NoError(t, tun.BeginHandshake())
	assert.Error(t, tun.BeginHandshake())
}

func TestTunnelCloseFromAnyState(t *testing.T) {
	tun := NewTunnel("tun-1")
	tun.Close()
	assert.Equal(t, TunnelClosed, tun.State())
	assert.False(t, tun.CanCarryEvents())
}

func TestManagerRegisterAndLookup(t *testing.T) {
	m := NewManager()
	tun := NewTunnel("tun-1")
	tun.PeerNodeID = "node-b"
	m.Register(tun)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get("tun-1")
	require.True(t, ok)
	assert.Equal(t, tun, got)

	_, ok = m.TunnelForPeer("node-b")
	assert.False(t, ok, "not ready yet, should not be returned")

	require.NoError(t, tun.BeginHandshake())
	require.NoError(t, tun.MarkReady("did:cis:node-b:abc123", false))

	got, ok = m.TunnelForPeer("node-b")
	require.True(t, ok)
	assert.Equal(t, tun, got)

	m.Unregister("tun-1")
	assert.Equal(t, 0, m.Count())
}
