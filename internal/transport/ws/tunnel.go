package ws

import (
	"net"
	"sync"
)

// TunnelState is a tunnel's position in its handshake lifecycle.
type TunnelState string

const (
	TunnelConnecting  TunnelState = "connecting"
	TunnelHandshaking TunnelState = "handshaking"
	TunnelReady       TunnelState = "ready"
	TunnelClosed      TunnelState = "closed"
)

// Tunnel is a live WebSocket connection plus its protocol state. Only a
// Ready tunnel may carry Event frames (spec §4.4).
type Tunnel struct {
	ID         string
	PeerNodeID string
	PeerDID    string
	RemoteIP   net.IP
	Restricted bool // true for quarantined peers: forward data, deny state replication

	mu    sync.RWMutex
	state TunnelState
}

// NewTunnel constructs a tunnel in the Connecting state.
func NewTunnel(id string) *Tunnel {
	return &Tunnel{ID: id, state: TunnelConnecting}
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() TunnelState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// BeginHandshake transitions Connecting -> Handshaking.
func (t *Tunnel) BeginHandshake() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TunnelConnecting {
		return errInvalidTransition(t.state, TunnelHandshaking)
	}
	t.state = TunnelHandshaking
	return nil
}

// MarkReady transitions Handshaking -> Ready, recording the
// authenticated peer identity and any ACL restriction.
func (t *Tunnel) MarkReady(peerDID string, restricted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TunnelHandshaking {
		return errInvalidTransition(t.state, TunnelReady)
	}
	t.PeerDID = peerDID
	t.Restricted = restricted
	t.state = TunnelReady
	return nil
}

// CanCarryEvents reports whether the tunnel is Ready.
func (t *Tunnel) CanCarryEvents() bool {
	return t.State() == TunnelReady
}

// Close transitions to Closed from any state.
func (t *Tunnel) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TunnelClosed
}

func errInvalidTransition(from, to TunnelState) error {
	return &tunnelStateError{from: from, to: to}
}

type tunnelStateError struct {
	from, to TunnelState
}

func (e *tunnelStateError) Error() string {
	return "invalid tunnel transition from " + string(e.from) + " to " + string(e.to)
}

// Manager tracks live tunnels keyed by id, so the transport can route
// outgoing events to the right peer connections.
type Manager struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// NewManager constructs an empty tunnel manager.
func NewManager() *Manager {
	return &Manager{tunnels: make(map[string]*Tunnel)}
}

// Register adds a tunnel to the manager.
func (m *Manager) Register(t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[t.ID] = t
}

// Unregister removes a tunnel from the manager.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, id)
}

// Get returns the tunnel for id, if registered.
func (m *Manager) Get(id string) (*Tunnel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// TunnelForPeer returns the first Ready tunnel bound to peerNodeID, if any.
func (m *Manager) TunnelForPeer(peerNodeID string) (*Tunnel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tunnels {
		if t.PeerNodeID == peerNodeID && t.CanCarryEvents() {
			return t, true
		}
	}
	return nil, false
}

// Count returns the number of registered tunnels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tunnels)
}
