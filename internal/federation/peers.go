package federation

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// PeerEntry is one known remote node: its DID, full verifying key (a DID
// only carries a truncated prefix, per identity.ParsedDID), and the rooms
// it participates in.
type PeerEntry struct {
	DID       string   `yaml:"did"`
	PublicKey string   `yaml:"public_key"` // hex-encoded ed25519.PublicKey
	Rooms     []string `yaml:"rooms"`
}

type peersFile struct {
	Peers []PeerEntry `yaml:"peers"`
}

// Registry is a file-backed PeerDirectory and identity.Resolver: the set
// of remote nodes this node trusts, keyed by DID. It is populated from
// the peer registry file; it changes only through Add and Remove, and
// joining a room does not add to it.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]PeerEntry
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]PeerEntry)}
}

// LoadRegistry reads a peer registry from path, yielding an empty one if
// the file does not yet exist.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStorage, "failed to read peer registry", err)
	}
	var f peersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cerrors.Wrap(cerrors.KindStorage, "failed to parse peer registry", err)
	}
	r := NewRegistry()
	for _, p := range f.Peers {
		r.peers[p.DID] = p
	}
	return r, nil
}

// Save persists the registry to path, 0600 since it names peer keys.
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	entries := make([]PeerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		entries = append(entries, p)
	}
	r.mu.RUnlock()

	data, err := yaml.Marshal(peersFile{Peers: entries})
	if err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "failed to marshal peer registry", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "failed to write peer registry", err)
	}
	return nil
}

// Add registers or updates a peer's full verifying key and room set.
func (r *Registry) Add(did string, pub ed25519.PublicKey, rooms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[did] = PeerEntry{DID: did, PublicKey: hex.EncodeToString(pub), Rooms: rooms}
}

// Remove drops a peer from the registry.
func (r *Registry) Remove(did string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, did)
}

// Resolve implements identity.Resolver: it looks up a known DID's full
// verifying key.
func (r *Registry) Resolve(did string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	entry, ok := r.peers[did]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	pub, err := hex.DecodeString(entry.PublicKey)
	if err != nil {
		return nil, false
	}
	return ed25519.PublicKey(pub), true
}

// PeersForRoom implements PeerDirectory: every known DID that lists
// roomID among its rooms.
func (r *Registry) PeersForRoom(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for did, p := range r.peers {
		for _, room := range p.Rooms {
			if room == roomID {
				out = append(out, did)
				break
			}
		}
	}
	return out
}
