// Package identity implements Node Identity & DID: Ed25519 keypair
// generation, the `did:cis:<node>:<pubkey-prefix>` string format, and
// sign/verify primitives used by the federation nucleus.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// PrefixLen is the number of hex characters of the public key carried in
// the DID's trailing segment.
const PrefixLen = 16

// NodeIdentity bundles a node's DID with its Ed25519 keypair.
type NodeIdentity struct {
	DID         string
	NodeID      string
	SigningKey  ed25519.PrivateKey
	VerifyingKey ed25519.PublicKey
}

// New generates a fresh Ed25519 keypair and derives its DID for nodeID.
func New(nodeID string) (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindIdentity, "failed to generate ed25519 keypair", err)
	}
	return &NodeIdentity{
		DID:          formatDID(nodeID, pub),
		NodeID:       nodeID,
		SigningKey:   priv,
		VerifyingKey: pub,
	}, nil
}

// FromKey derives a NodeIdentity from an existing private key, e.g. loaded
// from persisted configuration.
func FromKey(nodeID string, priv ed25519.PrivateKey) (*NodeIdentity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, cerrors.InvalidInput("signing_key", "not a valid ed25519 private key")
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &NodeIdentity{
		DID:          formatDID(nodeID, pub),
		NodeID:       nodeID,
		SigningKey:   priv,
		VerifyingKey: pub,
	}, nil
}

func formatDID(nodeID string, pub ed25519.PublicKey) string {
	prefix := hex.EncodeToString(pub)
	if len(prefix) > PrefixLen {
		prefix = prefix[:PrefixLen]
	}
	return fmt.Sprintf("did:cis:%s:%s", nodeID, prefix)
}

// Sign produces a hex-encoded Ed25519 signature over data.
func (n *NodeIdentity) Sign(data []byte) string {
	sig := ed25519.Sign(n.SigningKey, data)
	return hex.EncodeToString(sig)
}

// ParsedDID is a decomposed `did:cis:<node>:<pubkey-prefix>` string.
type ParsedDID struct {
	NodeID       string
	PubKeyPrefix string
}

// Parse validates and decomposes a DID string.
func Parse(did string) (*ParsedDID, error) {
	parts := strings.Split(did, ":")
	if len(parts) != 4 || parts[0] != "did" || parts[1] != "cis" {
		return nil, cerrors.InvalidInput("did", fmt.Sprintf("malformed DID %q, expected did:cis:<node>:<pubkey-prefix>", did))
	}
	if parts[2] == "" || parts[3] == "" {
		return nil, cerrors.InvalidInput("did", fmt.Sprintf("malformed DID %q: empty node or prefix segment", did))
	}
	if _, err := hex.DecodeString(parts[3]); err != nil {
		return nil, cerrors.InvalidInput("did", fmt.Sprintf("malformed DID %q: pubkey prefix is not hex", did))
	}
	return &ParsedDID{NodeID: parts[2], PubKeyPrefix: parts[3]}, nil
}

// PrefixMatchesKey reports whether the DID's public-key prefix is the
// leading hex encoding of pub, per the NodeIdentity invariant in spec §3.
func (p *ParsedDID) PrefixMatchesKey(pub ed25519.PublicKey) bool {
	full := hex.EncodeToString(pub)
	if len(full) < len(p.PubKeyPrefix) {
		return false
	}
	return full[:len(p.PubKeyPrefix)] == p.PubKeyPrefix
}

// VerifySignature verifies a hex-encoded Ed25519 signature over data
// against pub.
func VerifySignature(pub ed25519.PublicKey, data []byte, hexSig string) bool {
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Resolver looks up the verifying key for a known DID. The daemon's
// implementation is federation.Registry, the file-backed peer registry.
type Resolver interface {
	Resolve(did string) (ed25519.PublicKey, bool)
}
