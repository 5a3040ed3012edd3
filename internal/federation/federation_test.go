package federation

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/eventbus"
	"github.com/cisnet/cis/internal/identity"
	"github.com/cisnet/cis/internal/syncqueue"
)

func newNucleus(t *testing.T) (*Nucleus, *identity.NodeIdentity) {
	t.Helper()
	node, err := identity.New("node-a")
	require.NoError(t, err)

	bus := eventbus.NewMemoryBus(logger.Default())
	queue := syncqueue.New(syncqueue.DefaultConfig(), logger.Default())

	resolver := newIdentityResolver()
	resolver.add(node)

	n := New(node, bus, queue, &fakePeerDirectory{}, resolver, logger.Default())
	return n, node
}

// identityResolver resolves DIDs to their NodeIdentity's public key.
type identityResolver struct {
	byDID map[string]*identity.NodeIdentity
}

func newIdentityResolver() *identityResolver {
	return &identityResolver{byDID: make(map[string]*identity.NodeIdentity)}
}
func (r *identityResolver) add(n *identity.NodeIdentity) { r.byDID[n.DID] = n }
func (r *identityResolver) Resolve(did string) (ed25519.PublicKey, bool) {
	n, ok := r.byDID[did]
	if !ok {
		return nil, false
	}
	return n.VerifyingKey, true
}

type fakePeerDirectory struct{ peers []string }

func (f *fakePeerDirectory) PeersForRoom(roomID string) []string { return f.peers }

func TestCreateRoomLocalOnly(t *testing.T) {
	n, _ := newNucleus(t)

	room, err := n.CreateRoom(context.Background(), "!abc:node-a", RoomOptions{Creator: "@alice:node-a"})
	require.NoError(t, err)
	assert.True(t, room.HasMember("@alice:node-a"))
	assert.False(t, room.Federate)
}

func TestCreateRoomRejectsDuplicateRoomID(t *testing.T) {
	n, _ := newNucleus(t)
	_, err := n.CreateRoom(context.Background(), "!abc:node-a", RoomOptions{})
	require.NoError(t, err)

	_, err = n.CreateRoom(context.Background(), "!abc:node-a", RoomOptions{})
	assert.Error(t, err)
}

func TestCreateRoomRejectsMalformedRoomID(t *testing.T) {
	n, _ := newNucleus(t)
	_, err := n.CreateRoom(context.Background(), "not-a-room-id", RoomOptions{})
	assert.Error(t, err)
}

func TestSendEventAssignsIDAndPersists(t *testing.T) {
	n, _ := newNucleus(t)
	_, err := n.CreateRoom(context.Background(), "!abc:node-a", RoomOptions{Creator: "@alice:node-a"})
	require.NoError(t, err)

	event, err := n.SendEvent(context.Background(), "!abc:node-a", "@alice:node-a", "m.room.message", map[string]interface{}{"body": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "$", event.EventID[:1])

	events, hasMore, _ := (func() (_ []*MatrixEvent, _ bool, _ string) {
		room, _ := n.GetRoom("!abc:node-a")
		return room.EventsSince("", 10)
	})()
	require.Len(t, events, 1)
	assert.False(t, hasMore)
}

func TestSignAndVerifyEventRoundTrip(t *testing.T) {
	n, node := newNucleus(t)

	event := &MatrixEvent{
		EventID:   NewEventID(),
		RoomID:    "!abc:node-a",
		Sender:    node.DID,
		EventType: "m.room.message",
		Content:   map[string]interface{}{"body": "hi"},
		Timestamp: time.Now().UTC(),
		Federated: true,
	}
	SignEvent(node, event)

	err := VerifyEventSignature(n.resolver, event, true)
	assert.NoError(t, err)
}

func TestVerifyEventSignatureRejectsUnresolvableSender(t *testing.T) {
	n, node := newNucleus(t)

	event := &MatrixEvent{
		EventID:   NewEventID(),
		RoomID:    "!abc:node-a",
		Sender:    "did:cis:unknown-node:deadbeef",
		EventType: "m.room.message",
		Content:   map[string]interface{}{"body": "hi"},
		Timestamp: time.Now().UTC(),
		Federated: true,
	}
	SignEvent(node, event)

	err := VerifyEventSignature(n.resolver, event, true)
	assert.Error(t, err)
}

func TestVerifyEventSignatureSkipsNonFederated(t *testing.T) {
	n, _ := newNucleus(t)
	event := &MatrixEvent{EventID: NewEventID(), Federated: false}
	assert.NoError(t, VerifyEventSignature(n.resolver, event, true))
}

func TestVerifyEventSignatureRejectsTamperedContent(t *testing.T) {
	n, node := newNucleus(t)

	event := &MatrixEvent{
		EventID:   NewEventID(),
		RoomID:    "!abc:node-a",
		Sender:    node.DID,
		EventType: "m.room.message",
		Content:   map[string]interface{}{"body": "hi"},
		Timestamp: time.Now().UTC(),
		Federated: true,
	}
	SignEvent(node, event)
	event.Content["body"] = "tampered"

	err := VerifyEventSignature(n.resolver, event, true)
	assert.Error(t, err)
}

func TestJoinRoomQueriesRemoteWhenUnknown(t *testing.T) {
	n, _ := newNucleus(t)

	remote := &fakeRemoteQuerier{
		state: &RoomState{RoomID: "!remote:peer", Members: map[string]struct{}{"@bob:peer": {}}},
		history: []*MatrixEvent{
			{EventID: "$1", RoomID: "!remote:peer", EventType: "m.room.message"},
		},
	}

	err := n.JoinRoom(context.Background(), "!remote:peer", "@alice:node-a", remote, "peer-node")
	require.NoError(t, err)

	room, ok := n.GetRoom("!remote:peer")
	require.True(t, ok)
	assert.True(t, room.HasMember("@alice:node-a"))
	assert.True(t, room.HasMember("@bob:peer"))

	events, _, _ := room.EventsSince("", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "$1", events[0].EventID)
}

type fakeRemoteQuerier struct {
	state   *RoomState
	history []*MatrixEvent
}

func (f *fakeRemoteQuerier) QueryRoomInfo(ctx context.Context, peerNode, roomID string) (*RoomState, []*MatrixEvent, error) {
	return f.state, f.history, nil
}
