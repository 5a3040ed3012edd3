package ws

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/acl"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/eventbus"
	"github.com/cisnet/cis/internal/federation"
	"github.com/cisnet/cis/internal/identity"
	"github.com/cisnet/cis/internal/syncqueue"
)

type resolverStub struct{ nodes map[string]*identity.NodeIdentity }

func (r *resolverStub) Resolve(did string) (ed25519.PublicKey, bool) {
	n, ok := r.nodes[did]
	if !ok {
		return nil, false
	}
	return n.VerifyingKey, true
}

type peerDirectoryStub struct{}

func (peerDirectoryStub) PeersForRoom(roomID string) []string { return nil }

func startTestServer(t *testing.T, a *acl.ACL) (string, *federation.Nucleus, *identity.NodeIdentity) {
	t.Helper()

	node, err := identity.New("node-a")
	require.NoError(t, err)

	bus := eventbus.NewMemoryBus(logger.Default())
	queue := syncqueue.New(syncqueue.DefaultConfig(), logger.Default())
	resolver := &resolverStub{nodes: map[string]*identity.NodeIdentity{}}
	nucleus := federation.New(node, bus, queue, peerDirectoryStub{}, resolver, logger.Default())

	manager := NewManager()
	srv := NewServer(node.NodeID, a, nucleus, manager, true, logger.Default())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/federation", srv.HandleConnection)

	httpSrv := httptest.NewServer(r)
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/federation"
	return wsURL, nucleus, node
}

func dialAndHandshake(t *testing.T, wsURL string, peer *identity.NodeIdentity) *gorillaws.Conn {
	t.Helper()

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hsFrame, err := NewFrame(FrameHandshake, Handshake{Version: 1, NodeID: peer.NodeID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(hsFrame))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, FrameHandshake, reply.Type)

	now := time.Now()
	ts := now.Unix()
	sig := peer.Sign([]byte(fmt.Sprintf("%s:%d", peer.DID, ts)))
	authFrame, err := NewFrame(FrameAuth, Auth{
		DID:               peer.DID,
		ChallengeResponse: sig,
		PublicKey:         hex.EncodeToString(peer.VerifyingKey),
		Timestamp:         ts,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(authFrame))

	var ack Frame
	require.NoError(t, conn.ReadJSON(&ack))
	return conn
}

func TestServerHandshakeAuthAckFlow(t *testing.T) {
	a := acl.New(acl.Document{Mode: acl.ModeOpen}, nil, acl.NewAuditLog())
	wsURL, _, _ := startTestServer(t, a)

	peer, err := identity.New("node-b")
	require.NoError(t, err)

	conn := dialAndHandshake(t, wsURL, peer)
	defer conn.Close()
}

func TestServerRejectsAuthWhenSolitary(t *testing.T) {
	a := acl.New(acl.Document{Mode: acl.ModeSolitary}, nil, acl.NewAuditLog())
	wsURL, _, _ := startTestServer(t, a)

	peer, err := identity.New("node-b")
	require.NoError(t, err)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hsFrame, _ := NewFrame(FrameHandshake, Handshake{Version: 1, NodeID: peer.NodeID})
	require.NoError(t, conn.WriteJSON(hsFrame))
	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))

	now := time.Now()
	ts := now.Unix()
	sig := peer.Sign([]byte(fmt.Sprintf("%s:%d", peer.DID, ts)))
	authFrame, _ := NewFrame(FrameAuth, Auth{
		DID:               peer.DID,
		ChallengeResponse: sig,
		PublicKey:         hex.EncodeToString(peer.VerifyingKey),
		Timestamp:         ts,
	})
	require.NoError(t, conn.WriteJSON(authFrame))

	var errFrame Frame
	require.NoError(t, conn.ReadJSON(&errFrame))
	require.Equal(t, FrameError, errFrame.Type)

	var ef ErrorFrame
	require.NoError(t, errFrame.ParsePayload(&ef))
	require.Equal(t, ErrorCodeForbidden, ef.Code)
}

func TestServerPingPong(t *testing.T) {
	a := acl.New(acl.Document{Mode: acl.ModeOpen}, nil, acl.NewAuditLog())
	wsURL, _, _ := startTestServer(t, a)

	peer, err := identity.New("node-b")
	require.NoError(t, err)
	conn := dialAndHandshake(t, wsURL, peer)
	defer conn.Close()

	pingFrame, _ := NewFrame(FramePing, Ping{ID: "ping-1"})
	require.NoError(t, conn.WriteJSON(pingFrame))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, FramePong, reply.Type)

	var pong Pong
	require.NoError(t, reply.ParsePayload(&pong))
	require.Equal(t, "ping-1", pong.ID)
}

func TestServerRejectsEventFromUnresolvedSender(t *testing.T) {
	a := acl.New(acl.Document{Mode: acl.ModeOpen}, nil, acl.NewAuditLog())
	wsURL, nucleus, localNode := startTestServer(t, a)

	peer, err := identity.New("node-b")
	require.NoError(t, err)

	_, err = nucleus.CreateRoom(context.Background(), "!abc:node-a", federation.RoomOptions{Creator: localNode.DID, Federate: true})
	require.NoError(t, err)

	conn := dialAndHandshake(t, wsURL, peer)
	defer conn.Close()

	event := &federation.MatrixEvent{
		EventID:   federation.NewEventID(),
		RoomID:    "!abc:node-a",
		Sender:    peer.DID,
		EventType: "m.room.message",
		Content:   map[string]interface{}{"body": "hello"},
		Timestamp: time.Now().UTC(),
		Federated: true,
	}
	federation.SignEvent(peer, event)

	// the server's resolver stub has no entry for peer.DID, so signature
	// verification fails and the event is rejected with an error frame.
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	eventFrame, err := NewFrame(FrameEvent, EventFrame{RoomID: event.RoomID, Event: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(eventFrame))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, FrameError, reply.Type)
}

func TestServerSyncRequestReturnsHistoryForKnownRoom(t *testing.T) {
	a := acl.New(acl.Document{Mode: acl.ModeOpen}, nil, acl.NewAuditLog())
	wsURL, nucleus, localNode := startTestServer(t, a)

	room, err := nucleus.CreateRoom(context.Background(), "!abc:node-a", federation.RoomOptions{Creator: localNode.DID})
	require.NoError(t, err)
	_, err = nucleus.SendEvent(context.Background(), room.RoomID, localNode.DID, "m.room.message", map[string]interface{}{"body": "hi"})
	require.NoError(t, err)

	peer, err := identity.New("node-b")
	require.NoError(t, err)
	conn := dialAndHandshake(t, wsURL, peer)
	defer conn.Close()

	reqFrame, _ := NewFrame(FrameSyncRequest, SyncRequest{RoomID: room.RoomID, Limit: 10})
	require.NoError(t, conn.WriteJSON(reqFrame))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, FrameSyncResponse, reply.Type)

	var resp SyncResponse
	require.NoError(t, reply.ParsePayload(&resp))
	require.Len(t, resp.Events, 1)
	require.False(t, resp.HasMore)
}
