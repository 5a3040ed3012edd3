package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/acl"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/federation"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandshakeTimeout bounds how long a tunnel may remain in Handshaking
// before Auth must land (spec §5 Timeouts: "WebSocket handshake: 30 s").
const HandshakeTimeout = 30 * time.Second

// RoomEvents is the subset of federation.Nucleus the server needs: room
// lookup for sync requests and receipt of verified inbound events.
type RoomEvents interface {
	GetRoom(roomID string) (*federation.Room, bool)
	ReceiveEvent(ctx context.Context, event *federation.MatrixEvent, requireSignatures bool) error
}

// Server handles inbound federation WebSocket connections: ACL
// evaluation, the Handshake/Auth handshake, and Event/SyncRequest
// dispatch once a tunnel is Ready.
type Server struct {
	nodeID  string
	acl     *acl.ACL
	nucleus RoomEvents
	manager *Manager
	log     *logger.Logger

	requireSignatures bool
}

// NewServer constructs a federation transport server bound to this
// node's ACL and room registry.
func NewServer(nodeID string, a *acl.ACL, nucleus RoomEvents, manager *Manager, requireSignatures bool, log *logger.Logger) *Server {
	return &Server{
		nodeID:            nodeID,
		acl:               a,
		nucleus:           nucleus,
		manager:           manager,
		requireSignatures: requireSignatures,
		log:               log.WithFields(zap.String("component", "ws_server")),
	}
}

// HandleConnection upgrades an HTTP request to a federation tunnel at
// GET /federation, per spec §6's wire format.
func (s *Server) HandleConnection(c *gin.Context) {
	remoteIP := parseRemoteIP(c.Request.RemoteAddr)

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	tun := NewTunnel(uuid.NewString())
	tun.RemoteIP = remoteIP
	s.manager.Register(tun)
	defer s.manager.Unregister(tun.ID)

	var conn *Conn
	conn = NewConn(tun, wsConn, func(ctx context.Context, t *Tunnel, frame *Frame) {
		s.dispatch(ctx, t, conn, frame)
	}, s.log)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	handshakeDeadline := time.AfterFunc(HandshakeTimeout, func() {
		if tun.State() != TunnelReady {
			s.log.Warn("tunnel handshake timed out", zap.String("tunnel_id", tun.ID))
			cancel()
		}
	})
	defer handshakeDeadline.Stop()

	if err := tun.BeginHandshake(); err != nil {
		s.log.Error("tunnel state error", zap.Error(err))
		return
	}

	go conn.WritePump()
	conn.ReadPump(ctx)
}

func (s *Server) dispatch(ctx context.Context, tun *Tunnel, c *Conn, frame *Frame) {
	switch frame.Type {
	case FrameHandshake:
		s.handleHandshake(tun, c, frame)
	case FrameAuth:
		s.handleAuth(ctx, tun, c, frame)
	case FramePing:
		s.handlePing(c, frame)
	case FrameEvent:
		s.handleEvent(ctx, tun, c, frame)
	case FrameSyncRequest:
		s.handleSyncRequest(ctx, tun, c, frame)
	default:
		if !tun.CanCarryEvents() {
			c.SendFrame(errorFrame(ErrorCodeForbidden, "tunnel is not ready"))
			return
		}
		c.SendFrame(errorFrame(ErrorCodeBadRequest, "unknown frame type"))
	}
}

func (s *Server) handleHandshake(tun *Tunnel, c *Conn, frame *Frame) {
	var hs Handshake
	if err := frame.ParsePayload(&hs); err != nil {
		c.SendFrame(errorFrame(ErrorCodeBadRequest, "invalid handshake payload"))
		return
	}
	tun.PeerNodeID = hs.NodeID

	reply, _ := NewFrame(FrameHandshake, Handshake{Version: 1, NodeID: s.nodeID})
	c.SendFrame(reply)
}

func (s *Server) handleAuth(ctx context.Context, tun *Tunnel, c *Conn, frame *Frame) {
	var auth Auth
	if err := frame.ParsePayload(&auth); err != nil {
		c.SendFrame(errorFrame(ErrorCodeBadRequest, "invalid auth payload"))
		return
	}

	if err := VerifyAuth(auth, time.Now()); err != nil {
		c.SendFrame(errorFrame(ErrorCodeUnauthorized, err.Error()))
		tun.Close()
		return
	}

	decision := s.acl.Evaluate(acl.Context{DID: auth.DID, RemoteIP: tun.RemoteIP}, time.Now())
	if decision.Action == acl.ActionDeny {
		c.SendFrame(errorFrame(ErrorCodeForbidden, "peer rejected by access control policy"))
		tun.Close()
		return
	}

	if err := tun.MarkReady(auth.DID, decision.Restricted); err != nil {
		c.SendFrame(errorFrame(ErrorCodeInternalError, err.Error()))
		return
	}

	ack, _ := NewFrame(FrameAck, Ack{ID: auth.DID})
	c.SendFrame(ack)
}

func (s *Server) handlePing(c *Conn, frame *Frame) {
	var ping Ping
	_ = frame.ParsePayload(&ping)
	pong, _ := NewFrame(FramePong, Pong{ID: ping.ID})
	c.SendFrame(pong)
}

func (s *Server) handleEvent(ctx context.Context, tun *Tunnel, c *Conn, frame *Frame) {
	if !tun.CanCarryEvents() {
		c.SendFrame(errorFrame(ErrorCodeForbidden, "tunnel is not ready"))
		return
	}

	var ef EventFrame
	if err := frame.ParsePayload(&ef); err != nil {
		c.SendFrame(errorFrame(ErrorCodeBadRequest, "invalid event payload"))
		return
	}
	var event federation.MatrixEvent
	if err := json.Unmarshal(ef.Event, &event); err != nil {
		c.SendFrame(errorFrame(ErrorCodeBadRequest, "invalid event body"))
		return
	}

	if tun.Restricted {
		// Quarantined peers may forward data but their events are not
		// replicated into local room state (spec §4.4 access control).
		ack, _ := NewFrame(FrameAck, Ack{ID: event.EventID})
		c.SendFrame(ack)
		return
	}

	if err := s.nucleus.ReceiveEvent(ctx, &event, s.requireSignatures); err != nil {
		s.log.Warn("rejected inbound federation event", zap.String("event_id", event.EventID), zap.Error(err))
		c.SendFrame(errorFrame(ErrorCodeBadRequest, err.Error()))
		return
	}

	ack, _ := NewFrame(FrameAck, Ack{ID: event.EventID})
	c.SendFrame(ack)
}

func (s *Server) handleSyncRequest(ctx context.Context, tun *Tunnel, c *Conn, frame *Frame) {
	if !tun.CanCarryEvents() {
		c.SendFrame(errorFrame(ErrorCodeForbidden, "tunnel is not ready"))
		return
	}

	var req SyncRequest
	if err := frame.ParsePayload(&req); err != nil {
		c.SendFrame(errorFrame(ErrorCodeBadRequest, "invalid sync_request payload"))
		return
	}

	room, ok := s.nucleus.GetRoom(req.RoomID)
	if !ok {
		c.SendFrame(errorFrame(ErrorCodeNotFound, "unknown room"))
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	events, hasMore, nextBatch := room.EventsSince(req.SinceEventID, limit)

	filtered := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		if !req.MatchesFilter(event.EventType, event.Sender) {
			continue
		}
		raw, err := json.Marshal(event)
		if err != nil {
			continue
		}
		filtered = append(filtered, raw)
	}

	resp, _ := NewFrame(FrameSyncResponse, SyncResponse{
		RoomID:    req.RoomID,
		Events:    filtered,
		HasMore:   hasMore,
		NextBatch: nextBatch,
	})
	c.SendFrame(resp)
}

func parseRemoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.ParseIP(addr)
	}
	return net.ParseIP(host)
}
