package federation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/eventbus"
	"github.com/cisnet/cis/internal/identity"
	"github.com/cisnet/cis/internal/syncqueue"
)

// PeerDirectory resolves which remote nodes participate in a room, so
// Nucleus knows who to enqueue SyncTasks for.
type PeerDirectory interface {
	PeersForRoom(roomID string) []string
}

// Nucleus is the Federation Nucleus: the room registry plus the
// create/join/send contract from spec §4.4, wired to the local event
// bus (fan-out to subscribers) and the sync queue (fan-out to peers).
type Nucleus struct {
	node     *identity.NodeIdentity
	bus      eventbus.Bus
	queue    *syncqueue.Queue
	peers    PeerDirectory
	resolver identity.Resolver
	log      *logger.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// New constructs a Nucleus bound to this node's identity, its local
// event bus, its outgoing sync queue, and a peer directory for routing.
func New(node *identity.NodeIdentity, bus eventbus.Bus, queue *syncqueue.Queue, peers PeerDirectory, resolver identity.Resolver, log *logger.Logger) *Nucleus {
	return &Nucleus{
		node:     node,
		bus:      bus,
		queue:    queue,
		peers:    peers,
		resolver: resolver,
		log:      log.WithFields(zap.String("component", "federation_nucleus")),
		rooms:    make(map[string]*Room),
	}
}

// CreateRoom registers a new room and, if opts.Federate, broadcasts an
// m.room.create event to the room's peers.
func (n *Nucleus) CreateRoom(ctx context.Context, roomID string, opts RoomOptions) (*Room, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	n.mu.Lock()
	if _, exists := n.rooms[roomID]; exists {
		n.mu.Unlock()
		return nil, cerrors.AlreadyExists("room", roomID)
	}
	room := newRoom(roomID, opts)
	n.rooms[roomID] = room
	n.mu.Unlock()

	if opts.Federate {
		if _, err := n.SendEvent(ctx, roomID, opts.Creator, "m.room.create", map[string]interface{}{
			"creator": opts.Creator,
		}); err != nil {
			n.log.Warn("failed to broadcast room creation", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return room, nil
}

// GetRoom returns a registered room.
func (n *Nucleus) GetRoom(roomID string) (*Room, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.rooms[roomID]
	return r, ok
}

// RemoteRoomQuerier fetches a room's current state from a peer, used by
// JoinRoom when the room is not known locally.
type RemoteRoomQuerier interface {
	QueryRoomInfo(ctx context.Context, peerNode, roomID string) (*RoomState, []*MatrixEvent, error)
}

// JoinRoom joins userID to roomID. For a room not already known
// locally, it first queries a peer for RoomInfo and replays the
// returned history before performing the local join, per spec §4.4.
func (n *Nucleus) JoinRoom(ctx context.Context, roomID, userID string, remote RemoteRoomQuerier, peerNode string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	n.mu.Lock()
	room, exists := n.rooms[roomID]
	n.mu.Unlock()

	if !exists {
		if remote == nil {
			return cerrors.NotFound("room", roomID)
		}
		state, history, err := remote.QueryRoomInfo(ctx, peerNode, roomID)
		if err != nil {
			return cerrors.Wrap(cerrors.KindP2P, fmt.Sprintf("query room info for %s from %s", roomID, peerNode), err)
		}
		room = newRoom(roomID, RoomOptions{Federate: true})
		for member := range state.Members {
			room.AddMember(member)
		}
		for _, event := range history {
			room.appendEvent(event)
		}
		n.mu.Lock()
		n.rooms[roomID] = room
		n.mu.Unlock()
	}

	room.AddMember(userID)
	return nil
}

// SendEvent assigns an event id, persists it to the room's timeline,
// fans it out to local subscribers, and — if the room is federated —
// enqueues a SyncTask per peer with a priority derived from event type.
func (n *Nucleus) SendEvent(ctx context.Context, roomID, sender, eventType string, content map[string]interface{}) (*MatrixEvent, error) {
	room, ok := n.GetRoom(roomID)
	if !ok {
		return nil, cerrors.NotFound("room", roomID)
	}

	event := &MatrixEvent{
		EventID:   NewEventID(),
		RoomID:    roomID,
		Sender:    sender,
		EventType: eventType,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Federated: room.Federate,
	}
	if room.Federate {
		event.OriginNode = n.node.NodeID
		SignEvent(n.node, event)
	}

	room.appendEvent(event)

	if n.bus != nil {
		if err := n.bus.Publish(ctx, eventbus.SubjectFederationPrefix+".room."+roomID, eventbus.NewEvent(eventType, sender, content)); err != nil {
			n.log.Warn("failed to publish room event to local bus", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	if room.Federate && n.queue != nil && n.peers != nil {
		priority := syncqueue.PriorityForEventType(eventType)
		for _, peer := range n.peers.PeersForRoom(roomID) {
			task := &syncqueue.SyncTask{TargetNode: peer, Event: event, Priority: priority}
			if err := n.queue.Enqueue(task); err != nil {
				n.log.Warn("failed to enqueue sync task", zap.String("room_id", roomID), zap.String("peer", peer), zap.Error(err))
			}
		}
	}

	return event, nil
}

// ReceiveEvent verifies and appends an incoming federated event to its
// room, per spec §4.4's verify-then-store contract.
func (n *Nucleus) ReceiveEvent(ctx context.Context, event *MatrixEvent, requireSignatures bool) error {
	if err := VerifyEventSignature(n.resolver, event, requireSignatures); err != nil {
		return err
	}

	n.mu.Lock()
	room, exists := n.rooms[event.RoomID]
	if !exists {
		room = newRoom(event.RoomID, RoomOptions{Federate: true})
		n.rooms[event.RoomID] = room
	}
	n.mu.Unlock()

	room.appendEvent(event)

	if n.bus != nil {
		if err := n.bus.Publish(ctx, eventbus.SubjectFederationPrefix+".room."+event.RoomID, eventbus.NewEvent(event.EventType, event.Sender, event.Content)); err != nil {
			n.log.Warn("failed to publish received event to local bus", zap.String("room_id", event.RoomID), zap.Error(err))
		}
	}
	return nil
}
