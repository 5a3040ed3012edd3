// Package federation implements the Federation Nucleus (spec §4.4): a
// Matrix-style room registry, signed event propagation, and the peer
// sync queue wiring that drives the WebSocket transport.
package federation

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

var (
	roomIDPattern = regexp.MustCompile(`^![^:]+:[^:]+$`)
	userIDPattern = regexp.MustCompile(`^@[^:]+:[^:]+$`)
)

// MatrixEvent is one event in a room's timeline (spec §3).
type MatrixEvent struct {
	EventID    string                 `json:"event_id"`
	RoomID     string                 `json:"room_id"`
	Sender     string                 `json:"sender"`
	EventType  string                 `json:"event_type"`
	Content    map[string]interface{} `json:"content"`
	Timestamp  time.Time              `json:"timestamp"`
	Federated  bool                   `json:"federated"`
	OriginNode string                 `json:"origin_node,omitempty"`
}

// NewEventID mints a globally unique, `$`-prefixed event ID.
func NewEventID() string { return "$" + uuid.NewString() }

// ValidateRoomID checks the `!<local>:<server>` shape.
func ValidateRoomID(roomID string) error {
	if !roomIDPattern.MatchString(roomID) {
		return cerrors.InvalidInput("room_id", fmt.Sprintf("%q does not match !<local>:<server>", roomID))
	}
	return nil
}

// ValidateUserID checks the `@<local>:<server>` shape.
func ValidateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return cerrors.InvalidInput("user_id", fmt.Sprintf("%q does not match @<local>:<server>", userID))
	}
	return nil
}

// RoomState is a room's authoritative membership and activity record
// (spec §3). Version increments on any mutation.
type RoomState struct {
	RoomID       string
	Members      map[string]struct{}
	LastActivity time.Time
	Version      int64
}

// RoomOptions configures a new room at creation time.
type RoomOptions struct {
	Creator  string
	Federate bool
}

// Room bundles a RoomState with its creation policy and event timeline.
type Room struct {
	RoomID   string
	Federate bool

	mu     sync.RWMutex
	state  *RoomState
	events []*MatrixEvent
}

func newRoom(roomID string, opts RoomOptions) *Room {
	members := make(map[string]struct{})
	if opts.Creator != "" {
		members[opts.Creator] = struct{}{}
	}
	return &Room{
		RoomID:   roomID,
		Federate: opts.Federate,
		state: &RoomState{
			RoomID:       roomID,
			Members:      members,
			LastActivity: time.Now(),
			Version:      1,
		},
	}
}

// State returns a snapshot of the room's membership/activity record.
func (r *Room) State() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make(map[string]struct{}, len(r.state.Members))
	for m := range r.state.Members {
		members[m] = struct{}{}
	}
	return RoomState{RoomID: r.state.RoomID, Members: members, LastActivity: r.state.LastActivity, Version: r.state.Version}
}

// AddMember registers userID as a participant, bumping the room version.
func (r *Room) AddMember(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Members[userID] = struct{}{}
	r.bumpLocked()
}

// RemoveMember drops userID from the participant set.
func (r *Room) RemoveMember(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state.Members, userID)
	r.bumpLocked()
}

// HasMember reports whether userID currently participates in the room.
func (r *Room) HasMember(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.state.Members[userID]
	return ok
}

func (r *Room) bumpLocked() {
	r.state.Version++
	r.state.LastActivity = time.Now()
}

// appendEvent persists event to the room's local timeline.
func (r *Room) appendEvent(event *MatrixEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.bumpLocked()
}

// EventsSince returns every event after sinceEventID (or from the start
// if sinceEventID is empty), capped at limit, per spec §4.4 sync
// request handling.
func (r *Room) EventsSince(sinceEventID string, limit int) (events []*MatrixEvent, hasMore bool, nextBatch string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if sinceEventID != "" {
		for i, e := range r.events {
			if e.EventID == sinceEventID {
				start = i + 1
				break
			}
		}
	}

	remaining := r.events[start:]
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if len(remaining) > limit {
		page := make([]*MatrixEvent, limit)
		copy(page, remaining[:limit])
		return page, true, page[len(page)-1].EventID
	}
	page := make([]*MatrixEvent, len(remaining))
	copy(page, remaining)
	return page, false, ""
}
