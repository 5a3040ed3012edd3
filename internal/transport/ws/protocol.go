// Package ws implements the Federation WebSocket Transport (spec §4.4,
// §6): a framed JSON protocol over gorilla/websocket plus the tunnel
// manager that drives a connection through Connecting -> Handshaking ->
// Ready.
package ws

import (
	"encoding/json"
	"fmt"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// FrameType discriminates the wire protocol's message variants.
type FrameType string

const (
	FrameHandshake    FrameType = "handshake"
	FrameAuth         FrameType = "auth"
	FrameEvent        FrameType = "event"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameAck          FrameType = "ack"
	FrameError        FrameType = "error"
	FrameSyncRequest  FrameType = "sync_request"
	FrameSyncResponse FrameType = "sync_response"
)

// Frame is the outer envelope every protocol message is carried in.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParsePayload unmarshals a frame's payload into v.
func (f *Frame) ParsePayload(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// NewFrame builds a Frame of the given type carrying payload.
func NewFrame(t FrameType, payload interface{}) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindP2P, fmt.Sprintf("marshal %s payload", t), err)
	}
	return &Frame{Type: t, Payload: raw}, nil
}

// Handshake is the first frame exchanged on a new tunnel.
type Handshake struct {
	Version    int    `json:"version"`
	NodeID     string `json:"node_id"`
	ProtocolID string `json:"protocol_id,omitempty"`
}

// Auth carries the peer's DID authentication proof per spec §4.4.
type Auth struct {
	DID               string `json:"did"`
	ChallengeResponse string `json:"challenge_response"`
	PublicKey         string `json:"public_key"`
	Timestamp         int64  `json:"timestamp"`
}

// EventFrame wraps a federation.MatrixEvent for wire transport. The
// federation package's concrete type is kept out of this package to
// avoid a transport<->federation import cycle: callers marshal/parse the
// payload themselves via ParsePayload with their own event type.
type EventFrame struct {
	RoomID string          `json:"room_id"`
	Event  json.RawMessage `json:"event"`
}

// Ping/Pong carry an id so responses can be correlated (spec §6).
type Ping struct {
	ID string `json:"id"`
}
type Pong struct {
	ID string `json:"id"`
}

// Ack acknowledges receipt of a frame by id.
type Ack struct {
	ID string `json:"id"`
}

// ErrorFrame reports a protocol-level failure.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrorCodeBadRequest    = "bad_request"
	ErrorCodeUnauthorized  = "unauthorized"
	ErrorCodeForbidden     = "forbidden"
	ErrorCodeNotFound      = "not_found"
	ErrorCodeInternalError = "internal_error"
)

// SyncRequest asks a peer for room events after since_event_id, capped at
// limit, optionally filtered by event type/sender (spec §4.4).
type SyncRequest struct {
	RoomID       string   `json:"room_id"`
	SinceEventID string   `json:"since_event_id,omitempty"`
	Limit        int      `json:"limit"`
	AllowTypes   []string `json:"allow_types,omitempty"`
	DenyTypes    []string `json:"deny_types,omitempty"`
	AllowSenders []string `json:"allow_senders,omitempty"`
}

// SyncResponse answers a SyncRequest. Events are opaque JSON so this
// package stays independent of federation.MatrixEvent's concrete shape.
type SyncResponse struct {
	RoomID    string            `json:"room_id"`
	Events    []json.RawMessage `json:"events"`
	HasMore   bool              `json:"has_more"`
	NextBatch string            `json:"next_batch,omitempty"`
}

// MatchesFilter reports whether an event's type/sender passes req's
// optional allow/deny lists, per spec §4.4 sync request handling.
func (req *SyncRequest) MatchesFilter(eventType, sender string) bool {
	for _, deny := range req.DenyTypes {
		if deny == eventType {
			return false
		}
	}
	if len(req.AllowTypes) > 0 && !contains(req.AllowTypes, eventType) {
		return false
	}
	if len(req.AllowSenders) > 0 && !contains(req.AllowSenders, sender) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
