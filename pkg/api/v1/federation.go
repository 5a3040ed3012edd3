package v1

import "time"

// RoomView is the REST projection of a federation.Room's state.
type RoomView struct {
	RoomID       string    `json:"room_id"`
	Version      int64     `json:"version"`
	Members      []string  `json:"members"`
	Federated    bool      `json:"federated"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateRoomRequest creates a federation room.
type CreateRoomRequest struct {
	RoomID    string `json:"room_id"`
	Creator   string `json:"creator"`
	Federated bool   `json:"federated"`
}

// JoinRoomRequest joins an existing (possibly remote) room.
type JoinRoomRequest struct {
	UserID   string `json:"user_id"`
	PeerNode string `json:"peer_node,omitempty"`
}

// SendEventRequest sends a new event into a room.
type SendEventRequest struct {
	Sender    string                 `json:"sender"`
	EventType string                 `json:"event_type"`
	Content   map[string]interface{} `json:"content"`
}

// EventView is the REST projection of a federation.MatrixEvent.
type EventView struct {
	EventID   string                 `json:"event_id"`
	RoomID    string                 `json:"room_id"`
	Sender    string                 `json:"sender"`
	EventType string                 `json:"event_type"`
	Content   map[string]interface{} `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Federated bool                   `json:"federated"`
}

// SyncPageView is the REST projection of a room's paginated event history.
type SyncPageView struct {
	RoomID    string      `json:"room_id"`
	Events    []EventView `json:"events"`
	HasMore   bool        `json:"has_more"`
	NextBatch string      `json:"next_batch,omitempty"`
}
