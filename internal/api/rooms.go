package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/federation"
	v1 "github.com/cisnet/cis/pkg/api/v1"
)

// CreateRoom registers a new federation room (spec §4.4).
// POST /api/v1/rooms
func (h *Handler) CreateRoom(c *gin.Context) {
	var req v1.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}

	room, err := h.nucleus.CreateRoom(c.Request.Context(), req.RoomID, federation.RoomOptions{
		Creator: req.Creator, Federate: req.Federated,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, roomView(room))
}

// GetRoom returns a room's current membership/version state.
// GET /api/v1/rooms/:roomId
func (h *Handler) GetRoom(c *gin.Context) {
	room, ok := h.nucleus.GetRoom(c.Param("roomId"))
	if !ok {
		c.Error(cerrors.NotFound("room", c.Param("roomId")))
		return
	}
	c.JSON(http.StatusOK, roomView(room))
}

// JoinRoom joins a user to a room already known to this node. Joining a
// room unknown locally requires a peer node and is served over the
// federation transport rather than this REST surface (spec §4.4).
// POST /api/v1/rooms/:roomId/join
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	var req v1.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}

	if err := h.nucleus.JoinRoom(c.Request.Context(), roomID, req.UserID, nil, req.PeerNode); err != nil {
		c.Error(err)
		return
	}
	room, _ := h.nucleus.GetRoom(roomID)
	c.JSON(http.StatusOK, roomView(room))
}

// SendEvent appends a new event to a room's timeline.
// POST /api/v1/rooms/:roomId/events
func (h *Handler) SendEvent(c *gin.Context) {
	roomID := c.Param("roomId")
	var req v1.SendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}

	event, err := h.nucleus.SendEvent(c.Request.Context(), roomID, req.Sender, req.EventType, req.Content)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, eventView(event))
}

// SyncRoom returns a page of a room's event history since a given event ID.
// GET /api/v1/rooms/:roomId/sync?since=&limit=
func (h *Handler) SyncRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	room, ok := h.nucleus.GetRoom(roomID)
	if !ok {
		c.Error(cerrors.NotFound("room", roomID))
		return
	}

	limit := 100
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, hasMore, nextBatch := room.EventsSince(c.Query("since"), limit)
	views := make([]v1.EventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView(e))
	}
	c.JSON(http.StatusOK, v1.SyncPageView{RoomID: roomID, Events: views, HasMore: hasMore, NextBatch: nextBatch})
}

func roomView(room *federation.Room) v1.RoomView {
	state := room.State()
	members := make([]string, 0, len(state.Members))
	for m := range state.Members {
		members = append(members, m)
	}
	return v1.RoomView{
		RoomID:       state.RoomID,
		Version:      state.Version,
		Members:      members,
		Federated:    room.Federate,
		LastActivity: state.LastActivity,
	}
}

func eventView(e *federation.MatrixEvent) v1.EventView {
	return v1.EventView{
		EventID:   e.EventID,
		RoomID:    e.RoomID,
		Sender:    e.Sender,
		EventType: e.EventType,
		Content:   e.Content,
		Timestamp: e.Timestamp,
		Federated: e.Federated,
	}
}
