package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/signaling"
)

// RoomHandlers provides HTTP handlers for voice room endpoints. Joining and
// negotiation happen over WebSocket.
type RoomHandlers struct {
	relay *signaling.Relay
	log   *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(relay *signaling.Relay, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		relay: relay,
		log:   logger,
	}
}

// CreateRoomRequest represents the create room request body.
type CreateRoomRequest struct {
	ID                 string `json:"id" binding:"omitempty,max=64"`
	RequiredCapability string `json:"required_capability"`
	MaxParticipants    int    `json:"max_participants" binding:"min=0"`
}

// CreateRoom handles room creation.
// POST /api/rooms
func (h *RoomHandlers) CreateRoom(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create room request")
		badRequest(c, "invalid request body")
		return
	}

	info, err := h.relay.CreateRoom(c.Request.Context(), id, signaling.RoomSpec{
		ID:                 req.ID,
		RequiredCapability: req.RequiredCapability,
		MaxParticipants:    req.MaxParticipants,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// ListRooms handles listing rooms.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	if _, ok := caller(c, h.log); !ok {
		return
	}
	rooms := h.relay.Rooms()
	h.log.Debug().Int("room_count", len(rooms)).Msg("rooms listed")
	c.JSON(http.StatusOK, rooms)
}

// GetRoom returns one room.
// GET /api/rooms/:id
func (h *RoomHandlers) GetRoom(c *gin.Context) {
	if _, ok := caller(c, h.log); !ok {
		return
	}
	info, err := h.relay.Room(c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetRoomState returns the last stored snapshot of a room.
// GET /api/rooms/:id/state
func (h *RoomHandlers) GetRoomState(c *gin.Context) {
	if _, ok := caller(c, h.log); !ok {
		return
	}
	snap, err := h.relay.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
