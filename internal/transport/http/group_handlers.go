package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/service/groups"
)

// GroupHandlers provides HTTP handlers for group endpoints.
type GroupHandlers struct {
	groups *groups.Service
	log    *zerolog.Logger
}

// NewGroupHandlers creates group handlers.
func NewGroupHandlers(svc *groups.Service, logger *zerolog.Logger) *GroupHandlers {
	return &GroupHandlers{groups: svc, log: logger}
}

// CreateGroupRequest is the body of POST /api/groups.
type CreateGroupRequest struct {
	Name               string   `json:"name" binding:"required,min=1,max=64"`
	RequiredCapability string   `json:"required_capability"`
	Members            []string `json:"members"`
}

// GroupSendRequest is the body of POST /api/groups/:id/messages.
type GroupSendRequest struct {
	Payload []byte `json:"payload" binding:"required"`
}

// GroupSendResponse maps each recipient to its outcome.
type GroupSendResponse struct {
	Outcomes map[string]string `json:"outcomes"`
	Error    string            `json:"error,omitempty"`
}

// GroupKeyResponse carries the symmetric group key.
type GroupKeyResponse struct {
	Key []byte `json:"key"`
}

// Create handles group creation.
// POST /api/groups
func (h *GroupHandlers) Create(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create group request")
		badRequest(c, "invalid request body")
		return
	}

	members := make([]core.Identity, 0, len(req.Members))
	for _, m := range req.Members {
		members = append(members, core.Identity(m))
	}
	info, err := h.groups.Create(c.Request.Context(), id, req.Name, req.RequiredCapability, members)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// List returns the caller's groups.
// GET /api/groups
func (h *GroupHandlers) List(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.groups.Groups(id))
}

// Get returns one group.
// GET /api/groups/:id
func (h *GroupHandlers) Get(c *gin.Context) {
	if _, ok := caller(c, h.log); !ok {
		return
	}
	info, err := h.groups.Group(c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Join adds the caller to a group.
// POST /api/groups/:id/join
func (h *GroupHandlers) Join(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	info, err := h.groups.Join(c.Request.Context(), c.Param("id"), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Leave removes the caller from a group.
// POST /api/groups/:id/leave
func (h *GroupHandlers) Leave(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	if err := h.groups.Leave(c.Request.Context(), c.Param("id"), id); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Send fans a message out to the group.
// POST /api/groups/:id/messages
func (h *GroupHandlers) Send(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	var req GroupSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	outcomes, err := h.groups.Send(c.Request.Context(), c.Param("id"), id, req.Payload)
	if outcomes == nil && err != nil {
		writeError(c, h.log, err)
		return
	}
	resp := GroupSendResponse{Outcomes: make(map[string]string, len(outcomes))}
	for to, o := range outcomes {
		resp.Outcomes[string(to)] = o.String()
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Key returns the group key to members.
// GET /api/groups/:id/key
func (h *GroupHandlers) Key(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	key, err := h.groups.Key(c.Param("id"), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, GroupKeyResponse{Key: key})
}

// History lists recent sealed messages of a group to its members.
// GET /api/groups/:id/messages
func (h *GroupHandlers) History(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid limit")
		return
	}
	msgs, err := h.groups.History(c.Param("id"), id, q.Limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, historyMessages(msgs))
}
