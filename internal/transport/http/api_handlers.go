package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/core"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps a domain error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case core.ErrCodeBadRequest:
		return http.StatusBadRequest
	case core.ErrCodeUnauthorized, core.ErrCodeNotMember:
		return http.StatusForbidden
	case core.ErrCodeRoomNotFound, core.ErrCodeGroupNotFound, core.ErrCodeStateNotFound:
		return http.StatusNotFound
	case core.ErrCodeRoomFull, core.ErrCodeAlreadyJoined, core.ErrCodeRoomExists:
		return http.StatusConflict
	case core.ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, logger *zerolog.Logger, err error) {
	ce := core.AsCoreError(err)
	status := statusFor(ce.Code)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("path", c.FullPath()).Msg("request rejected")
	}
	c.JSON(status, ErrorResponse{Error: ce.Message, Code: ce.Code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: core.ErrCodeBadRequest})
}

// caller returns the authenticated identity or aborts the request.
func caller(c *gin.Context, logger *zerolog.Logger) (core.Identity, bool) {
	id, ok := identityFrom(c)
	if !ok {
		logger.Error().Msg("identity not found in context")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Code: core.ErrCodeUnauthorized})
		return "", false
	}
	return id, true
}

// MessageHandlers exposes direct messaging over REST.
type MessageHandlers struct {
	router *core.Router
	log    *zerolog.Logger
}

// NewMessageHandlers creates message handlers.
func NewMessageHandlers(router *core.Router, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{router: router, log: logger}
}

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	To        string `json:"to" binding:"required"`
	Payload   []byte `json:"payload"`
	Encrypted bool   `json:"encrypted"`
}

// SendMessageResponse reports the delivery outcome.
type SendMessageResponse struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

// Send routes a message like the WebSocket send does.
// POST /api/messages
func (h *MessageHandlers) Send(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send request")
		badRequest(c, "invalid request body")
		return
	}

	msg := &core.Message{
		Sender:    id,
		Recipient: core.Identity(req.To),
		Payload:   req.Payload,
		Encrypted: req.Encrypted,
	}
	outcome, err := h.router.Send(c.Request.Context(), msg)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SendMessageResponse{ID: msg.ID.String(), Outcome: outcome.String()})
}

// PendingResponse is the queue depth of the caller.
type PendingResponse struct {
	Identity string `json:"identity"`
	Pending  int    `json:"pending"`
	Online   bool   `json:"online"`
}

// Pending reports how many messages wait for the caller. They are delivered
// when the caller connects over WebSocket.
// GET /api/messages/pending
func (h *MessageHandlers) Pending(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, PendingResponse{
		Identity: string(id),
		Pending:  h.router.Pending(id),
		Online:   h.router.Presence().IsOnline(id),
	})
}

// HistoryQuery bounds a history listing. Zero returns everything retained.
type HistoryQuery struct {
	Limit int `form:"limit" binding:"min=0,max=1000"`
}

// HistoryMessage is one entry of a history listing.
type HistoryMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Group     string `json:"group,omitempty"`
	Payload   []byte `json:"payload"`
	Encrypted bool   `json:"encrypted"`
	TS        int64  `json:"ts"`
}

func historyMessages(msgs []core.Message) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryMessage{
			ID:        m.ID.String(),
			From:      string(m.Sender),
			To:        string(m.Recipient),
			Group:     m.RoomID,
			Payload:   m.Payload,
			Encrypted: m.Encrypted,
			TS:        m.CreatedAt.Unix(),
		})
	}
	return out
}

// History lists recent direct messages the caller sent or received.
// GET /api/messages
func (h *MessageHandlers) History(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid limit")
		return
	}
	c.JSON(http.StatusOK, historyMessages(h.router.History(id, q.Limit)))
}
