package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/auth"
	"github.com/vovakirdan/wiremesh/internal/config"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/service/groups"
	"github.com/vovakirdan/wiremesh/internal/signaling"
)

// Deps are the services the transport exposes. Auth may be nil, in which
// case clients name themselves.
type Deps struct {
	Router *core.Router
	Relay  *signaling.Relay
	Groups *groups.Service
	Auth   *auth.Service
}

// NewServer builds the HTTP server: health, metrics, the WebSocket endpoint
// and the REST API. /ws is served by the mux directly since the upgrade
// hijacks a connection gin would already have written to.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(MetricsMiddleware())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(AuthMiddleware(deps.Auth, logger))

	messages := NewMessageHandlers(deps.Router, logger)
	api.POST("/messages", messages.Send)
	api.GET("/messages", messages.History)
	api.GET("/messages/pending", messages.Pending)

	groupHandlers := NewGroupHandlers(deps.Groups, logger)
	api.POST("/groups", groupHandlers.Create)
	api.GET("/groups", groupHandlers.List)
	api.GET("/groups/:id", groupHandlers.Get)
	api.POST("/groups/:id/join", groupHandlers.Join)
	api.POST("/groups/:id/leave", groupHandlers.Leave)
	api.POST("/groups/:id/messages", groupHandlers.Send)
	api.GET("/groups/:id/messages", groupHandlers.History)
	api.GET("/groups/:id/key", groupHandlers.Key)

	rooms := NewRoomHandlers(deps.Relay, logger)
	api.POST("/rooms", rooms.CreateRoom)
	api.GET("/rooms", rooms.ListRooms)
	api.GET("/rooms/:id", rooms.GetRoom)
	api.GET("/rooms/:id/state", rooms.GetRoomState)

	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps, cfg, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
