// Package handlers exposes the waiting list and the signal relay over HTTP
// and WebSocket.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/queue"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

// Handler serves the queue API and the signaling WebSocket.
type Handler struct {
	store  queue.Store
	relay  relay.Relay
	logger zerolog.Logger
}

// New creates the handlers on top of a waiting list and a relay.
func New(store queue.Store, r relay.Relay, logger zerolog.Logger) *Handler {
	return &Handler{store: store, relay: r, logger: logger}
}

// Routes registers the queue API and the signaling endpoint.
func (h *Handler) Routes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.POST("/queue/:scope", h.Enqueue)
		api.GET("/queue/:scope", h.ListEntries)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/signal/:scope", h.HandleSignaling)
	}
}
