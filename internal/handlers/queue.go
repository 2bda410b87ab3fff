package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/queue"
)

// Enqueue puts a participant on the waiting list of a scope and runs one
// pairing attempt.
func (h *Handler) Enqueue(c *gin.Context) {
	scope := c.Param("scope")

	var req models.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.store.Enqueue(c.Request.Context(), scope, req.ParticipantID)
	switch {
	case errors.Is(err, queue.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error().Err(err).Str("scope", scope).Str("participant", req.ParticipantID).Msg("enqueue failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to enqueue"})
		return
	}

	c.JSON(http.StatusCreated, res)
}

// ListEntries returns every entry of a scope, oldest first.
func (h *Handler) ListEntries(c *gin.Context) {
	scope := c.Param("scope")

	entries, err := h.store.Entries(c.Request.Context(), scope)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", scope).Msg("listing entries failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to list entries"})
		return
	}
	if entries == nil {
		entries = []models.WaitingEntry{}
	}

	c.JSON(http.StatusOK, entries)
}
