package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/metrics"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one participant's signaling connection.
type Client struct {
	ID            string
	Scope         string
	ParticipantID string
	Conn          *websocket.Conn
	Send          chan []byte

	logger zerolog.Logger
}

// HandleSignaling upgrades to a WebSocket that relays signal envelopes for
// one participant of a scope and pushes that participant's match
// notification.
func (h *Handler) HandleSignaling(c *gin.Context) {
	scope := c.Param("scope")
	participantID := c.Query("participant")
	if scope == "" || participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope and participant are required"})
		return
	}

	// Subscribe before upgrading so nothing published while the client
	// finishes the handshake is lost.
	ctx, cancel := context.WithCancel(context.Background())
	signals, err := h.relay.Subscribe(ctx, scope, participantID)
	if err != nil {
		cancel()
		h.logger.Error().Err(err).Str("scope", scope).Msg("relay subscribe failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signal relay unavailable"})
		return
	}
	matches, err := h.store.SubscribeMatches(ctx, scope, participantID)
	if err != nil {
		cancel()
		h.logger.Error().Err(err).Str("scope", scope).Msg("match subscribe failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Queue unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:            uuid.New().String(),
		Scope:         scope,
		ParticipantID: participantID,
		Conn:          conn,
		Send:          make(chan []byte, 256),
	}
	client.logger = h.logger.With().
		Str("conn", client.ID).
		Str("scope", scope).
		Str("participant", participantID).
		Logger()
	client.logger.Info().Msg("participant connected")

	go client.forward(ctx, signals, matches)
	go client.writePump(ctx)
	go client.readPump(ctx, cancel, h.relay)
}

// forward turns relay envelopes and match notifications into frames.
func (c *Client) forward(ctx context.Context, signals <-chan models.SignalEnvelope, matches <-chan models.MatchNotification) {
	for {
		var frame models.Frame
		select {
		case <-ctx.Done():
			return
		case env, ok := <-signals:
			if !ok {
				return
			}
			frame = models.Frame{Type: models.FrameTypeSignal, Signal: &env}
		case note, ok := <-matches:
			if !ok {
				return
			}
			frame = models.Frame{Type: models.FrameTypeMatched, Match: &note}
		}
		c.sendFrame(ctx, frame)
	}
}

func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc, r relay.Relay) {
	defer func() {
		cancel()
		c.Conn.Close()
		c.logger.Info().Msg("participant disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse frame")
			c.sendError(ctx, "malformed frame")
			continue
		}
		if frame.Type != models.FrameTypeSignal || frame.Signal == nil {
			c.logger.Debug().Str("type", string(frame.Type)).Msg("ignoring frame")
			continue
		}

		// The sender is always the connection's own participant.
		env := *frame.Signal
		env.Sender = c.ParticipantID
		env.SessionScope = c.Scope

		if err := r.Publish(ctx, env); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("failed to relay envelope")
			c.sendError(ctx, err.Error())
			continue
		}
		metrics.RelayedEnvelopes.WithLabelValues(string(env.Kind)).Inc()
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) sendError(ctx context.Context, msg string) {
	c.sendFrame(ctx, models.Frame{Type: models.FrameTypeError, Error: msg})
}

func (c *Client) sendFrame(ctx context.Context, frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to marshal frame")
		return
	}

	select {
	case c.Send <- data:
	case <-ctx.Done():
	default:
		c.logger.Warn().Str("type", string(frame.Type)).Msg("failed to send frame, buffer full")
	}
}
