package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var _ Relay = (*WebSocket)(nil)

// WebSocket is the client side of the signaling server's /ws/signal endpoint.
// One connection serves a single participant of a single scope and carries
// both signaling envelopes and the server's match notification.
type WebSocket struct {
	conn          *websocket.Conn
	scope         string
	participantID string
	logger        zerolog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	nextID     uint64
	signalSubs map[uint64]chan models.SignalEnvelope
	matchSubs  map[uint64]chan models.MatchNotification
}

// DialWebSocket connects participantID to the signaling server at serverURL
// (for example "ws://localhost:8080") for the given scope.
func DialWebSocket(ctx context.Context, serverURL, scope, participantID string, logger zerolog.Logger) (*WebSocket, error) {
	target := fmt.Sprintf("%s/ws/signal/%s?participant=%s",
		serverURL, url.PathEscape(scope), url.QueryEscape(participantID))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", target)
	}

	ws := &WebSocket{
		conn:          conn,
		scope:         scope,
		participantID: participantID,
		logger:        logger.With().Str("participant", participantID).Str("scope", scope).Logger(),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
		signalSubs:    make(map[uint64]chan models.SignalEnvelope),
		matchSubs:     make(map[uint64]chan models.MatchNotification),
	}

	go ws.writePump()
	go ws.readPump()

	return ws, nil
}

func (w *WebSocket) Publish(ctx context.Context, env models.SignalEnvelope) error {
	if err := validate(env); err != nil {
		return err
	}
	if env.Sender != w.participantID || env.SessionScope != w.scope {
		return errors.Wrapf(ErrInvalidEnvelope, "connection belongs to %s in %s", w.participantID, w.scope)
	}

	data, err := json.Marshal(models.Frame{Type: models.FrameTypeSignal, Signal: &env})
	if err != nil {
		return errors.Wrap(err, "marshaling signal frame")
	}

	select {
	case w.send <- data:
		return nil
	case <-w.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocket) Subscribe(ctx context.Context, scope, participantID string) (<-chan models.SignalEnvelope, error) {
	if err := w.owns(scope, participantID); err != nil {
		return nil, err
	}

	ch := make(chan models.SignalEnvelope, subscriberBuffer)
	id, ok := w.register(func(id uint64) { w.signalSubs[id] = ch })
	if !ok {
		return nil, ErrClosed
	}
	go w.unregisterOnDone(ctx, func() {
		if _, ok := w.signalSubs[id]; ok {
			delete(w.signalSubs, id)
			close(ch)
		}
	})
	return ch, nil
}

// SubscribeMatches delivers the server's match notification for this
// connection's participant.
func (w *WebSocket) SubscribeMatches(ctx context.Context, scope, participantID string) (<-chan models.MatchNotification, error) {
	if err := w.owns(scope, participantID); err != nil {
		return nil, err
	}

	ch := make(chan models.MatchNotification, 4)
	id, ok := w.register(func(id uint64) { w.matchSubs[id] = ch })
	if !ok {
		return nil, ErrClosed
	}
	go w.unregisterOnDone(ctx, func() {
		if _, ok := w.matchSubs[id]; ok {
			delete(w.matchSubs, id)
			close(ch)
		}
	})
	return ch, nil
}

// Close closes the connection and ends every subscription. It is safe to
// call more than once.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.conn.Close()

		w.mu.Lock()
		for id, ch := range w.signalSubs {
			close(ch)
			delete(w.signalSubs, id)
		}
		for id, ch := range w.matchSubs {
			close(ch)
			delete(w.matchSubs, id)
		}
		w.mu.Unlock()
	})
	return err
}

func (w *WebSocket) owns(scope, participantID string) error {
	if scope != w.scope || participantID != w.participantID {
		return errors.Errorf("relay: connection belongs to %s in %s, not %s in %s",
			w.participantID, w.scope, participantID, scope)
	}
	return nil
}

func (w *WebSocket) register(add func(id uint64)) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.closed:
		return 0, false
	default:
	}
	w.nextID++
	add(w.nextID)
	return w.nextID, true
}

func (w *WebSocket) unregisterOnDone(ctx context.Context, remove func()) {
	select {
	case <-ctx.Done():
	case <-w.closed:
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	remove()
}

func (w *WebSocket) readPump() {
	defer w.Close()

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn().Err(err).Msg("signaling connection lost")
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			w.logger.Warn().Err(err).Msg("failed to parse frame")
			continue
		}
		w.dispatch(frame)
	}
}

func (w *WebSocket) dispatch(frame models.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch frame.Type {
	case models.FrameTypeSignal:
		if frame.Signal == nil || !frame.Signal.AddressedTo(w.participantID) {
			w.logger.Debug().Msg("discarding envelope not addressed to us")
			return
		}
		for _, ch := range w.signalSubs {
			select {
			case ch <- *frame.Signal:
			default:
				w.logger.Warn().Str("kind", string(frame.Signal.Kind)).Msg("envelope dropped, subscriber buffer full")
			}
		}
	case models.FrameTypeMatched:
		if frame.Match == nil {
			return
		}
		for _, ch := range w.matchSubs {
			select {
			case ch <- *frame.Match:
			default:
			}
		}
	case models.FrameTypeError:
		w.logger.Warn().Str("error", frame.Error).Msg("signaling server reported an error")
	default:
		w.logger.Debug().Str("type", string(frame.Type)).Msg("unknown frame type")
	}
}

func (w *WebSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.Close()
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				w.logger.Warn().Err(err).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-w.closed:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
