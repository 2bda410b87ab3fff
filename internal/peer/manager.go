// Package peer drives one WebRTC peer session between two matched
// participants: the offer/answer/candidate exchange over a signal relay,
// readiness detection, text messaging over a data channel, and teardown.
//
// Signaling uses trickle ICE. Candidates received before the remote
// description are buffered and applied once it is set, and local candidates
// gathered before our own description was published are held back so that
// the remote side always sees the description first.
package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/metrics"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

// chatLabel is the label of the single data channel the caller opens.
const chatLabel = "chat"

// DefaultHandshakeTimeout bounds how long a session may take to reach
// StateConnected before it fails.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrHandshakeTimeout is reported when the peer never completed the handshake.
var ErrHandshakeTimeout = errors.New("peer: handshake timed out")

// ErrInvalidState is returned by Initiate when the session already left StateNew.
var ErrInvalidState = errors.New("peer: invalid state for operation")

// Config identifies the two ends of a peer session.
type Config struct {
	SessionScope string
	LocalID      string
	RemoteID     string
	ICEServers   []webrtc.ICEServer

	// IncludeLoopback adds loopback host candidates, needed when both peers
	// share one machine with no other interface.
	IncludeLoopback bool

	// HandshakeTimeout is measured from New. Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Manager owns one peer session. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg    Config
	relay  relay.Relay
	logger zerolog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	pc *webrtc.PeerConnection

	mu            sync.Mutex
	state         State
	channel       *webrtc.DataChannel
	channelReady  bool
	transportUp   bool
	remoteSet     bool
	pending       []webrtc.ICECandidateInit // remote candidates waiting for the remote description
	descPublished bool
	outgoing      []webrtc.ICECandidateInit // local candidates waiting for our description
	onMessage     func(string)
	onState       func(State)
	buffered      int // remote candidates that had to wait, for diagnostics

	deadline  *time.Timer
	closeOnce sync.Once
}

// New creates the PeerConnection for a session. Nothing is signaled until
// Initiate is called or an offer arrives through Listen.
func New(ctx context.Context, cfg Config, r relay.Relay, logger zerolog.Logger) (*Manager, error) {
	if cfg.SessionScope == "" || cfg.LocalID == "" || cfg.RemoteID == "" {
		return nil, errors.New("peer: session scope, local id and remote id are required")
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, errors.Wrap(err, "creating PeerConnection")
	}

	lifetime, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:      cfg,
		relay:    r,
		logger:   logger.With().Str("local", cfg.LocalID).Str("remote", cfg.RemoteID).Logger(),
		lifetime: lifetime,
		cancel:   cancel,
		pc:       pc,
		state:    StateNew,
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	m.deadline = time.AfterFunc(timeout, m.handshakeExpired)

	pc.OnICECandidate(m.handleLocalCandidate)
	pc.OnICEConnectionStateChange(m.handleICEState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != chatLabel {
			m.logger.Debug().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
			return
		}
		m.attachChannel(dc)
	})

	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ChannelReady reports whether the data channel is open.
func (m *Manager) ChannelReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelReady
}

// OnMessage registers the callback for text received from the peer.
func (m *Manager) OnMessage(cb func(text string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = cb
}

// OnStateChange registers the callback for state transitions.
func (m *Manager) OnStateChange(cb func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = cb
}

// Listen consumes inbound envelopes until the channel closes or the session
// is closed. Envelopes are handled one at a time in arrival order.
func (m *Manager) Listen(inbound <-chan models.SignalEnvelope) {
	go func() {
		for {
			select {
			case <-m.lifetime.Done():
				return
			case env, ok := <-inbound:
				if !ok {
					return
				}
				m.HandleEnvelope(env)
			}
		}
	}()
}

// Initiate starts the handshake from the caller side: it opens the chat
// data channel, sets the local offer and publishes it.
func (m *Manager) Initiate() error {
	if !m.transition(StateNew, StateOffering) {
		return errors.Wrapf(ErrInvalidState, "initiate in state %s", m.State())
	}

	ordered := true
	dc, err := m.pc.CreateDataChannel(chatLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return m.fail(errors.Wrap(err, "creating data channel"))
	}
	m.attachChannel(dc)

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return m.fail(errors.Wrap(err, "creating offer"))
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return m.fail(errors.Wrap(err, "setting local description"))
	}
	if err := m.publishDescription(models.SignalKindOffer, offer); err != nil {
		return m.fail(err)
	}

	m.logger.Debug().Msg("offer published")
	return nil
}

// HandleEnvelope applies one inbound envelope. Envelopes from anyone but the
// remote participant, or for another scope, are dropped.
func (m *Manager) HandleEnvelope(env models.SignalEnvelope) {
	if env.Sender != m.cfg.RemoteID || !env.AddressedTo(m.cfg.LocalID) || env.SessionScope != m.cfg.SessionScope {
		m.logger.Debug().
			Str("sender", env.Sender).
			Str("receiver", env.Receiver).
			Str("kind", string(env.Kind)).
			Msg("dropping envelope for another session")
		return
	}

	switch env.Kind {
	case models.SignalKindOffer:
		m.handleOffer(env.Payload)
	case models.SignalKindAnswer:
		m.handleAnswer(env.Payload)
	case models.SignalKindICECandidate:
		m.handleRemoteCandidate(env.Payload)
	default:
		m.logger.Warn().Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
}

func (m *Manager) handleOffer(payload json.RawMessage) {
	if !m.transition(StateNew, StateAnswering) {
		m.logger.Debug().Stringer("state", m.State()).Msg("ignoring offer")
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		m.fail(errors.Wrap(err, "decoding offer"))
		return
	}
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		m.fail(errors.Wrap(err, "setting remote offer"))
		return
	}
	if err := m.flushPending(); err != nil {
		m.fail(err)
		return
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		m.fail(errors.Wrap(err, "creating answer"))
		return
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		m.fail(errors.Wrap(err, "setting local description"))
		return
	}
	if err := m.publishDescription(models.SignalKindAnswer, answer); err != nil {
		m.fail(err)
		return
	}

	m.logger.Debug().Msg("answer published")
	m.transition(StateAnswering, StateConnecting)
	// The transport may have come up while we were still publishing.
	m.promote()
}

func (m *Manager) handleAnswer(payload json.RawMessage) {
	if m.State() != StateOffering {
		m.logger.Debug().Stringer("state", m.State()).Msg("ignoring answer")
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		m.fail(errors.Wrap(err, "decoding answer"))
		return
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		m.fail(errors.Wrap(err, "setting remote answer"))
		return
	}
	if err := m.flushPending(); err != nil {
		m.fail(err)
		return
	}
	m.transition(StateOffering, StateConnecting)
	m.promote()
}

func (m *Manager) handleRemoteCandidate(payload json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		m.logger.Warn().Err(err).Msg("dropping malformed candidate")
		return
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if !m.remoteSet {
		m.pending = append(m.pending, candidate)
		m.buffered++
		m.mu.Unlock()
		m.logger.Debug().Msg("buffering candidate until the remote description is set")
		return
	}
	m.mu.Unlock()

	if err := m.pc.AddICECandidate(candidate); err != nil {
		m.fail(errors.Wrap(err, "adding remote candidate"))
	}
}

// flushPending marks the remote description as set and applies every
// candidate that arrived before it.
func (m *Manager) flushPending() error {
	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, candidate := range pending {
		if err := m.pc.AddICECandidate(candidate); err != nil {
			return errors.Wrap(err, "adding buffered candidate")
		}
	}
	return nil
}

func (m *Manager) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering complete
	}
	candidate := c.ToJSON()

	m.mu.Lock()
	if !m.descPublished {
		m.outgoing = append(m.outgoing, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.publishCandidate(candidate)
}

func (m *Manager) publishDescription(kind models.SignalKind, desc webrtc.SessionDescription) error {
	if err := m.publish(kind, desc); err != nil {
		return err
	}

	m.mu.Lock()
	m.descPublished = true
	held := m.outgoing
	m.outgoing = nil
	m.mu.Unlock()

	for _, candidate := range held {
		m.publishCandidate(candidate)
	}
	return nil
}

func (m *Manager) publishCandidate(candidate webrtc.ICECandidateInit) {
	if err := m.publish(models.SignalKindICECandidate, candidate); err != nil {
		m.logger.Warn().Err(err).Msg("failed to publish candidate")
	}
}

func (m *Manager) publish(kind models.SignalKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", kind)
	}
	env := models.SignalEnvelope{
		Kind:         kind,
		Sender:       m.cfg.LocalID,
		Receiver:     m.cfg.RemoteID,
		SessionScope: m.cfg.SessionScope,
		Payload:      data,
	}
	if err := m.relay.Publish(m.lifetime, env); err != nil {
		return errors.Wrapf(err, "publishing %s", kind)
	}
	return nil
}

func (m *Manager) attachChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.channel = dc
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.mu.Lock()
		m.channelReady = true
		m.mu.Unlock()
		m.logger.Debug().Msg("data channel open")
		m.promote()
	})
	dc.OnClose(func() {
		m.mu.Lock()
		m.channelReady = false
		m.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		m.mu.Lock()
		cb := m.onMessage
		m.mu.Unlock()
		if cb != nil {
			cb(string(msg.Data))
		}
	})
}

func (m *Manager) handleICEState(state webrtc.ICEConnectionState) {
	m.logger.Debug().Str("ice", state.String()).Msg("ICE state change")

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.mu.Lock()
		m.transportUp = true
		m.mu.Unlock()
		m.promote()
	case webrtc.ICEConnectionStateFailed:
		m.fail(errors.New("ICE connection failed"))
		// A connected session cannot fail; it closes instead.
		if m.State() == StateConnected {
			go m.Close()
		}
	case webrtc.ICEConnectionStateClosed:
		// pion may report this from inside pc.Close.
		go m.Close()
	}
}

// promote moves CONNECTING to CONNECTED once the transport reports a
// connection and the data channel is open.
func (m *Manager) promote() {
	m.mu.Lock()
	ready := m.transportUp && m.channelReady
	m.mu.Unlock()
	if ready && m.transition(StateConnecting, StateConnected) {
		m.deadline.Stop()
	}
}

// handshakeExpired fails a session that is still handshaking, including one
// whose opponent never sent an offer.
func (m *Manager) handshakeExpired() {
	if m.State() == StateConnected {
		return
	}
	m.fail(ErrHandshakeTimeout)
}

// Send writes text to the data channel. It reports false, without error,
// when the session is not connected yet or any more.
func (m *Manager) Send(text string) bool {
	m.mu.Lock()
	dc := m.channel
	ok := m.state == StateConnected && m.channelReady && dc != nil
	m.mu.Unlock()

	if !ok || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	if err := dc.SendText(text); err != nil {
		m.logger.Debug().Err(err).Msg("send failed")
		return false
	}
	return true
}

// Close releases the PeerConnection. It is idempotent; a failed session stays
// in StateFailed.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.deadline.Stop()
		m.advance(StateClosed)
		m.cancel()
		err = m.pc.Close()
	})
	return err
}

// transition moves from -> to if the session is currently in from. It
// reports whether the move happened.
func (m *Manager) transition(from, to State) bool {
	_, ok := m.move(func(cur State) bool { return cur == from }, to)
	return ok
}

// advance moves to `to` from whatever the current state is, if the state
// machine allows it. It returns the state it left.
func (m *Manager) advance(to State) (State, bool) {
	return m.move(func(State) bool { return true }, to)
}

func (m *Manager) move(accept func(State) bool, to State) (State, bool) {
	m.mu.Lock()
	from := m.state
	if !accept(from) || !canTransition(from, to) {
		m.mu.Unlock()
		return from, false
	}
	m.state = to
	cb := m.onState
	m.mu.Unlock()

	metrics.PeerTransitions.WithLabelValues(to.String()).Inc()
	m.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("peer state")
	if cb != nil {
		cb(to)
	}
	return from, true
}

// fail moves a session that has not connected yet to StateFailed and
// returns err.
func (m *Manager) fail(err error) error {
	if from, ok := m.advance(StateFailed); ok {
		m.logger.Warn().Err(err).Stringer("from", from).Msg("peer session failed")
		m.deadline.Stop()
		m.cancel()
		go m.pc.Close()
	}
	return err
}
