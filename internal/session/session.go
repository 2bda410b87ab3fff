// Package session is the single object a chat front end talks to. It finds
// an opponent, sets up the peer connection when the opponent is human, and
// routes outgoing messages either to the peer or to the automated responder.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/matchmaking"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/peer"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotMatched     = errors.New("session: no opponent yet")
	ErrClosed         = errors.New("session: closed")
	ErrSendFailed     = errors.New("session: peer did not accept the message")
)

// ConnectionState is what the front end shows about the connection.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateSearching  ConnectionState = "searching"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateFailed     ConnectionState = "failed"
	StateClosed     ConnectionState = "closed"
)

// Matcher resolves the match outcome of a participant.
type Matcher interface {
	Match(ctx context.Context, scope, participantID string) (matchmaking.Outcome, error)
}

// Options tunes the peer transport of human sessions.
type Options struct {
	ICEServers      []webrtc.ICEServer
	IncludeLoopback bool
	Logger          zerolog.Logger

	// HandshakeTimeout bounds the peer handshake after a human match. Zero
	// means peer.DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Session drives one participant through matchmaking and the conversation
// that follows. Its three event streams are closed by Close.
type Session struct {
	matcher   Matcher
	relay     relay.Relay
	responder Responder
	opts      Options
	logger    zerolog.Logger

	messages chan string
	states   chan ConnectionState
	outcomes chan matchmaking.Outcome

	mu            sync.Mutex
	started       bool
	closed        bool
	scope         string
	participantID string
	outcome       *matchmaking.Outcome
	peer          *peer.Manager
	lastState     ConnectionState
	history       []Turn
	cancel        context.CancelFunc
}

// New creates an idle session.
func New(matcher Matcher, r relay.Relay, responder Responder, opts Options) *Session {
	return &Session{
		matcher:   matcher,
		relay:     r,
		responder: responder,
		opts:      opts,
		logger:    opts.Logger,
		messages:  make(chan string, 256),
		states:    make(chan ConnectionState, 16),
		outcomes:  make(chan matchmaking.Outcome, 1),
		lastState: StateIdle,
	}
}

// Messages streams the opponent's messages, human or automated.
func (s *Session) Messages() <-chan string { return s.messages }

// States streams connection state changes.
func (s *Session) States() <-chan ConnectionState { return s.states }

// Outcome delivers the match outcome exactly once.
func (s *Session) Outcome() <-chan matchmaking.Outcome { return s.outcomes }

// Start begins matchmaking for participantID in scope. It returns
// immediately; progress is reported on the event streams.
func (s *Session) Start(ctx context.Context, scope, participantID string) error {
	if scope == "" || participantID == "" {
		return errors.New("session: scope and participant id are required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.scope, s.participantID = scope, participantID
	s.cancel = cancel
	s.logger = s.opts.Logger.With().Str("scope", scope).Str("participant", participantID).Logger()
	s.mu.Unlock()

	s.setState(StateSearching)
	go s.run(runCtx, scope, participantID)
	return nil
}

func (s *Session) run(ctx context.Context, scope, participantID string) {
	// Subscribe to signaling before entering the queue so that an offer sent
	// right after the pairing is not lost.
	inbound, err := s.relay.Subscribe(ctx, scope, participantID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("signal relay unavailable")
	}

	outcome, err := s.matcher.Match(ctx, scope, participantID)
	if err != nil {
		s.logger.Debug().Err(err).Msg("matchmaking aborted")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.outcome = &outcome
	s.outcomes <- outcome
	s.mu.Unlock()

	if outcome.Mode == matchmaking.ModeAutomated {
		s.setState(StateConnected)
		return
	}

	if inbound == nil {
		s.setState(StateFailed)
		return
	}
	s.connect(ctx, scope, participantID, outcome.OpponentID, inbound)
}

// connect sets up the peer transport. The participant with the smaller id
// is the caller.
func (s *Session) connect(ctx context.Context, scope, participantID, opponentID string, inbound <-chan models.SignalEnvelope) {
	s.setState(StateConnecting)

	m, err := peer.New(ctx, peer.Config{
		SessionScope:     scope,
		LocalID:          participantID,
		RemoteID:         opponentID,
		ICEServers:       s.opts.ICEServers,
		IncludeLoopback:  s.opts.IncludeLoopback,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}, s.relay, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot create peer connection")
		s.setState(StateFailed)
		return
	}

	m.OnStateChange(func(state peer.State) {
		switch state {
		case peer.StateConnected:
			s.setState(StateConnected)
		case peer.StateFailed:
			s.setState(StateFailed)
		case peer.StateClosed:
			s.setState(StateClosed)
		default:
			s.setState(StateConnecting)
		}
	})
	m.OnMessage(func(text string) {
		s.mu.Lock()
		s.history = append(s.history, Turn{Role: RoleOpponent, Text: text})
		s.mu.Unlock()
		s.emitMessage(text)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.Close()
		return
	}
	s.peer = m
	s.mu.Unlock()

	m.Listen(inbound)
	if participantID < opponentID {
		if err := m.Initiate(); err != nil {
			s.logger.Warn().Err(err).Msg("handshake failed")
		}
	}
}

// SendMessage sends text to the human peer when it is connected and to the
// automated responder otherwise. Automated replies arrive on Messages.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.outcome == nil {
		s.mu.Unlock()
		return ErrNotMatched
	}
	s.history = append(s.history, Turn{Role: RoleUser, Text: text})
	m := s.peer
	human := s.outcome.Mode == matchmaking.ModeHuman
	s.mu.Unlock()

	if human && m != nil && m.State() == peer.StateConnected {
		if !m.Send(text) {
			return ErrSendFailed
		}
		return nil
	}

	reply, err := s.responder.GenerateReply(ctx, s.History())
	if err != nil {
		return errors.Wrap(err, "generating automated reply")
	}

	s.mu.Lock()
	s.history = append(s.history, Turn{Role: RoleOpponent, Text: reply})
	s.mu.Unlock()
	s.emitMessage(reply)
	return nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Close stops matchmaking, tears down the peer connection and closes the
// event streams. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	m, cancel := s.peer, s.cancel
	if s.lastState != StateClosed {
		s.lastState = StateClosed
		select {
		case s.states <- StateClosed:
		default:
		}
	}
	close(s.messages)
	close(s.states)
	close(s.outcomes)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if m != nil {
		return m.Close()
	}
	return nil
}

func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.lastState == state {
		return
	}
	s.lastState = state
	select {
	case s.states <- state:
	default:
		s.logger.Warn().Str("state", string(state)).Msg("state event dropped, nobody is listening")
	}
}

func (s *Session) emitMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.messages <- text:
	default:
		s.logger.Warn().Msg("opponent message dropped, nobody is listening")
	}
}
