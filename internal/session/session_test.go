package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-matchmaking/internal/matchmaking"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/peer"
	"github.com/mossy-p/webrtc-matchmaking/internal/queue"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

func echoResponder(t *testing.T) Responder {
	return ResponderFunc(func(ctx context.Context, history []Turn) (string, error) {
		require.NotEmpty(t, history)
		last := history[len(history)-1]
		assert.Equal(t, RoleUser, last.Role)
		return "you said: " + strings.ToLower(last.Text), nil
	})
}

func waitOutcome(t *testing.T, s *Session) matchmaking.Outcome {
	t.Helper()
	select {
	case o := <-s.Outcome():
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("no match outcome")
		return matchmaking.Outcome{}
	}
}

func waitState(t *testing.T, s *Session, want ConnectionState) {
	t.Helper()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case got, ok := <-s.States():
			require.True(t, ok, "state stream closed before %s", want)
			if got == want {
				return
			}
			require.NotEqual(t, StateFailed, got)
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func waitMessage(t *testing.T, s *Session) string {
	t.Helper()
	select {
	case msg := <-s.Messages():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no opponent message")
		return ""
	}
}

// silentBackend never pairs anyone; the notifications channel is exposed so
// tests can inject a late match.
type silentBackend struct {
	notes chan models.MatchNotification
}

func (b *silentBackend) Enqueue(ctx context.Context, _, _ string) (models.EnqueueResult, error) {
	return models.EnqueueResult{InsertedID: "1"}, nil
}

func (b *silentBackend) SubscribeMatches(ctx context.Context, _, _ string) (<-chan models.MatchNotification, error) {
	return b.notes, nil
}

func TestSession_HumanMatchConnectsAndRelaysMessages(t *testing.T) {
	store := queue.NewMemoryStore(zerolog.Nop())
	signals := relay.NewMemory(zerolog.Nop())
	opts := Options{IncludeLoopback: true, Logger: zerolog.Nop()}

	newSession := func() *Session {
		coord := matchmaking.NewCoordinator(store, store, matchmaking.WithTimeout(5*time.Second))
		s := New(coord, signals, echoResponder(t), opts)
		t.Cleanup(func() { s.Close() })
		return s
	}
	alice, bob := newSession(), newSession()

	ctx := context.Background()
	require.NoError(t, alice.Start(ctx, "round-1", "alice"))
	require.NoError(t, bob.Start(ctx, "round-1", "bob"))

	assert.Equal(t, matchmaking.Human("bob"), waitOutcome(t, alice))
	assert.Equal(t, matchmaking.Human("alice"), waitOutcome(t, bob))

	waitState(t, alice, StateConnected)
	waitState(t, bob, StateConnected)

	require.NoError(t, alice.SendMessage(ctx, "Hi, human?"))
	assert.Equal(t, "Hi, human?", waitMessage(t, bob))

	require.NoError(t, bob.SendMessage(ctx, "Yes"))
	assert.Equal(t, "Yes", waitMessage(t, alice))

	assert.Equal(t, []Turn{
		{Role: RoleUser, Text: "Hi, human?"},
		{Role: RoleOpponent, Text: "Yes"},
	}, alice.History())
}

func TestSession_TimeoutUsesAutomatedResponder(t *testing.T) {
	backend := &silentBackend{notes: make(chan models.MatchNotification)}
	coord := matchmaking.NewCoordinator(backend, backend, matchmaking.WithTimeout(100*time.Millisecond))
	s := New(coord, relay.NewMemory(zerolog.Nop()), echoResponder(t), Options{Logger: zerolog.Nop()})
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, "round-1", "alice"))

	assert.Equal(t, matchmaking.Automated(), waitOutcome(t, s))
	waitState(t, s, StateConnected)

	require.NoError(t, s.SendMessage(ctx, "HELLO"))
	assert.Equal(t, "you said: hello", waitMessage(t, s))
	assert.Len(t, s.History(), 2)
}

func TestSession_LateMatchAfterFallbackIsIgnored(t *testing.T) {
	backend := &silentBackend{notes: make(chan models.MatchNotification, 1)}
	coord := matchmaking.NewCoordinator(backend, backend, matchmaking.WithTimeout(100*time.Millisecond))
	s := New(coord, relay.NewMemory(zerolog.Nop()), echoResponder(t), Options{Logger: zerolog.Nop()})
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "round-1", "alice"))
	require.Equal(t, matchmaking.Automated(), waitOutcome(t, s))

	time.Sleep(50 * time.Millisecond)
	backend.notes <- models.MatchNotification{ParticipantID: "alice", OpponentID: "bob"}
	time.Sleep(100 * time.Millisecond)

	select {
	case o := <-s.Outcome():
		t.Fatalf("outcome changed to %+v", o)
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.peer, "no peer transport may be started after the fallback")
	assert.Equal(t, matchmaking.ModeAutomated, s.outcome.Mode)
}

func TestSession_SendBeforeMatch(t *testing.T) {
	backend := &silentBackend{notes: make(chan models.MatchNotification)}
	coord := matchmaking.NewCoordinator(backend, backend, matchmaking.WithTimeout(time.Minute))
	s := New(coord, relay.NewMemory(zerolog.Nop()), echoResponder(t), Options{Logger: zerolog.Nop()})
	defer s.Close()

	assert.ErrorIs(t, s.SendMessage(context.Background(), "hi"), ErrNotMatched)
	require.NoError(t, s.Start(context.Background(), "round-1", "alice"))
	assert.ErrorIs(t, s.Start(context.Background(), "round-1", "alice"), ErrAlreadyStarted)
	assert.ErrorIs(t, s.SendMessage(context.Background(), "hi"), ErrNotMatched)
}

func TestSession_CloseIsIdempotentAndClosesStreams(t *testing.T) {
	backend := &silentBackend{notes: make(chan models.MatchNotification)}
	coord := matchmaking.NewCoordinator(backend, backend, matchmaking.WithTimeout(time.Minute))
	s := New(coord, relay.NewMemory(zerolog.Nop()), echoResponder(t), Options{Logger: zerolog.Nop()})

	require.NoError(t, s.Start(context.Background(), "round-1", "alice"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	var states []ConnectionState
	for state := range s.States() {
		states = append(states, state)
	}
	assert.Equal(t, []ConnectionState{StateSearching, StateClosed}, states)

	_, ok := <-s.Outcome()
	assert.False(t, ok)
	assert.ErrorIs(t, s.SendMessage(context.Background(), "hi"), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background(), "round-1", "alice"), ErrClosed)
}

func TestSession_OpponentWhoAlreadyFellBackFailsHandshake(t *testing.T) {
	store := queue.NewMemoryStore(zerolog.Nop())
	signals := relay.NewMemory(zerolog.Nop())
	ctx := context.Background()

	alice := New(matchmaking.NewCoordinator(store, store, matchmaking.WithTimeout(200*time.Millisecond)),
		signals, echoResponder(t), Options{Logger: zerolog.Nop()})
	defer alice.Close()
	require.NoError(t, alice.Start(ctx, "round-1", "alice"))
	require.Equal(t, matchmaking.Automated(), waitOutcome(t, alice))

	// alice's entry is still waiting, so bob is paired with her even though
	// she will never answer.
	bob := New(matchmaking.NewCoordinator(store, store, matchmaking.WithTimeout(5*time.Second)),
		signals, echoResponder(t), Options{
			IncludeLoopback:  true,
			Logger:           zerolog.Nop(),
			HandshakeTimeout: 300 * time.Millisecond,
		})
	defer bob.Close()
	require.NoError(t, bob.Start(ctx, "round-1", "bob"))
	require.Equal(t, matchmaking.Human("alice"), waitOutcome(t, bob))

	var states []ConnectionState
	deadline := time.After(5 * time.Second)
	for len(states) == 0 || states[len(states)-1] != StateFailed {
		select {
		case st := <-bob.States():
			states = append(states, st)
		case <-deadline:
			t.Fatalf("handshake never failed, states=%v", states)
		}
	}
	assert.Equal(t, []ConnectionState{StateSearching, StateConnecting, StateFailed}, states)
}

func TestSession_ConnectAfterCloseClosesPeer(t *testing.T) {
	backend := &silentBackend{notes: make(chan models.MatchNotification)}
	coord := matchmaking.NewCoordinator(backend, backend, matchmaking.WithTimeout(time.Minute))
	s := New(coord, relay.NewMemory(zerolog.Nop()), echoResponder(t), Options{Logger: zerolog.Nop()})

	require.NoError(t, s.Start(context.Background(), "round-1", "alice"))
	require.NoError(t, s.Close())

	s.connect(context.Background(), "round-1", "alice", "bob", make(chan models.SignalEnvelope))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.peer)
}

func TestSession_CloseTearsDownPeer(t *testing.T) {
	backend := &silentBackend{notes: make(chan models.MatchNotification)}
	coord := matchmaking.NewCoordinator(backend, backend, matchmaking.WithTimeout(time.Minute))
	s := New(coord, relay.NewMemory(zerolog.Nop()), echoResponder(t), Options{Logger: zerolog.Nop()})

	s.connect(context.Background(), "round-1", "alice", "bob", make(chan models.SignalEnvelope))
	s.mu.Lock()
	m := s.peer
	s.mu.Unlock()
	require.NotNil(t, m)

	require.NoError(t, s.Close())
	assert.Equal(t, peer.StateClosed, m.State())
}
