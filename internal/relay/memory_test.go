package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

func envelope(kind models.SignalKind, from, to, payload string) models.SignalEnvelope {
	return models.SignalEnvelope{
		Kind:         kind,
		Sender:       from,
		Receiver:     to,
		SessionScope: "round-1",
		Payload:      json.RawMessage(`"` + payload + `"`),
	}
}

func receive(t *testing.T, ch <-chan models.SignalEnvelope) models.SignalEnvelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope received")
		return models.SignalEnvelope{}
	}
}

func TestMemory_DeliversOnlyToReceiver(t *testing.T) {
	relay := NewMemory(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob, err := relay.Subscribe(ctx, "round-1", "bob")
	require.NoError(t, err)
	carol, err := relay.Subscribe(ctx, "round-1", "carol")
	require.NoError(t, err)

	require.NoError(t, relay.Publish(ctx, envelope(models.SignalKindOffer, "alice", "bob", "sdp")))

	got := receive(t, bob)
	assert.Equal(t, models.SignalKindOffer, got.Kind)
	assert.Equal(t, "alice", got.Sender)

	select {
	case env := <-carol:
		t.Fatalf("carol received an envelope addressed to %s", env.Receiver)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_PreservesSenderOrder(t *testing.T) {
	relay := NewMemory(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob, err := relay.Subscribe(ctx, "round-1", "bob")
	require.NoError(t, err)

	require.NoError(t, relay.Publish(ctx, envelope(models.SignalKindOffer, "alice", "bob", "sdp")))
	require.NoError(t, relay.Publish(ctx, envelope(models.SignalKindICECandidate, "alice", "bob", "c1")))
	require.NoError(t, relay.Publish(ctx, envelope(models.SignalKindICECandidate, "alice", "bob", "c2")))

	assert.Equal(t, models.SignalKindOffer, receive(t, bob).Kind)
	assert.JSONEq(t, `"c1"`, string(receive(t, bob).Payload))
	assert.JSONEq(t, `"c2"`, string(receive(t, bob).Payload))
}

func TestMemory_ScopesAreIsolated(t *testing.T) {
	relay := NewMemory(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob, err := relay.Subscribe(ctx, "round-2", "bob")
	require.NoError(t, err)
	require.NoError(t, relay.Publish(ctx, envelope(models.SignalKindOffer, "alice", "bob", "sdp")))

	select {
	case <-bob:
		t.Fatal("envelope crossed scopes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_RejectsInvalidEnvelope(t *testing.T) {
	relay := NewMemory(zerolog.Nop())

	err := relay.Publish(context.Background(), models.SignalEnvelope{Kind: "bogus", Sender: "a", Receiver: "b", SessionScope: "s"})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	err = relay.Publish(context.Background(), models.SignalEnvelope{Kind: models.SignalKindOffer, Sender: "a", SessionScope: "s"})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestMemory_CloseEndsSubscriptions(t *testing.T) {
	relay := NewMemory(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob, err := relay.Subscribe(ctx, "round-1", "bob")
	require.NoError(t, err)
	require.NoError(t, relay.Close())
	require.NoError(t, relay.Close())

	_, ok := <-bob
	assert.False(t, ok)
	assert.ErrorIs(t, relay.Publish(ctx, envelope(models.SignalKindOffer, "alice", "bob", "sdp")), ErrClosed)
}

func TestMemory_UnsubscribeOnContextCancel(t *testing.T) {
	relay := NewMemory(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	bob, err := relay.Subscribe(ctx, "round-1", "bob")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-bob:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestUnavailable_FailsEveryCall(t *testing.T) {
	u := NewUnavailable(errors.New("connection refused"))
	ctx := context.Background()

	err := u.Publish(ctx, models.SignalEnvelope{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = u.Subscribe(ctx, "round-1", "alice")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = u.SubscribeMatches(ctx, "round-1", "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
}
