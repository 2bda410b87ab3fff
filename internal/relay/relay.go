// Package relay carries signaling envelopes between the two peers of a
// session scope. Every implementation delivers an envelope only to the
// subscriber it is addressed to and preserves the publish order of a single
// sender.
package relay

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// ErrClosed is returned when publishing on a relay that has been closed.
var ErrClosed = errors.New("relay: closed")

// ErrInvalidEnvelope is returned for envelopes that cannot be routed.
var ErrInvalidEnvelope = errors.New("relay: envelope needs a kind, sender, receiver and session scope")

// Relay is a publish/subscribe channel keyed by session scope.
type Relay interface {
	// Publish delivers env to env.Receiver if it is subscribed.
	Publish(ctx context.Context, env models.SignalEnvelope) error

	// Subscribe returns the envelopes of scope addressed to participantID.
	// The channel is closed once ctx is done or the relay is closed.
	Subscribe(ctx context.Context, scope, participantID string) (<-chan models.SignalEnvelope, error)
}

func validate(env models.SignalEnvelope) error {
	if !env.Kind.Valid() || env.Sender == "" || env.Receiver == "" || env.SessionScope == "" {
		return errors.Wrapf(ErrInvalidEnvelope, "kind=%q sender=%q receiver=%q scope=%q",
			env.Kind, env.Sender, env.Receiver, env.SessionScope)
	}
	return nil
}

// subscriberBuffer is how many envelopes may queue for a slow subscriber
// before new ones are dropped. A handshake needs an offer or answer plus a
// handful of candidates.
const subscriberBuffer = 64
