package relay

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

var _ Relay = (*Redis)(nil)

// Redis relays envelopes over a Redis pub/sub channel per session scope.
// Every subscriber of the scope receives every envelope and discards those
// not addressed to it. Pub/sub is fire and forget: envelopes published before
// the receiver subscribed are lost.
type Redis struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedis creates a relay on top of an existing Redis client.
func NewRedis(client redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func signalChannel(scope string) string {
	return "signal:" + scope
}

func (r *Redis) Publish(ctx context.Context, env models.SignalEnvelope) error {
	if err := validate(env); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshaling envelope")
	}
	if err := r.client.Publish(ctx, signalChannel(env.SessionScope), data).Err(); err != nil {
		return errors.Wrapf(err, "publishing %s to %s", env.Kind, env.Receiver)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, scope, participantID string) (<-chan models.SignalEnvelope, error) {
	pubsub := r.client.Subscribe(ctx, signalChannel(scope))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "subscribing to signals of %s", scope)
	}

	out := make(chan models.SignalEnvelope, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env models.SignalEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("malformed envelope")
					continue
				}
				if !env.AddressedTo(participantID) {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
