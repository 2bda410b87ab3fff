package relay

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// ErrUnavailable wraps the reason a signaling backend could not be reached.
var ErrUnavailable = errors.New("relay: signaling backend unavailable")

var _ Relay = (*Unavailable)(nil)

// Unavailable stands in for a signaling backend that could not be reached.
// Every call fails, which makes matchmaking fall back to the automated
// opponent once its timeout expires.
type Unavailable struct {
	cause error
}

// NewUnavailable records why the backend is unreachable.
func NewUnavailable(cause error) *Unavailable {
	return &Unavailable{cause: cause}
}

func (u *Unavailable) err() error {
	if u.cause == nil {
		return ErrUnavailable
	}
	return errors.Wrapf(ErrUnavailable, "%v", u.cause)
}

func (u *Unavailable) Publish(context.Context, models.SignalEnvelope) error {
	return u.err()
}

func (u *Unavailable) Subscribe(context.Context, string, string) (<-chan models.SignalEnvelope, error) {
	return nil, u.err()
}

// SubscribeMatches fails like Subscribe so the value can serve as a
// matchmaking notifier too.
func (u *Unavailable) SubscribeMatches(context.Context, string, string) (<-chan models.MatchNotification, error) {
	return nil, u.err()
}
