// Package matchmaking decides, exactly once per session, whether a
// participant plays against a human peer or against the automated fallback.
//
// The coordinator subscribes to match notifications, enqueues the
// participant and races the first real notification against a timer. The
// loser of the race is cancelled; a notification arriving after the timer
// resolved the outcome is discarded.
package matchmaking

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/metrics"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// DefaultTimeout is how long a participant waits for a human peer.
const DefaultTimeout = 15 * time.Second

// AutomatedOpponentID is the reserved opponent id of the automated fallback.
// Participant ids never contain '~'.
const AutomatedOpponentID = "~automated~"

// Mode tells whether the opponent is a human peer or the automated fallback.
type Mode string

const (
	ModeHuman     Mode = "human"
	ModeAutomated Mode = "automated"
)

// Outcome is the final match decision of a session.
type Outcome struct {
	Mode       Mode   `json:"mode"`
	OpponentID string `json:"opponentId"`
}

// Automated returns the fallback outcome.
func Automated() Outcome {
	return Outcome{Mode: ModeAutomated, OpponentID: AutomatedOpponentID}
}

// Human returns the outcome for a real opponent.
func Human(opponentID string) Outcome {
	return Outcome{Mode: ModeHuman, OpponentID: opponentID}
}

// Enqueuer puts a participant on the waiting list.
type Enqueuer interface {
	Enqueue(ctx context.Context, scope, participantID string) (models.EnqueueResult, error)
}

// Notifier delivers match notifications for one participant until ctx is done.
type Notifier interface {
	SubscribeMatches(ctx context.Context, scope, participantID string) (<-chan models.MatchNotification, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithRetryInterval sets the initial backoff between failed backend calls.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.retryInterval = d }
}

// Coordinator produces one Outcome per Match call.
type Coordinator struct {
	enqueuer      Enqueuer
	notifier      Notifier
	timeout       time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// NewCoordinator creates a coordinator on top of a pairing backend.
func NewCoordinator(enqueuer Enqueuer, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		enqueuer:      enqueuer,
		notifier:      notifier,
		timeout:       DefaultTimeout,
		retryInterval: 250 * time.Millisecond,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the configured wait for a human peer.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Match waits for a human opponent for at most the configured timeout and
// falls back to the automated opponent otherwise. Backend failures never
// surface: they only mean the timer will win. The returned error is non-nil
// only when ctx is cancelled before the outcome is resolved.
func (c *Coordinator) Match(ctx context.Context, scope, participantID string) (Outcome, error) {
	logger := c.logger.With().Str("scope", scope).Str("participant", participantID).Logger()

	matchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The subscription is opened before enqueueing: the pairing that our own
	// enqueue triggers is announced only once, and only through it.
	matches := make(chan models.MatchNotification, 1)
	subscribed := make(chan struct{})
	go c.subscribe(matchCtx, logger, scope, participantID, matches, subscribed)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-subscribed:
	case <-timer.C:
		logger.Info().Msg("match backend unreachable, using automated opponent")
		return c.finish(newResolver(), Automated(), matches, logger), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	go c.enqueue(matchCtx, logger, scope, participantID)

	res := newResolver()
	for {
		select {
		case note := <-matches:
			if !isHumanMatch(note, participantID) {
				logger.Debug().Str("opponent", note.OpponentID).Msg("ignoring placeholder match")
				continue
			}
			return c.finish(res, Human(note.OpponentID), matches, logger), nil

		case <-timer.C:
			return c.finish(res, Automated(), matches, logger), nil

		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

// finish resolves the outcome and discards a notification that raced the
// timer in the same instant.
func (c *Coordinator) finish(res *resolver, outcome Outcome, matches <-chan models.MatchNotification, logger zerolog.Logger) Outcome {
	res.resolve(outcome)
	final := res.outcome()

	select {
	case note := <-matches:
		if !res.resolve(Human(note.OpponentID)) {
			metrics.LateMatchesDiscarded.Inc()
			logger.Info().Str("opponent", note.OpponentID).Msg("discarding match that arrived after the outcome was decided")
		}
	default:
	}

	metrics.Outcomes.WithLabelValues(string(final.Mode)).Inc()
	logger.Info().Str("mode", string(final.Mode)).Str("opponent", final.OpponentID).Msg("match resolved")
	return final
}

func isHumanMatch(note models.MatchNotification, participantID string) bool {
	return note.OpponentID != "" &&
		note.OpponentID != AutomatedOpponentID &&
		note.OpponentID != participantID
}

// subscribe opens the notification subscription, retrying transient
// failures until ctx ends, and forwards notifications into out.
func (c *Coordinator) subscribe(ctx context.Context, logger zerolog.Logger, scope, participantID string, out chan<- models.MatchNotification, subscribed chan<- struct{}) {
	notes, err := backoff.Retry(ctx, func() (<-chan models.MatchNotification, error) {
		return c.notifier.SubscribeMatches(ctx, scope, participantID)
	}, c.retryOptions(logger, "subscribe")...)
	if err != nil {
		return
	}
	close(subscribed)

	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			select {
			case out <- note:
			case <-ctx.Done():
				return
			}
		}
	}
}

// enqueue is fire and forget; its response is only logged.
func (c *Coordinator) enqueue(ctx context.Context, logger zerolog.Logger, scope, participantID string) {
	res, err := backoff.Retry(ctx, func() (models.EnqueueResult, error) {
		return c.enqueuer.Enqueue(ctx, scope, participantID)
	}, c.retryOptions(logger, "enqueue")...)
	if err != nil {
		return
	}
	logger.Debug().
		Str("entry", res.InsertedID).
		Bool("paired", res.Paired).
		Str("opponent", res.OpponentID).
		Msg("enqueued")
}

func (c *Coordinator) retryOptions(logger zerolog.Logger, op string) []backoff.RetryOption {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = c.timeout / 3

	return []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug().Err(err).Str("op", op).Dur("retry_in", next).Msg("match backend call failed")
		}),
	}
}

// resolver holds an outcome that can be set only once.
type resolver struct {
	mu       sync.Mutex
	resolved bool
	value    Outcome
}

func newResolver() *resolver {
	return &resolver{}
}

// resolve sets the outcome if none was set yet and reports whether it did.
func (r *resolver) resolve(o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved, r.value = true, o
	return true
}

func (r *resolver) outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}
