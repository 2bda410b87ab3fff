package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

var _ Relay = (*Memory)(nil)

// Memory is an in-process Relay. Two peer managers sharing one Memory relay
// can complete a handshake without any network signaling.
type Memory struct {
	logger zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*memorySub // scope -> subscribers
	closed bool
}

type memorySub struct {
	participantID string
	ch            chan models.SignalEnvelope
}

// NewMemory creates an in-process relay.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		logger: logger,
		subs:   make(map[string]map[uint64]*memorySub),
	}
}

func (m *Memory) Publish(ctx context.Context, env models.SignalEnvelope) error {
	if err := validate(env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, sub := range m.subs[env.SessionScope] {
		if !env.AddressedTo(sub.participantID) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			m.logger.Warn().
				Str("scope", env.SessionScope).
				Str("receiver", env.Receiver).
				Str("kind", string(env.Kind)).
				Msg("envelope dropped, subscriber buffer full")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, scope, participantID string) (<-chan models.SignalEnvelope, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	sub := &memorySub{participantID: participantID, ch: make(chan models.SignalEnvelope, subscriberBuffer)}
	if m.subs[scope] == nil {
		m.subs[scope] = make(map[uint64]*memorySub)
	}
	m.subs[scope][id] = sub
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[scope][id]; !ok {
			return // already closed by Close
		}
		delete(m.subs[scope], id)
		if len(m.subs[scope]) == 0 {
			delete(m.subs, scope)
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for scope, subs := range m.subs {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(m.subs, scope)
	}
	return nil
}
