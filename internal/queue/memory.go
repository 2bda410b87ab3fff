package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/metrics"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. It is used by tests and by single
// instance deployments without Redis.
type MemoryStore struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     uint64
	entries map[string][]*models.WaitingEntry // scope -> entries in insertion order
	subs    map[string]map[uint64]chan models.MatchNotification
	subSeq  uint64
}

// NewMemoryStore creates an empty in-process waiting list.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		now:     time.Now,
		entries: make(map[string][]*models.WaitingEntry),
		subs:    make(map[string]map[uint64]chan models.MatchNotification),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, scope, participantID string) (models.EnqueueResult, error) {
	if err := validate(scope, participantID); err != nil {
		return models.EnqueueResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.EnqueueResult{}, err
	}

	id := s.insert(scope, participantID)

	pair, err := s.pairOldest(ctx, scope)
	if err != nil {
		return models.EnqueueResult{InsertedID: id}, err
	}
	if len(pair) == 2 {
		s.publish(notifications(pair))
	}
	return result(id, pair), nil
}

func (s *MemoryStore) insert(scope, participantID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries[scope] {
		if e.ParticipantID == participantID {
			return e.ID
		}
	}

	s.seq++
	entry := &models.WaitingEntry{
		ID:            strconv.FormatUint(s.seq, 10),
		SessionScope:  scope,
		ParticipantID: participantID,
		JoinedAt:      s.now(),
	}
	s.entries[scope] = append(s.entries[scope], entry)
	metrics.Enqueued.WithLabelValues("memory").Inc()
	return entry.ID
}

// pairOldest snapshots the two oldest unmatched entries and then links them
// with a conditional write. If either entry was matched in between, the
// snapshot is stale and the sequence starts over. Every lost race means some
// other caller formed a pair, so the loop always terminates.
func (s *MemoryStore) pairOldest(ctx context.Context, scope string) ([]models.WaitingEntry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates := s.oldestUnmatched(scope)
		if len(candidates) < 2 {
			return nil, nil
		}

		if pair, ok := s.link(scope, candidates[0], candidates[1]); ok {
			metrics.Paired.WithLabelValues("memory").Inc()
			s.logger.Debug().
				Str("scope", scope).
				Str("first", pair[0].ParticipantID).
				Str("second", pair[1].ParticipantID).
				Msg("paired waiting entries")
			return pair, nil
		}
		metrics.PairingConflicts.WithLabelValues("memory").Inc()
	}
}

func (s *MemoryStore) oldestUnmatched(scope string) []models.WaitingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WaitingEntry
	for _, e := range s.entries[scope] {
		if e.Matched {
			continue
		}
		out = append(out, *e)
	}
	sortByJoined(out)
	if len(out) > 2 {
		out = out[:2]
	}
	return out
}

// link performs the conditional write: both rows are updated only if both
// are still unmatched.
func (s *MemoryStore) link(scope string, a, b models.WaitingEntry) ([]models.WaitingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowA, rowB := s.find(scope, a.ID), s.find(scope, b.ID)
	if rowA == nil || rowB == nil || rowA.Matched || rowB.Matched {
		return nil, false
	}

	rowA.Matched, rowA.OpponentID = true, rowB.ParticipantID
	rowB.Matched, rowB.OpponentID = true, rowA.ParticipantID
	return []models.WaitingEntry{*rowA, *rowB}, true
}

func (s *MemoryStore) find(scope, id string) *models.WaitingEntry {
	for _, e := range s.entries[scope] {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context, scope string) ([]models.WaitingEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.WaitingEntry, 0, len(s.entries[scope]))
	for _, e := range s.entries[scope] {
		out = append(out, *e)
	}
	sortByJoined(out)
	return out, nil
}

func (s *MemoryStore) SubscribeMatches(ctx context.Context, scope, participantID string) (<-chan models.MatchNotification, error) {
	if err := validate(scope, participantID); err != nil {
		return nil, err
	}

	key := scope + "|" + participantID
	ch := make(chan models.MatchNotification, 4)

	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]chan models.MatchNotification)
	}
	s.subs[key][id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (s *MemoryStore) publish(notes []models.MatchNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range notes {
		for _, ch := range s.subs[n.SessionScope+"|"+n.ParticipantID] {
			select {
			case ch <- n:
			default:
				s.logger.Warn().
					Str("scope", n.SessionScope).
					Str("participant", n.ParticipantID).
					Msg("match notification dropped, subscriber buffer full")
			}
		}
	}
}
