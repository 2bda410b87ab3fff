// Package queue implements the waiting list that pairs participants of a
// session scope two at a time.
//
// Pairing is oldest-first: after every insert the two oldest unmatched
// entries of the scope are linked to each other. The link is written with a
// conditional update per entry (only if the entry is still unmatched), and a
// lost race restarts the read-pair-write sequence, so a participant can never
// be handed two different opponents.
package queue

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// ErrInvalidRequest is returned when the scope or participant id is empty.
var ErrInvalidRequest = errors.New("queue: session scope and participant id are required")

// ErrContention is returned when a Redis transaction keeps losing races.
var ErrContention = errors.New("queue: pairing contention, retries exhausted")

// maxPairAttempts bounds the optimistic transaction retries against Redis.
const maxPairAttempts = 256

// Store is a shared waiting list.
type Store interface {
	// Enqueue inserts a waiting entry for participantID and attempts a
	// pairing. A participant that already has an entry in the scope gets
	// that entry back instead of a second one, so retried enqueues can never
	// earn a participant a second opponent within the same scope.
	Enqueue(ctx context.Context, scope, participantID string) (models.EnqueueResult, error)

	// Entries lists every entry of the scope ordered by JoinedAt.
	Entries(ctx context.Context, scope string) ([]models.WaitingEntry, error)

	// SubscribeMatches delivers a notification whenever an entry owned by
	// participantID gains an opponent. The channel is closed once ctx is
	// done.
	SubscribeMatches(ctx context.Context, scope, participantID string) (<-chan models.MatchNotification, error)
}

func validate(scope, participantID string) error {
	if scope == "" || participantID == "" {
		return ErrInvalidRequest
	}
	return nil
}

// result builds the enqueue response for the entry that triggered a pairing
// attempt.
func result(insertedID string, pair []models.WaitingEntry) models.EnqueueResult {
	res := models.EnqueueResult{InsertedID: insertedID}
	for _, e := range pair {
		if e.ID == insertedID {
			res.Paired = true
			res.OpponentID = e.OpponentID
		}
	}
	return res
}

func notifications(pair []models.WaitingEntry) []models.MatchNotification {
	out := make([]models.MatchNotification, 0, len(pair))
	for _, e := range pair {
		out = append(out, models.MatchNotification{
			SessionScope:  e.SessionScope,
			ParticipantID: e.ParticipantID,
			OpponentID:    e.OpponentID,
			EntryID:       e.ID,
		})
	}
	return out
}

// sortByJoined orders entries oldest first. The sort is stable so entries
// sharing a timestamp keep the store's insertion order.
func sortByJoined(entries []models.WaitingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
