package models

import "time"

// WaitingEntry is one participant waiting to be paired within a session scope.
// Entries are never deleted by the pairing algorithm; they double as an audit
// trail of who was matched with whom.
type WaitingEntry struct {
	ID            string    `json:"id"`
	SessionScope  string    `json:"sessionScope"`
	ParticipantID string    `json:"participantId"`
	JoinedAt      time.Time `json:"joinedAt"`
	Matched       bool      `json:"matched"`
	OpponentID    string    `json:"opponentId,omitempty"`
}

// EnqueueRequest is the body of the enqueue call.
type EnqueueRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

// EnqueueResult reports what an enqueue attempt did. Paired is only true for
// the caller whose attempt performed the pairing; the other participant
// learns about it through a MatchNotification.
type EnqueueResult struct {
	InsertedID string `json:"insertedId"`
	Paired     bool   `json:"paired"`
	OpponentID string `json:"opponentId,omitempty"`
}

// MatchNotification is delivered to a participant whose entry gained an
// opponent.
type MatchNotification struct {
	SessionScope  string `json:"sessionScope"`
	ParticipantID string `json:"participantId"`
	OpponentID    string `json:"opponentId"`
	EntryID       string `json:"entryId"`
}
