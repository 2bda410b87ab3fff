package models

import "encoding/json"

// SignalKind is the kind of a WebRTC signaling envelope.
type SignalKind string

const (
	SignalKindOffer        SignalKind = "offer"
	SignalKindAnswer       SignalKind = "answer"
	SignalKindICECandidate SignalKind = "ice-candidate"
)

// Valid reports whether k is one of the three handshake kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindICECandidate:
		return true
	}
	return false
}

// SignalEnvelope is one signaling message exchanged between two peers of a
// session scope. The payload is opaque to the relay.
type SignalEnvelope struct {
	Kind         SignalKind      `json:"kind"`
	Sender       string          `json:"sender"`
	Receiver     string          `json:"receiver"`
	SessionScope string          `json:"sessionScope"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// AddressedTo reports whether the envelope should be consumed by participantID.
func (e SignalEnvelope) AddressedTo(participantID string) bool {
	return e.Receiver == participantID
}

// FrameType is the type of a frame on the signaling WebSocket.
type FrameType string

const (
	FrameTypeSignal  FrameType = "signal"
	FrameTypeMatched FrameType = "matched"
	FrameTypeError   FrameType = "error"
)

// Frame is what travels over the signaling WebSocket. Signal frames carry an
// envelope; the server additionally pushes one matched frame when the
// participant is paired.
type Frame struct {
	Type   FrameType          `json:"type"`
	Signal *SignalEnvelope    `json:"signal,omitempty"`
	Match  *MatchNotification `json:"match,omitempty"`
	Error  string             `json:"error,omitempty"`
}
