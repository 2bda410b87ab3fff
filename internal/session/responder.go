package session

import "context"

// Role tells who said a turn of the conversation.
type Role string

const (
	RoleUser     Role = "user"
	RoleOpponent Role = "opponent"
)

// Turn is one message of the running conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Responder produces the automated opponent's replies. Implementations may
// take arbitrarily long; the session imposes no deadline beyond ctx.
type Responder interface {
	GenerateReply(ctx context.Context, history []Turn) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, history []Turn) (string, error)

func (f ResponderFunc) GenerateReply(ctx context.Context, history []Turn) (string, error) {
	return f(ctx, history)
}
