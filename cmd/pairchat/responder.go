package main

import (
	"context"
	"strings"

	"github.com/mossy-p/webrtc-matchmaking/internal/session"
)

var script = []string{
	"hey! how's it going?",
	"ha, fair enough. what brings you here?",
	"interesting. tell me more",
	"I see what you mean",
}

// scriptedResponder walks through a fixed script, one line per user turn.
type scriptedResponder struct{}

func newScriptedResponder() session.Responder {
	return scriptedResponder{}
}

func (scriptedResponder) GenerateReply(ctx context.Context, history []session.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	turns := 0
	var last string
	for _, t := range history {
		if t.Role == session.RoleUser {
			turns++
			last = t.Text
		}
	}
	if strings.HasSuffix(last, "?") && turns > 1 {
		return "good question. I'd rather hear what you think", nil
	}
	return script[(turns-1+len(script))%len(script)], nil
}
