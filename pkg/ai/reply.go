package ai

import (
	"encoding/json"
	"strings"
)

// Reply is the assistant's answer to one user turn. Reaction is an optional
// emoji the platform layer attaches to the user's message.
type Reply struct {
	Text     string `json:"text"`
	Reaction string `json:"reaction,omitempty"`
}

// parseReply attempts a strict decode of the JSON envelope some replies
// carry. Anything that doesn't decode cleanly into a non-empty text field is
// treated as plain text with no reaction - malformed structured output is
// never repaired or guessed at.
func parseReply(raw string) Reply {
	candidate := strings.TrimSpace(raw)

	// Strip a markdown code fence if the model wrapped its JSON in one
	if strings.HasPrefix(candidate, "```") {
		lines := strings.Split(candidate, "\n")
		if len(lines) >= 3 {
			candidate = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	if strings.HasPrefix(candidate, "{") {
		var reply Reply
		if err := json.Unmarshal([]byte(candidate), &reply); err == nil && reply.Text != "" {
			return reply
		}
	}

	return Reply{Text: strings.TrimSpace(raw)}
}
