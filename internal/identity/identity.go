// Package identity canonicalizes user identifiers and derives deterministic
// conversation ids for unordered participant pairs.
package identity

import (
	"regexp"
	"strings"

	"chatsync/internal/models"
)

// Separator joins the two sorted participant ids into a conversation id.
// Normalize never produces a ':', so distinct pairs never collide.
const Separator = ":"

var idRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)

// Normalize trims whitespace and lower-cases a raw participant name.
// The result is restricted to alphanumerics, dot, dash and underscore;
// anything else (including the empty string) is ErrInvalidIdentity.
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !idRegex.MatchString(id) {
		return "", models.ErrInvalidIdentity
	}
	return id, nil
}

// ConversationID derives the stable id for the conversation between two
// participants. It is commutative: ConversationID(a, b) == ConversationID(b, a).
// Self-chats are rejected.
func ConversationID(rawA, rawB string) (string, error) {
	a, err := Normalize(rawA)
	if err != nil {
		return "", err
	}
	b, err := Normalize(rawB)
	if err != nil {
		return "", err
	}
	if a == b {
		return "", models.ErrInvalidIdentity
	}
	if a > b {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// Participants splits a conversation id back into its two sorted
// participant ids. Returns ErrNotFound for malformed ids.
func Participants(conversationID string) ([2]string, error) {
	parts := strings.Split(conversationID, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return [2]string{}, models.ErrNotFound
	}
	return [2]string{parts[0], parts[1]}, nil
}
