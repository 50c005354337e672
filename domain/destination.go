package domain

import (
	"fmt"

	"chat-gateway/errors"
)

type DestinationID string

type Kind string

const (
	KindChannel      Kind = "channel"
	KindConversation Kind = "conversation"
)

const conversationPrefix = "conv_"

// Channel is a public, named destination with open membership.
type Channel struct {
	ID          DestinationID
	Name        string
	Description string
}

// DefaultChannels are seeded when the channel store is empty.
func DefaultChannels() []Channel {
	return []Channel{
		{ID: "general", Name: "General", Description: "General discussion"},
		{ID: "feedback", Name: "Feedback", Description: "Share feedback and suggestions"},
		{ID: "career", Name: "Career", Description: "Career advice and opportunities"},
		{ID: "learning", Name: "Learning", Description: "Learning resources and study groups"},
		{ID: "networking", Name: "Networking", Description: "Meet and connect with others"},
	}
}

// ConversationID derives the canonical id of the two-party conversation
// between a and b. The order of the arguments does not matter. The length of
// the first participant is encoded so that no two pairs share an id.
func ConversationID(a, b string) (DestinationID, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: both participants are required", errors.ErrInvalidRecipient)
	}
	if a == b {
		return "", fmt.Errorf("%w: cannot start a conversation with yourself", errors.ErrInvalidRecipient)
	}
	p := Participants(a, b)
	return DestinationID(fmt.Sprintf("%s%d_%s_%s", conversationPrefix, len(p[0]), p[0], p[1])), nil
}

// Participants returns both participants in canonical order.
func Participants(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}
