// Package domain contains core concepts of the chat system.
// This file defines Message and Reaction along with their visibility rules.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Message is a single entry in a destination log.
// Content is the plaintext canonical form; storage may hold it encrypted.
type Message struct {
	ID                 uuid.UUID
	DestinationID      DestinationID
	AuthorID           string
	Content            string
	CreatedAt          time.Time
	Edited             bool
	EditedAt           *time.Time
	DeletedForEveryone bool
	DeletedAt          *time.Time
	// DeletedFor holds per-user suppressions, keyed by user id.
	DeletedFor map[string]time.Time
	// ReadBy holds read receipts, keyed by reader id.
	ReadBy    map[string]time.Time
	ReplyTo   *uuid.UUID
	ThreadID  string
	Reactions []Reaction
}

// Reaction is unique per (message, user, emoji).
type Reaction struct {
	MessageID uuid.UUID
	UserID    string
	Emoji     string
	At        time.Time
}

func (r Reaction) Matches(userID, emoji string) bool {
	return r.UserID == userID && r.Emoji == emoji
}

// VisibleTo reports whether the viewer can still see the message at all.
// A message deleted for everyone stays visible as a tombstone.
func (m Message) VisibleTo(userID string) bool {
	_, hidden := m.DeletedFor[userID]
	return !hidden
}

// HiddenFrom lists users who removed the message from their own view.
func (m Message) HiddenFrom() []string {
	return lo.Keys(m.DeletedFor)
}

// ReadAt returns when userID read the message.
func (m Message) ReadAt(userID string) (time.Time, bool) {
	at, ok := m.ReadBy[userID]
	return at, ok
}

// HasReaction reports whether the user already reacted with this emoji.
func (m Message) HasReaction(userID, emoji string) bool {
	return lo.ContainsBy(m.Reactions, func(r Reaction) bool { return r.Matches(userID, emoji) })
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m Message) Clone() Message {
	c := m
	if m.EditedAt != nil {
		c.EditedAt = lo.ToPtr(*m.EditedAt)
	}
	if m.DeletedAt != nil {
		c.DeletedAt = lo.ToPtr(*m.DeletedAt)
	}
	if m.ReplyTo != nil {
		c.ReplyTo = lo.ToPtr(*m.ReplyTo)
	}
	if m.DeletedFor != nil {
		c.DeletedFor = make(map[string]time.Time, len(m.DeletedFor))
		for k, v := range m.DeletedFor {
			c.DeletedFor[k] = v
		}
	}
	if m.ReadBy != nil {
		c.ReadBy = make(map[string]time.Time, len(m.ReadBy))
		for k, v := range m.ReadBy {
			c.ReadBy[k] = v
		}
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return c
}
