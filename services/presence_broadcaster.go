package services

import (
	"log/slog"
	"time"

	"chat-gateway/domain"
	"chat-gateway/domain/event"
	"chat-gateway/runtime"
)

// PresenceBroadcaster turns tracker transitions into frames.
type PresenceBroadcaster struct {
	log       *slog.Logger
	directory *runtime.Directory
}

func NewPresenceBroadcaster(log *slog.Logger, directory *runtime.Directory) *PresenceBroadcaster {
	return &PresenceBroadcaster{log: log, directory: directory}
}

// TypingChanged notifies the destination, except the typing user.
func (b *PresenceBroadcaster) TypingChanged(id domain.DestinationID, userID string, typing bool) {
	dest, err := b.directory.Resolve(id)
	if err != nil {
		return
	}
	evt := event.NewTyping(typing, id, userID, time.Now())
	if _, err := b.directory.Broadcast(dest, evt, runtime.WithoutUsers(userID)); err != nil {
		b.log.Warn("Typing broadcast failed", "destination", id, "error", err)
	}
}

// StatusChanged notifies every destination the user belongs to.
func (b *PresenceBroadcaster) StatusChanged(p domain.Presence) {
	evt := event.NewUserStatusUpdate(p, time.Now())
	for _, dest := range b.directory.DestinationsOf(p.UserID) {
		if _, err := b.directory.Broadcast(dest, evt, runtime.WithoutUsers(p.UserID)); err != nil {
			b.log.Warn("Status broadcast failed", "destination", dest.ID, "error", err)
		}
	}
}
