// Package event defines the outbound frames pushed to connected clients.
package event

import (
	"time"

	"chat-gateway/domain"

	"github.com/samber/lo"
)

type Type string

const (
	TypeConnected           Type = "connected"
	TypeAuthenticated       Type = "authenticated"
	TypeAuthError           Type = "auth_error"
	TypeSessionSuperseded   Type = "session_superseded"
	TypeChannelJoined       Type = "channel_joined"
	TypeChannelLeft         Type = "channel_left"
	TypeChatInitialized     Type = "chat_initialized"
	TypeNewChatInitialized  Type = "new_chat_initialized"
	TypeNewMessage          Type = "new_message"
	TypeMessageEdited       Type = "message_edited"
	TypeMessageDeleted      Type = "message_deleted"
	TypeReactionAdded       Type = "reaction_added"
	TypeReactionRemoved     Type = "reaction_removed"
	TypeMessageRead         Type = "message_read"
	TypeConversationDeleted Type = "conversation_deleted"
	TypeTypingStarted       Type = "typing_started"
	TypeTypingStopped       Type = "typing_stopped"
	TypeUserStatusUpdate    Type = "user_status_update"
	TypeSearchResults       Type = "search_results"
	TypeOnlineUsers         Type = "online_users"
	TypeModerationWarning   Type = "moderation_warning"
	TypePong                Type = "pong"
	TypeError               Type = "error"
)

// Outbound is any frame the gateway can serialize to a client.
type Outbound interface {
	EventType() Type
}

type Envelope struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Envelope) EventType() Type { return e.Type }

func envelope(t Type, at time.Time) Envelope {
	return Envelope{Type: t, Timestamp: at.UTC()}
}

type ReactionView struct {
	UserID string    `json:"userId"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

type ReplyPreview struct {
	MessageID string `json:"messageId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
}

type MessageView struct {
	ID                 string               `json:"id"`
	DestinationID      string               `json:"destinationId"`
	AuthorID           string               `json:"authorId"`
	Content            string               `json:"content"`
	CreatedAt          time.Time            `json:"createdAt"`
	Edited             bool                 `json:"edited"`
	EditedAt           *time.Time           `json:"editedAt,omitempty"`
	DeletedForEveryone bool                 `json:"deletedForEveryone"`
	ReplyTo            string               `json:"replyTo,omitempty"`
	ThreadID           string               `json:"threadId,omitempty"`
	Reactions          []ReactionView       `json:"reactions"`
	ReadBy             map[string]time.Time `json:"readBy,omitempty"`
	ReplyPreview       *ReplyPreview        `json:"replyPreview,omitempty"`
}

func NewMessageView(m domain.Message) MessageView {
	view := MessageView{
		ID:                 m.ID.String(),
		DestinationID:      string(m.DestinationID),
		AuthorID:           m.AuthorID,
		Content:            m.Content,
		CreatedAt:          m.CreatedAt,
		Edited:             m.Edited,
		EditedAt:           m.EditedAt,
		DeletedForEveryone: m.DeletedForEveryone,
		ThreadID:           m.ThreadID,
		ReadBy:             m.ReadBy,
		Reactions: lo.Map(m.Reactions, func(r domain.Reaction, _ int) ReactionView {
			return ReactionView{UserID: r.UserID, Emoji: r.Emoji, At: r.At}
		}),
	}
	if m.ReplyTo != nil {
		view.ReplyTo = m.ReplyTo.String()
	}
	if m.DeletedForEveryone {
		view.Content = ""
	}
	return view
}

func NewMessageViews(messages []domain.Message) []MessageView {
	return lo.Map(messages, func(m domain.Message, _ int) MessageView { return NewMessageView(m) })
}

type UserView struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Snapshot is what a client needs to synchronize after joining a destination.
type Snapshot struct {
	Messages []MessageView `json:"messages"`
	Online   []string      `json:"online"`
	Typing   []string      `json:"typing"`
}

type ChannelView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Connected struct {
	Envelope
	ConnectionID string `json:"connectionId"`
	RequiresAuth bool   `json:"requiresAuth"`
}

func NewConnected(id domain.ConnectionID, at time.Time) Connected {
	return Connected{Envelope: envelope(TypeConnected, at), ConnectionID: string(id), RequiresAuth: true}
}

type Authenticated struct {
	Envelope
	User UserView `json:"user"`
}

func NewAuthenticated(user domain.UserIdentity, at time.Time) Authenticated {
	return Authenticated{
		Envelope: envelope(TypeAuthenticated, at),
		User:     UserView{ID: user.ID, Username: user.Username, DisplayName: user.DisplayName},
	}
}

type AuthError struct {
	Envelope
	Message string `json:"message"`
	Details string `json:"details"`
}

func NewAuthError(message, details string, at time.Time) AuthError {
	return AuthError{Envelope: envelope(TypeAuthError, at), Message: message, Details: details}
}

type SessionSuperseded struct {
	Envelope
	Message string `json:"message"`
}

func NewSessionSuperseded(at time.Time) SessionSuperseded {
	return SessionSuperseded{
		Envelope: envelope(TypeSessionSuperseded, at),
		Message:  "You have been logged in from another location",
	}
}

type ChannelJoined struct {
	Envelope
	Channel ChannelView `json:"channel"`
	Snapshot
}

func NewChannelJoined(ch domain.Channel, snapshot Snapshot, at time.Time) ChannelJoined {
	return ChannelJoined{
		Envelope: envelope(TypeChannelJoined, at),
		Channel:  ChannelView{ID: string(ch.ID), Name: ch.Name, Description: ch.Description},
		Snapshot: snapshot,
	}
}

type ChannelLeft struct {
	Envelope
	ChannelID string `json:"channelId"`
}

func NewChannelLeft(id domain.DestinationID, at time.Time) ChannelLeft {
	return ChannelLeft{Envelope: envelope(TypeChannelLeft, at), ChannelID: string(id)}
}

type ChatInitialized struct {
	Envelope
	DestinationID string   `json:"destinationId"`
	Participants  []string `json:"participants"`
	Snapshot
}

func NewChatInitialized(id domain.DestinationID, participants [2]string, snapshot Snapshot, at time.Time) ChatInitialized {
	return ChatInitialized{
		Envelope:      envelope(TypeChatInitialized, at),
		DestinationID: string(id),
		Participants:  participants[:],
		Snapshot:      snapshot,
	}
}

// ChatInvitation tells the recipient that a conversation was opened with them.
type ChatInvitation struct {
	Envelope
	DestinationID string `json:"destinationId"`
	From          string `json:"from"`
}

func NewChatInvitation(id domain.DestinationID, from string, at time.Time) ChatInvitation {
	return ChatInvitation{Envelope: envelope(TypeNewChatInitialized, at), DestinationID: string(id), From: from}
}

type NewMessage struct {
	Envelope
	Message MessageView `json:"message"`
}

func NewNewMessage(view MessageView, at time.Time) NewMessage {
	return NewMessage{Envelope: envelope(TypeNewMessage, at), Message: view}
}

type MessageEdited struct {
	Envelope
	Message MessageView `json:"message"`
}

func NewMessageEdited(m domain.Message, at time.Time) MessageEdited {
	return MessageEdited{Envelope: envelope(TypeMessageEdited, at), Message: NewMessageView(m)}
}

type MessageDeleted struct {
	Envelope
	MessageID         string `json:"messageId"`
	DestinationID     string `json:"destinationId"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
	DeletedBy         string `json:"deletedBy"`
}

func NewMessageDeleted(m domain.Message, by string, forEveryone bool, at time.Time) MessageDeleted {
	return MessageDeleted{
		Envelope:          envelope(TypeMessageDeleted, at),
		MessageID:         m.ID.String(),
		DestinationID:     string(m.DestinationID),
		DeleteForEveryone: forEveryone,
		DeletedBy:         by,
	}
}

type ReactionChanged struct {
	Envelope
	MessageID     string `json:"messageId"`
	DestinationID string `json:"destinationId"`
	UserID        string `json:"userId"`
	Emoji         string `json:"emoji"`
}

func NewReactionAdded(dest domain.DestinationID, r domain.Reaction, at time.Time) ReactionChanged {
	return newReactionChanged(TypeReactionAdded, dest, r, at)
}

func NewReactionRemoved(dest domain.DestinationID, r domain.Reaction, at time.Time) ReactionChanged {
	return newReactionChanged(TypeReactionRemoved, dest, r, at)
}

func newReactionChanged(t Type, dest domain.DestinationID, r domain.Reaction, at time.Time) ReactionChanged {
	return ReactionChanged{
		Envelope:      envelope(t, at),
		MessageID:     r.MessageID.String(),
		DestinationID: string(dest),
		UserID:        r.UserID,
		Emoji:         r.Emoji,
	}
}

type MessageRead struct {
	Envelope
	MessageID     string    `json:"messageId"`
	DestinationID string    `json:"destinationId"`
	ReadBy        string    `json:"readBy"`
	ReadAt        time.Time `json:"readAt"`
}

func NewMessageRead(m domain.Message, readerID string, at time.Time) MessageRead {
	readAt, _ := m.ReadAt(readerID)
	return MessageRead{
		Envelope:      envelope(TypeMessageRead, at),
		MessageID:     m.ID.String(),
		DestinationID: string(m.DestinationID),
		ReadBy:        readerID,
		ReadAt:        readAt,
	}
}

type ConversationDeleted struct {
	Envelope
	DestinationID     string `json:"destinationId"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
	DeletedBy         string `json:"deletedBy"`
}

func NewConversationDeleted(id domain.DestinationID, by string, forEveryone bool, at time.Time) ConversationDeleted {
	return ConversationDeleted{
		Envelope:          envelope(TypeConversationDeleted, at),
		DestinationID:     string(id),
		DeleteForEveryone: forEveryone,
		DeletedBy:         by,
	}
}

type Typing struct {
	Envelope
	DestinationID string `json:"destinationId"`
	UserID        string `json:"userId"`
}

func NewTyping(started bool, dest domain.DestinationID, userID string, at time.Time) Typing {
	t := TypeTypingStopped
	if started {
		t = TypeTypingStarted
	}
	return Typing{Envelope: envelope(t, at), DestinationID: string(dest), UserID: userID}
}

type UserStatusUpdate struct {
	Envelope
	UserID   string        `json:"userId"`
	Status   domain.Status `json:"status"`
	LastSeen time.Time     `json:"lastSeen"`
}

func NewUserStatusUpdate(p domain.Presence, at time.Time) UserStatusUpdate {
	return UserStatusUpdate{Envelope: envelope(TypeUserStatusUpdate, at), UserID: p.UserID, Status: p.Status, LastSeen: p.LastSeen}
}

type SearchResults struct {
	Envelope
	DestinationID string        `json:"destinationId"`
	Query         string        `json:"query"`
	Results       []MessageView `json:"results"`
}

func NewSearchResults(dest domain.DestinationID, query string, results []domain.Message, at time.Time) SearchResults {
	return SearchResults{
		Envelope:      envelope(TypeSearchResults, at),
		DestinationID: string(dest),
		Query:         query,
		Results:       NewMessageViews(results),
	}
}

type OnlineUsers struct {
	Envelope
	DestinationID string   `json:"destinationId"`
	Users         []string `json:"users"`
}

func NewOnlineUsers(dest domain.DestinationID, users []string, at time.Time) OnlineUsers {
	return OnlineUsers{Envelope: envelope(TypeOnlineUsers, at), DestinationID: string(dest), Users: users}
}

type ModerationWarning struct {
	Envelope
	Reason string `json:"reason"`
	Action string `json:"action"`
}

func NewModerationWarning(reason, action string, at time.Time) ModerationWarning {
	return ModerationWarning{Envelope: envelope(TypeModerationWarning, at), Reason: reason, Action: action}
}

type Pong struct {
	Envelope
}

func NewPong(at time.Time) Pong {
	return Pong{Envelope: envelope(TypePong, at)}
}

type Error struct {
	Envelope
	Message string `json:"message"`
	Details string `json:"details"`
	Action  string `json:"action,omitempty"`
}

func NewError(message, details string, at time.Time) Error {
	return Error{Envelope: envelope(TypeError, at), Message: message, Details: details}
}
