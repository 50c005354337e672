// Package chat defines the inbound frames accepted on a connection.
package chat

type CommandType string

const (
	Authenticate       CommandType = "authenticate"
	JoinChannel        CommandType = "join_channel"
	LeaveChannel       CommandType = "leave_channel"
	InitializeChat     CommandType = "initialize_chat"
	StartConversation  CommandType = "start_conversation"
	SendMessage        CommandType = "send_message"
	SendPrivateMessage CommandType = "send_private_message"
	EditMessage        CommandType = "edit_message"
	DeleteMessage      CommandType = "delete_message"
	AddReaction        CommandType = "add_reaction"
	RemoveReaction     CommandType = "remove_reaction"
	MarkMessageRead    CommandType = "mark_message_read"
	DeleteConversation CommandType = "delete_conversation"
	TypingStart        CommandType = "typing_start"
	TypingStop         CommandType = "typing_stop"
	SearchMessages     CommandType = "search_messages"
	UpdateStatus       CommandType = "update_status"
	GetOnlineUsers     CommandType = "get_online_users"
	Ping               CommandType = "ping"
)

// RateLimited lists the commands counted against the per-identity window.
var RateLimited = map[CommandType]struct{}{
	InitializeChat:     {},
	StartConversation:  {},
	SendMessage:        {},
	SendPrivateMessage: {},
	EditMessage:        {},
	DeleteMessage:      {},
	AddReaction:        {},
	RemoveReaction:     {},
	MarkMessageRead:    {},
	DeleteConversation: {},
	SearchMessages:     {},
}

// Frame is the envelope shared by every inbound event. The same bytes are
// decoded a second time into the command matching Type.
type Frame struct {
	Type CommandType `json:"type"`
}

type AuthenticateCommand struct {
	Credential string `json:"credential"`
	Token      string `json:"token"`
}

// Value accepts both spellings used by clients.
func (c AuthenticateCommand) Value() string {
	if c.Credential != "" {
		return c.Credential
	}
	return c.Token
}

type JoinChannelCommand struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

type LeaveChannelCommand struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

type InitializeChatCommand struct {
	RecipientID string `json:"recipientId" validate:"required,max=128"`
}

type SendMessageCommand struct {
	DestinationID string `json:"destinationId" validate:"required_without=RecipientID,max=300"`
	RecipientID   string `json:"recipientId" validate:"max=128"`
	Content       string `json:"content" validate:"max=10000"`
	ReplyTo       string `json:"replyTo" validate:"omitempty,uuid"`
	ThreadID      string `json:"threadId" validate:"max=128"`
}

type EditMessageCommand struct {
	MessageID     string `json:"messageId" validate:"required,uuid"`
	DestinationID string `json:"destinationId" validate:"required,max=300"`
	NewContent    string `json:"newContent" validate:"max=10000"`
}

type DeleteMessageCommand struct {
	MessageID         string `json:"messageId" validate:"required,uuid"`
	DestinationID     string `json:"destinationId" validate:"required,max=300"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

type ReactionCommand struct {
	MessageID     string `json:"messageId" validate:"required,uuid"`
	DestinationID string `json:"destinationId" validate:"required,max=300"`
	Emoji         string `json:"emoji" validate:"required,max=10"`
}

type MarkMessageReadCommand struct {
	MessageID     string `json:"messageId" validate:"required,uuid"`
	DestinationID string `json:"destinationId" validate:"required,max=300"`
}

type DeleteConversationCommand struct {
	DestinationID     string `json:"destinationId" validate:"required,max=300"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

type TypingCommand struct {
	DestinationID string `json:"destinationId" validate:"required,max=300"`
}

type SearchMessagesCommand struct {
	DestinationID string `json:"destinationId" validate:"required,max=300"`
	Query         string `json:"query" validate:"required,max=200"`
	Limit         int    `json:"limit" validate:"gte=0"`
}

type UpdateStatusCommand struct {
	Status string `json:"status" validate:"required,oneof=online away busy"`
}

type OnlineUsersCommand struct {
	DestinationID string `json:"destinationId" validate:"required,max=300"`
}
