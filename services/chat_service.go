package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/domain/chat"
	"chat-gateway/domain/event"
	"chat-gateway/errors"
	"chat-gateway/moderation"
	"chat-gateway/runtime"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

const (
	DefaultSnapshotSize = 50
	replyPreviewRunes   = 100
)

type PresenceTracker interface {
	SetTyping(userID string, dest domain.DestinationID, typing bool)
	Typing(dest domain.DestinationID) []string
	ClearUser(userID string)
	SetStatus(userID string, status domain.Status)
	Status(userID string) domain.Presence
}

type ContentModerator interface {
	Classify(text string) moderation.Verdict
}

type ChatConfig struct {
	SingleChannel bool
	SnapshotSize  int
}

// ChatService implements every operation on destinations for an authenticated connection.
type ChatService struct {
	log               *slog.Logger
	directory         *runtime.Directory
	registry          *runtime.Registry
	presence          PresenceTracker
	moderator         ContentModerator
	channels          contract.ChannelRepository
	users             contract.UserRepository
	persister         contract.Persister
	moderationActions *prometheus.CounterVec
	cfg               ChatConfig
	now               func() time.Time
}

func NewChatService(
	log *slog.Logger,
	directory *runtime.Directory,
	registry *runtime.Registry,
	presence PresenceTracker,
	moderator ContentModerator,
	channels contract.ChannelRepository,
	users contract.UserRepository,
	persister contract.Persister,
	moderationActions *prometheus.CounterVec,
	cfg ChatConfig,
) *ChatService {
	if cfg.SnapshotSize <= 0 {
		cfg.SnapshotSize = DefaultSnapshotSize
	}
	return &ChatService{
		log:               log,
		directory:         directory,
		registry:          registry,
		presence:          presence,
		moderator:         moderator,
		channels:          channels,
		users:             users,
		persister:         persister,
		moderationActions: moderationActions,
		cfg:               cfg,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// LoadChannels registers the stored channels, seeding the defaults on an empty store.
func (s *ChatService) LoadChannels(ctx context.Context) error {
	channels, err := s.channels.ListChannels(ctx)
	if err != nil {
		s.log.Warn("Unable to list channels, using defaults", "error", err)
		channels = nil
	}
	if len(channels) == 0 {
		channels = domain.DefaultChannels()
		for _, ch := range channels {
			if err := s.channels.SaveChannel(ctx, ch); err != nil {
				s.log.Warn("Unable to seed channel", "channel", ch.ID, "error", err)
			}
		}
	}
	for _, ch := range channels {
		s.directory.RegisterChannel(ch)
	}
	s.log.Info("Channels loaded", "count", len(channels))
	return nil
}

// Channels reports every channel; stored membership counts win over in-process ones.
func (s *ChatService) Channels(ctx context.Context) []runtime.ChannelStatus {
	statuses := s.directory.Channels()
	for i := range statuses {
		if n, err := s.channels.CountMembers(ctx, domain.DestinationID(statuses[i].ID)); err == nil && n > 0 {
			statuses[i].Members = n
		}
	}
	return statuses
}

func (s *ChatService) reply(conn *runtime.Connection, evt event.Outbound) {
	runtime.Send(conn.Subscriber(), evt)
}

func (s *ChatService) snapshot(ctx context.Context, dest *runtime.Destination, viewer string) event.Snapshot {
	online := dest.Online()
	if dest.Kind == domain.KindConversation {
		online = lo.Filter(dest.Participants[:], func(id string, _ int) bool { return s.registry.IsOnline(id) })
	}
	return event.Snapshot{
		Messages: event.NewMessageViews(dest.Store.Recent(ctx, viewer, s.cfg.SnapshotSize)),
		Online:   online,
		Typing:   s.presence.Typing(dest.ID),
	}
}

func (s *ChatService) leave(conn *runtime.Connection, dest *runtime.Destination) {
	s.directory.Leave(dest, conn.ID)
	conn.Exit(dest.ID)
	s.presence.SetTyping(conn.UserID(), dest.ID, false)
}

func (s *ChatService) JoinChannel(ctx context.Context, conn *runtime.Connection, cmd chat.JoinChannelCommand) error {
	dest, err := s.directory.ResolveChannel(domain.DestinationID(cmd.ChannelID))
	if err != nil {
		return err
	}
	userID := conn.UserID()

	if s.cfg.SingleChannel {
		for _, id := range conn.Destinations() {
			if id == dest.ID {
				continue
			}
			previous, err := s.directory.Resolve(id)
			if err != nil || previous.Kind != domain.KindChannel {
				continue
			}
			s.leave(conn, previous)
			s.reply(conn, event.NewChannelLeft(previous.ID, s.now()))
		}
	}

	s.directory.Join(dest, conn.ID, userID, conn.Subscriber())
	conn.Enter(dest.ID)
	s.persister.Submit(string(dest.ID), contract.Job{
		Name: "add_member",
		Run: func(ctx context.Context) error {
			return s.channels.AddMember(ctx, dest.ID, userID)
		},
	})

	s.reply(conn, event.NewChannelJoined(dest.Channel(), s.snapshot(ctx, dest, userID), s.now()))
	return nil
}

func (s *ChatService) LeaveChannel(_ context.Context, conn *runtime.Connection, cmd chat.LeaveChannelCommand) error {
	dest, err := s.directory.ResolveChannel(domain.DestinationID(cmd.ChannelID))
	if err != nil {
		return err
	}
	s.leave(conn, dest)
	s.reply(conn, event.NewChannelLeft(dest.ID, s.now()))
	return nil
}

// InitializeChat opens the conversation with the recipient and joins the caller to it.
func (s *ChatService) InitializeChat(ctx context.Context, conn *runtime.Connection, cmd chat.InitializeChatCommand) error {
	userID := conn.UserID()
	dest, err := s.conversation(ctx, userID, cmd.RecipientID)
	if err != nil {
		return err
	}
	s.directory.Join(dest, conn.ID, userID, conn.Subscriber())
	conn.Enter(dest.ID)
	s.reply(conn, event.NewChatInitialized(dest.ID, dest.Participants, s.snapshot(ctx, dest, userID), s.now()))
	return nil
}

// conversation resolves the conversation and tells the recipient when it was
// just created. A new conversation needs a known recipient.
func (s *ChatService) conversation(ctx context.Context, userID, recipientID string) (*runtime.Destination, error) {
	recipientID = strings.TrimSpace(recipientID)
	id, err := domain.ConversationID(userID, recipientID)
	if err != nil {
		return nil, err
	}
	if _, err := s.directory.Resolve(id); err != nil {
		if err := s.knownUser(ctx, recipientID); err != nil {
			return nil, err
		}
	}
	dest, created, err := s.directory.ResolveOrCreateConversation(userID, recipientID)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Debug("Conversation created", "destination", dest.ID)
		if recipient, ok := s.registry.SessionFor(recipientID); ok {
			runtime.Send(recipient.Subscriber(), event.NewChatInvitation(dest.ID, userID, s.now()))
		}
	}
	return dest, nil
}

func (s *ChatService) knownUser(ctx context.Context, userID string) error {
	_, err := s.users.GetUser(ctx, userID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return fmt.Errorf("%w: unknown user %s", errors.ErrInvalidRecipient, userID)
	case err != nil:
		return fmt.Errorf("resolve recipient %s: %w", userID, err)
	}
	return nil
}

// accessible resolves a destination the connection may act on: a joined
// channel or a conversation the user takes part in.
func (s *ChatService) accessible(conn *runtime.Connection, id string) (*runtime.Destination, error) {
	dest, err := s.directory.Resolve(domain.DestinationID(id))
	if err != nil {
		return nil, err
	}
	switch dest.Kind {
	case domain.KindChannel:
		if !conn.In(dest.ID) {
			return nil, fmt.Errorf("%w: join %s first", errors.ErrPermissionDenied, dest.ID)
		}
	case domain.KindConversation:
		if !dest.IsParticipant(conn.UserID()) {
			return nil, fmt.Errorf("%w: not a participant of %s", errors.ErrPermissionDenied, dest.ID)
		}
	}
	return dest, nil
}

func (s *ChatService) moderate(text string) (moderation.Verdict, error) {
	verdict := s.moderator.Classify(text)
	if verdict.Action == moderation.Allow {
		return verdict, nil
	}
	if s.moderationActions != nil {
		s.moderationActions.WithLabelValues(string(verdict.Action)).Inc()
	}
	s.log.Info("Moderation verdict", "action", verdict.Action, "reason", verdict.Reason,
		"words", verdict.Words, "language", verdict.Language)
	if verdict.Action == moderation.Delete {
		return verdict, errors.WithDetails(errors.ErrModerationRejected, verdict.Reason, string(verdict.Action))
	}
	return verdict, nil
}

func (s *ChatService) warn(conn *runtime.Connection, verdict moderation.Verdict) {
	if verdict.Action == moderation.Warn {
		s.reply(conn, event.NewModerationWarning(verdict.Reason, string(verdict.Action), s.now()))
	}
}

func parseMessageID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: messageId is not a valid id", errors.ErrInvalidPayload)
	}
	return id, nil
}

func (s *ChatService) SendMessage(ctx context.Context, conn *runtime.Connection, cmd chat.SendMessageCommand, private bool) error {
	userID := conn.UserID()

	var dest *runtime.Destination
	var err error
	switch {
	case cmd.RecipientID != "":
		dest, err = s.conversation(ctx, userID, cmd.RecipientID)
	default:
		dest, err = s.accessible(conn, cmd.DestinationID)
		if err == nil && private && dest.Kind != domain.KindConversation {
			err = fmt.Errorf("%w: %s is not a conversation", errors.ErrInvalidRecipient, dest.ID)
		}
	}
	if err != nil {
		return err
	}

	content := strings.TrimSpace(cmd.Content)
	verdict, err := s.moderate(content)
	if err != nil {
		return err
	}

	var replyTo *uuid.UUID
	if cmd.ReplyTo != "" {
		id, err := parseMessageID(cmd.ReplyTo)
		if err != nil {
			return err
		}
		replyTo = &id
	}

	err = dest.Serialize(func() error {
		m := dest.Store.Append(ctx, userID, content, replyTo, cmd.ThreadID)
		view := event.NewMessageView(m)
		if replyTo != nil {
			if parent, ok := dest.Store.Cached(*replyTo); ok && !parent.DeletedForEveryone {
				view.ReplyPreview = &event.ReplyPreview{
					MessageID: parent.ID.String(),
					AuthorID:  parent.AuthorID,
					Content:   truncate(parent.Content, replyPreviewRunes),
				}
			}
		}
		s.presence.SetTyping(userID, dest.ID, false)
		_, err := s.directory.Broadcast(dest, event.NewNewMessage(view, s.now()))
		return err
	})
	if err != nil {
		return err
	}
	s.warn(conn, verdict)
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func (s *ChatService) EditMessage(ctx context.Context, conn *runtime.Connection, cmd chat.EditMessageCommand) error {
	dest, err := s.accessible(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(cmd.MessageID)
	if err != nil {
		return err
	}
	content := strings.TrimSpace(cmd.NewContent)
	verdict, err := s.moderate(content)
	if err != nil {
		return err
	}

	err = dest.Serialize(func() error {
		m, err := dest.Store.Edit(ctx, id, conn.UserID(), content)
		if err != nil {
			return err
		}
		_, err = s.directory.Broadcast(dest, event.NewMessageEdited(m, s.now()), runtime.WithoutUsers(m.HiddenFrom()...))
		return err
	})
	if err != nil {
		return err
	}
	s.warn(conn, verdict)
	return nil
}

// DeleteMessage broadcasts deletions for everyone; a deletion for self is only
// confirmed to the requesting connection.
func (s *ChatService) DeleteMessage(ctx context.Context, conn *runtime.Connection, cmd chat.DeleteMessageCommand) error {
	dest, err := s.accessible(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(cmd.MessageID)
	if err != nil {
		return err
	}
	userID := conn.UserID()

	return dest.Serialize(func() error {
		m, err := dest.Store.Delete(ctx, id, userID, cmd.DeleteForEveryone)
		if err != nil {
			return err
		}
		evt := event.NewMessageDeleted(m, userID, cmd.DeleteForEveryone, s.now())
		if !cmd.DeleteForEveryone {
			s.reply(conn, evt)
			return nil
		}
		_, err = s.directory.Broadcast(dest, evt, runtime.WithoutUsers(m.HiddenFrom()...))
		return err
	})
}

func (s *ChatService) AddReaction(ctx context.Context, conn *runtime.Connection, cmd chat.ReactionCommand) error {
	return s.react(ctx, conn, cmd, true)
}

func (s *ChatService) RemoveReaction(ctx context.Context, conn *runtime.Connection, cmd chat.ReactionCommand) error {
	return s.react(ctx, conn, cmd, false)
}

func (s *ChatService) react(ctx context.Context, conn *runtime.Connection, cmd chat.ReactionCommand, add bool) error {
	dest, err := s.accessible(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(cmd.MessageID)
	if err != nil {
		return err
	}
	emoji := strings.TrimSpace(cmd.Emoji)
	if emoji == "" {
		return fmt.Errorf("%w: emoji is required", errors.ErrInvalidPayload)
	}

	return dest.Serialize(func() error {
		var (
			r   domain.Reaction
			m   domain.Message
			err error
			evt event.Outbound
		)
		if add {
			r, m, err = dest.Store.AddReaction(ctx, id, conn.UserID(), emoji)
			evt = event.NewReactionAdded(dest.ID, r, s.now())
		} else {
			r, m, err = dest.Store.RemoveReaction(ctx, id, conn.UserID(), emoji)
			evt = event.NewReactionRemoved(dest.ID, r, s.now())
		}
		if err != nil {
			return err
		}
		_, err = s.directory.Broadcast(dest, evt, runtime.WithoutUsers(m.HiddenFrom()...))
		return err
	})
}

// conversationOf resolves a conversation the connection takes part in.
func (s *ChatService) conversationOf(conn *runtime.Connection, id string) (*runtime.Destination, error) {
	dest, err := s.accessible(conn, id)
	if err != nil {
		return nil, err
	}
	if dest.Kind != domain.KindConversation {
		return nil, fmt.Errorf("%w: %s is not a conversation", errors.ErrInvalidRecipient, dest.ID)
	}
	return dest, nil
}

// MarkMessageRead records a read receipt and tells both participants.
func (s *ChatService) MarkMessageRead(ctx context.Context, conn *runtime.Connection, cmd chat.MarkMessageReadCommand) error {
	dest, err := s.conversationOf(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(cmd.MessageID)
	if err != nil {
		return err
	}
	userID := conn.UserID()

	return dest.Serialize(func() error {
		m, err := dest.Store.MarkRead(ctx, id, userID)
		if err != nil {
			return err
		}
		_, err = s.directory.Broadcast(dest, event.NewMessageRead(m, userID, s.now()), runtime.WithoutUsers(m.HiddenFrom()...))
		return err
	})
}

// DeleteConversation clears a conversation for the caller, who also leaves it,
// or for both participants.
func (s *ChatService) DeleteConversation(ctx context.Context, conn *runtime.Connection, cmd chat.DeleteConversationCommand) error {
	dest, err := s.conversationOf(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	userID := conn.UserID()

	return dest.Serialize(func() error {
		changed, err := dest.Store.Clear(ctx, userID, cmd.DeleteForEveryone)
		if err != nil {
			return err
		}
		s.log.Debug("Conversation deleted", "destination", dest.ID, "user", userID,
			"for_everyone", cmd.DeleteForEveryone, "messages", changed)
		evt := event.NewConversationDeleted(dest.ID, userID, cmd.DeleteForEveryone, s.now())
		if !cmd.DeleteForEveryone {
			s.leave(conn, dest)
			s.reply(conn, evt)
			return nil
		}
		_, err = s.directory.Broadcast(dest, evt)
		return err
	})
}

func (s *ChatService) Typing(_ context.Context, conn *runtime.Connection, cmd chat.TypingCommand, typing bool) error {
	dest, err := s.accessible(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	s.presence.SetTyping(conn.UserID(), dest.ID, typing)
	return nil
}

func (s *ChatService) SearchMessages(ctx context.Context, conn *runtime.Connection, cmd chat.SearchMessagesCommand) error {
	dest, err := s.accessible(conn, cmd.DestinationID)
	if err != nil {
		return err
	}
	results, err := dest.Store.Search(ctx, conn.UserID(), cmd.Query, cmd.Limit)
	if err != nil {
		return err
	}
	s.reply(conn, event.NewSearchResults(dest.ID, cmd.Query, results, s.now()))
	return nil
}

func (s *ChatService) UpdateStatus(_ context.Context, conn *runtime.Connection, cmd chat.UpdateStatusCommand) error {
	s.presence.SetStatus(conn.UserID(), domain.Status(cmd.Status))
	return nil
}

// OnlineUsers is open for channels; conversations require participation.
func (s *ChatService) OnlineUsers(_ context.Context, conn *runtime.Connection, cmd chat.OnlineUsersCommand) error {
	dest, err := s.directory.Resolve(domain.DestinationID(cmd.DestinationID))
	if err != nil {
		return err
	}
	users := dest.Online()
	if dest.Kind == domain.KindConversation {
		if !dest.IsParticipant(conn.UserID()) {
			return fmt.Errorf("%w: not a participant of %s", errors.ErrPermissionDenied, dest.ID)
		}
		users = lo.Filter(dest.Participants[:], func(id string, _ int) bool { return s.registry.IsOnline(id) })
	}
	s.reply(conn, event.NewOnlineUsers(dest.ID, users, s.now()))
	return nil
}

// Online marks a freshly authenticated user as online.
func (s *ChatService) Online(userID string) {
	s.presence.SetStatus(userID, domain.StatusOnline)
}

// Release detaches a closed connection from its destinations. Presence goes
// offline only when the user has no other live session.
func (s *ChatService) Release(conn *runtime.Connection) {
	userID := conn.UserID()
	if userID != "" && !s.registry.IsOnline(userID) {
		s.presence.ClearUser(userID)
		s.presence.SetStatus(userID, domain.StatusOffline)
	}
	for _, id := range conn.Destinations() {
		if dest, err := s.directory.Resolve(id); err == nil {
			s.directory.Leave(dest, conn.ID)
		}
		conn.Exit(id)
	}
}
