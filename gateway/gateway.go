// Package gateway owns the lifecycle of client connections and dispatches
// their inbound frames to the chat and auth services.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/domain/chat"
	"chat-gateway/domain/event"
	"chat-gateway/errors"
	"chat-gateway/observability"
	"chat-gateway/ratelimit"
	"chat-gateway/runtime"
	"chat-gateway/services"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Config struct {
	IdleTimeout time.Duration
	AuthTimeout time.Duration
}

type Gateway struct {
	log      *slog.Logger
	cfg      Config
	registry *runtime.Registry
	auth     services.IAuthService
	chat     *services.ChatService
	limiter  *ratelimit.Limiter
	throttle *ratelimit.ConnectionThrottle
	sessions contract.SessionCache
	persist  contract.Persister
	metrics  *observability.Metrics
	validate *validator.Validate
	now      func() time.Time
}

func New(
	log *slog.Logger,
	cfg Config,
	registry *runtime.Registry,
	auth services.IAuthService,
	chatService *services.ChatService,
	limiter *ratelimit.Limiter,
	throttle *ratelimit.ConnectionThrottle,
	sessions contract.SessionCache,
	persist contract.Persister,
	metrics *observability.Metrics,
) *Gateway {
	return &Gateway{
		log:      log,
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		chat:     chatService,
		limiter:  limiter,
		throttle: throttle,
		sessions: sessions,
		persist:  persist,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func userKey(id string) string { return "user:" + id }

func connKey(id domain.ConnectionID) string { return "conn:" + string(id) }

// Accept registers a new socket and sends the welcome frame. Refused sockets
// are closed with a policy violation.
func (g *Gateway) Accept(remoteAddr string, sub contract.Subscriber) (domain.ConnectionID, error) {
	host := hostOf(remoteAddr)
	if g.throttle != nil && !g.throttle.Allow(host) {
		g.metrics.ConnectionsRejected.WithLabelValues("throttled").Inc()
		sub.Close(contract.ClosePolicyViolation, "Rate limit exceeded")
		return "", fmt.Errorf("%w: %s", errors.ErrConnectionThrottled, host)
	}

	id := domain.ConnectionID(uuid.NewString())
	if _, err := g.registry.Accept(id, host, sub, g.now()); err != nil {
		g.metrics.ConnectionsRejected.WithLabelValues("limit").Inc()
		sub.Close(contract.ClosePolicyViolation, "Connection limit exceeded")
		return "", err
	}
	g.metrics.ConnectionsTotal.Inc()
	g.metrics.ConnectionsActive.Inc()
	g.log.Debug("Connection accepted", "connection", id, "remote", host)

	runtime.Send(sub, event.NewConnected(id, g.now()))
	return id, nil
}

// Handle processes one inbound text frame. Failures are reported to the
// sender as error frames; the connection stays open.
func (g *Gateway) Handle(ctx context.Context, id domain.ConnectionID, raw []byte) {
	conn, ok := g.registry.Get(id)
	if !ok {
		return
	}
	conn.Touch(g.now())

	var frame chat.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.fail(conn, "", fmt.Errorf("%w: malformed JSON", errors.ErrInvalidPayload))
		return
	}
	g.metrics.EventsReceived.WithLabelValues(label(frame.Type)).Inc()

	if err := g.dispatch(ctx, conn, frame.Type, raw); err != nil {
		g.fail(conn, frame.Type, err)
	}
}

func label(t chat.CommandType) string {
	if _, ok := handlers[t]; ok || t == chat.Authenticate || t == chat.Ping {
		return string(t)
	}
	return "unknown"
}

func (g *Gateway) fail(conn *runtime.Connection, t chat.CommandType, err error) {
	code, details := errors.Classify(err)
	if code == errors.CodeInternal {
		g.log.Error("Event failed", "connection", conn.ID, "type", t, "error", err)
	} else {
		g.log.Debug("Event rejected", "connection", conn.ID, "type", t, "code", code, "details", details)
	}

	if t == chat.Authenticate && (code == errors.CodeAuthInvalid || code == errors.CodeAuthRequired || code == errors.CodeInvalidPayload) {
		runtime.Send(conn.Subscriber(), event.NewAuthError(string(code), details, g.now()))
		return
	}
	frame := event.NewError(string(code), details, g.now())
	frame.Action = errors.ActionOf(err)
	runtime.Send(conn.Subscriber(), frame)
}

func (g *Gateway) dispatch(ctx context.Context, conn *runtime.Connection, t chat.CommandType, raw []byte) error {
	switch t {
	case chat.Ping:
		runtime.Send(conn.Subscriber(), event.NewPong(g.now()))
		return nil
	case chat.Authenticate:
		return g.authenticate(ctx, conn, raw)
	}

	handle, known := handlers[t]
	if !known {
		return fmt.Errorf("%w: %q", errors.ErrUnknownEvent, t)
	}
	user, authenticated := conn.User()
	if !authenticated {
		return fmt.Errorf("%w: authenticate before sending %s", errors.ErrAuthRequired, t)
	}
	if _, limited := chat.RateLimited[t]; limited && !g.limiter.AllowAll(userKey(user.ID), connKey(conn.ID)) {
		return errors.WithDetails(errors.ErrRateLimited, "Too many requests, please slow down", "")
	}
	return handle(ctx, g, conn, raw)
}

func decode[T any](g *Gateway, raw []byte) (T, error) {
	var cmd T
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if err := g.validate.Struct(cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

type handler func(ctx context.Context, g *Gateway, conn *runtime.Connection, raw []byte) error

// command adapts a typed chat operation to a raw frame handler.
func command[T any](op func(s *services.ChatService, ctx context.Context, conn *runtime.Connection, cmd T) error) handler {
	return func(ctx context.Context, g *Gateway, conn *runtime.Connection, raw []byte) error {
		cmd, err := decode[T](g, raw)
		if err != nil {
			return err
		}
		return op(g.chat, ctx, conn, cmd)
	}
}

var handlers = map[chat.CommandType]handler{
	chat.JoinChannel:       command((*services.ChatService).JoinChannel),
	chat.LeaveChannel:      command((*services.ChatService).LeaveChannel),
	chat.InitializeChat:    command((*services.ChatService).InitializeChat),
	chat.StartConversation: command((*services.ChatService).InitializeChat),
	chat.SendMessage: command(func(s *services.ChatService, ctx context.Context, conn *runtime.Connection, cmd chat.SendMessageCommand) error {
		return s.SendMessage(ctx, conn, cmd, false)
	}),
	chat.SendPrivateMessage: command(func(s *services.ChatService, ctx context.Context, conn *runtime.Connection, cmd chat.SendMessageCommand) error {
		return s.SendMessage(ctx, conn, cmd, true)
	}),
	chat.EditMessage:        command((*services.ChatService).EditMessage),
	chat.DeleteMessage:      command((*services.ChatService).DeleteMessage),
	chat.AddReaction:        command((*services.ChatService).AddReaction),
	chat.RemoveReaction:     command((*services.ChatService).RemoveReaction),
	chat.MarkMessageRead:    command((*services.ChatService).MarkMessageRead),
	chat.DeleteConversation: command((*services.ChatService).DeleteConversation),
	chat.TypingStart: command(func(s *services.ChatService, ctx context.Context, conn *runtime.Connection, cmd chat.TypingCommand) error {
		return s.Typing(ctx, conn, cmd, true)
	}),
	chat.TypingStop: command(func(s *services.ChatService, ctx context.Context, conn *runtime.Connection, cmd chat.TypingCommand) error {
		return s.Typing(ctx, conn, cmd, false)
	}),
	chat.SearchMessages: command((*services.ChatService).SearchMessages),
	chat.UpdateStatus:   command((*services.ChatService).UpdateStatus),
	chat.GetOnlineUsers: command((*services.ChatService).OnlineUsers),
}

func (g *Gateway) authenticate(ctx context.Context, conn *runtime.Connection, raw []byte) error {
	var cmd chat.AuthenticateCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	user, err := g.auth.Authenticate(ctx, cmd.Value())
	if err != nil {
		return err
	}
	if current, ok := conn.User(); ok && current.ID != user.ID {
		return fmt.Errorf("%w: connection is already bound to another user", errors.ErrPermissionDenied)
	}

	previous, err := g.registry.BindSession(conn.ID, user)
	if err != nil {
		return err
	}
	if previous != nil {
		g.log.Info("Session superseded", "user_id", user.ID, "previous", previous.ID, "current", conn.ID)
		runtime.Send(previous.Subscriber(), event.NewSessionSuperseded(g.now()))
		previous.Subscriber().Close(contract.CloseSuperseded, "Session superseded")
		g.Disconnect(previous.ID)
	}

	runtime.Send(conn.Subscriber(), event.NewAuthenticated(user, g.now()))
	g.chat.Online(user.ID)
	g.mirror(conn, true)
	g.log.Info("Connection authenticated", "connection", conn.ID, "user_id", user.ID)
	return nil
}

// mirror copies the session to the external cache off the hot path.
func (g *Gateway) mirror(conn *runtime.Connection, live bool) {
	if g.sessions == nil {
		return
	}
	record := contract.SessionRecord{
		ConnectionID: conn.ID,
		UserID:       conn.UserID(),
		RemoteAddr:   conn.RemoteAddr,
		ConnectedAt:  conn.ConnectedAt,
	}
	name, run := "session_save", g.sessions.Save
	if !live {
		name, run = "session_remove", g.sessions.Remove
	}
	g.persist.Submit("session:"+record.UserID, contract.Job{
		Name: name,
		Run:  func(ctx context.Context) error { return run(ctx, record) },
	})
}

// Disconnect releases everything held by the connection. It is safe to call more than once.
func (g *Gateway) Disconnect(id domain.ConnectionID) {
	conn, ok := g.registry.Remove(id)
	if !ok {
		return
	}
	g.metrics.ConnectionsActive.Dec()
	g.limiter.Release(connKey(id))
	g.chat.Release(conn)
	if _, authenticated := conn.User(); authenticated {
		g.mirror(conn, false)
	}
	g.log.Debug("Connection closed", "connection", id)
}

// SweepIdle closes idle and unauthenticated connections and returns how many were closed.
func (g *Gateway) SweepIdle(now time.Time) int {
	stale := g.registry.Stale(now, g.cfg.IdleTimeout, g.cfg.AuthTimeout)
	for _, s := range stale {
		s.Connection.Subscriber().Close(s.Code, s.Reason)
		g.Disconnect(s.Connection.ID)
	}
	return len(stale)
}

// Shutdown closes every connection with going-away.
func (g *Gateway) Shutdown() {
	for _, conn := range g.registry.All() {
		conn.Subscriber().Close(contract.CloseGoingAway, "Server shutting down")
		g.Disconnect(conn.ID)
	}
}

func (g *Gateway) Connections() int {
	return g.registry.Count()
}

func (g *Gateway) Channels(ctx context.Context) []runtime.ChannelStatus {
	return g.chat.Channels(ctx)
}
