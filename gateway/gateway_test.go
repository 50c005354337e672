package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chat-gateway/auth"
	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/moderation"
	"chat-gateway/observability"
	"chat-gateway/presence"
	"chat-gateway/ratelimit"
	"chat-gateway/repositories"
	"chat-gateway/runtime"
	"chat-gateway/services"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// socket records what the gateway writes to one client.
type socket struct {
	mu     sync.Mutex
	frames [][]byte
	code   int
	reason string
}

func (s *socket) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code != 0 {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *socket) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == 0 {
		s.code, s.reason = code, reason
	}
}

func (s *socket) closed() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.reason
}

// all returns the decoded frames of the given type, oldest first.
func (s *socket) all(frameType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, raw := range s.frames {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["type"] == frameType {
			out = append(out, m)
		}
	}
	return out
}

func (s *socket) last(t *testing.T, frameType string) map[string]any {
	t.Helper()
	frames := s.all(frameType)
	require.NotEmpty(t, frames, "no %s frame received", frameType)
	return frames[len(frames)-1]
}

type inlinePersister struct{}

func (inlinePersister) Submit(_ string, job contract.Job) bool {
	return job.Run(context.Background()) == nil
}

// clock drives message timestamps so edit and delete windows can pass.
type clock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UTC().Add(c.offset)
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

type harness struct {
	gw      *Gateway
	tokens  *auth.Tokens
	metrics *observability.Metrics
	repo    *repositories.MemoryRepository
	clock   *clock
}

func newHarness(t *testing.T, rateLimit int) *harness {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	repo := repositories.NewMemoryRepository()
	metrics := observability.NewMetrics()
	persist := inlinePersister{}
	clk := &clock{}

	tokens, err := auth.NewTokens([]byte("0123456789abcdef0123456789abcdef"), "")
	require.NoError(t, err)
	moderator, err := moderation.NewModerator(moderation.DefaultBannedWords, 1000, '*')
	require.NoError(t, err)

	registry := runtime.NewRegistry(100)
	directory := runtime.NewDirectory(log, registry, func(id domain.DestinationID) *runtime.MessageStore {
		return runtime.NewMessageStore(id, log, repo, persist, runtime.StoreConfig{Now: clk.Now})
	}, metrics.BroadcastDropped)
	tracker := presence.NewTracker(services.NewPresenceBroadcaster(log, directory), 5*time.Second)
	t.Cleanup(tracker.Stop)

	chatService := services.NewChatService(log, directory, registry, tracker, moderator,
		repo, repo, persist, metrics.ModerationActions, services.ChatConfig{})
	require.NoError(t, chatService.LoadChannels(context.Background()))
	authService := services.NewAuthService(log, tokens, repo, true, metrics.AuthFailures)

	gw := New(log, Config{IdleTimeout: time.Minute, AuthTimeout: 10 * time.Second},
		registry, authService, chatService,
		ratelimit.NewLimiter(rateLimit, time.Minute, ratelimit.WithRejectCounter(metrics.RateLimitHits)),
		ratelimit.NewConnectionThrottle(100, time.Minute),
		nil, persist, metrics)
	return &harness{gw: gw, tokens: tokens, metrics: metrics, repo: repo, clock: clk}
}

func (h *harness) connect(t *testing.T) (domain.ConnectionID, *socket) {
	t.Helper()
	sock := &socket{}
	id, err := h.gw.Accept("10.0.0.1:5000", sock)
	require.NoError(t, err)
	sock.last(t, "connected")
	return id, sock
}

func (h *harness) send(id domain.ConnectionID, frame map[string]any) {
	raw, _ := json.Marshal(frame)
	h.gw.Handle(context.Background(), id, raw)
}

func (h *harness) login(t *testing.T, userID string) (domain.ConnectionID, *socket) {
	t.Helper()
	id, sock := h.connect(t)
	token, err := h.tokens.Generate(userID, userID, time.Hour)
	require.NoError(t, err)
	h.send(id, map[string]any{"type": "authenticate", "credential": token})
	sock.last(t, "authenticated")
	return id, sock
}

func messageOf(frame map[string]any) map[string]any {
	return frame["message"].(map[string]any)
}

func TestGateway_Channel_Flow(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)

	// Given Alice and Bob in general
	alice, aliceSock := h.login(t, "alice")
	bob, bobSock := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(bob, map[string]any{"type": "join_channel", "channelId": "general"})
	joined := bobSock.last(t, "channel_joined")
	req.ElementsMatch([]any{"alice", "bob"}, joined["online"])

	// When Alice sends a message
	h.send(alice, map[string]any{"type": "send_message", "destinationId": "general", "content": "hello team"})

	// Then both receive it
	got := messageOf(bobSock.last(t, "new_message"))
	req.Equal("alice", got["authorId"])
	req.Equal("hello team", got["content"])
	req.Len(aliceSock.all("new_message"), 1)
	messageID := got["id"].(string)

	// When Alice edits and Bob reacts
	h.send(alice, map[string]any{"type": "edit_message", "destinationId": "general", "messageId": messageID, "newContent": "hello everyone"})
	h.send(bob, map[string]any{"type": "add_reaction", "destinationId": "general", "messageId": messageID, "emoji": "👍"})

	// Then the edit and the reaction are broadcast
	req.Equal("hello everyone", messageOf(bobSock.last(t, "message_edited"))["content"])
	reaction := aliceSock.last(t, "reaction_added")
	req.Equal("bob", reaction["userId"])
	req.Equal("👍", reaction["emoji"])

	// When Bob reacts the same way again
	h.send(bob, map[string]any{"type": "add_reaction", "destinationId": "general", "messageId": messageID, "emoji": "👍"})

	// Then only Bob hears about it
	req.Equal("Duplicate", bobSock.last(t, "error")["message"])
	req.Len(aliceSock.all("reaction_added"), 1)

	// And Bob cannot edit Alice's message
	h.send(bob, map[string]any{"type": "edit_message", "destinationId": "general", "messageId": messageID, "newContent": "mine now"})
	req.Equal("PermissionDenied", bobSock.last(t, "error")["message"])

	// And the message was stored
	stored, err := h.repo.RecentMessages(context.Background(), "general", 10)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("hello everyone", stored[0].Content)
}

func TestGateway_Requires_Authentication(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	id, sock := h.connect(t)

	h.send(id, map[string]any{"type": "join_channel", "channelId": "general"})
	req.Equal("AuthRequired", sock.last(t, "error")["message"])

	h.send(id, map[string]any{"type": "authenticate", "credential": "not-a-token"})
	req.Equal("AuthInvalid", sock.last(t, "auth_error")["message"])
	req.InDelta(1, testutil.ToFloat64(h.metrics.AuthFailures), 0)

	h.send(id, map[string]any{"type": "ping"})
	req.Len(sock.all("pong"), 1)

	raw := []byte("{not json")
	h.gw.Handle(context.Background(), id, raw)
	req.Equal("InvalidPayload", sock.last(t, "error")["message"])

	h.send(id, map[string]any{"type": "dance"})
	req.Equal("UnknownEvent", sock.last(t, "error")["message"])
}

func TestGateway_Second_Login_Supersedes_First(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)

	first, firstSock := h.login(t, "carol")
	h.send(first, map[string]any{"type": "join_channel", "channelId": "general"})
	_, secondSock := h.login(t, "carol")

	firstSock.last(t, "session_superseded")
	code, reason := firstSock.closed()
	req.Equal(contract.CloseSuperseded, code)
	req.Equal("Session superseded", reason)
	req.Equal(1, h.gw.Connections())

	code, _ = secondSock.closed()
	req.Zero(code)
}

func TestGateway_Rebinding_To_Another_User_Is_Refused(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	id, sock := h.login(t, "dave")

	token, err := h.tokens.Generate("erin", "erin", time.Hour)
	req.NoError(err)
	h.send(id, map[string]any{"type": "authenticate", "credential": token})

	req.Equal("PermissionDenied", sock.last(t, "error")["message"])
	req.Len(sock.all("authenticated"), 1)
}

func TestGateway_Rate_Limit_Ceiling(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 3)
	id, sock := h.login(t, "frank")
	h.send(id, map[string]any{"type": "join_channel", "channelId": "general"})

	for i := range 4 {
		h.send(id, map[string]any{"type": "send_message", "destinationId": "general", "content": fmt.Sprintf("message %d", i)})
	}

	req.Len(sock.all("new_message"), 3)
	errFrame := sock.last(t, "error")
	req.Equal("RateLimited", errFrame["message"])
	req.Equal("Too many requests, please slow down", errFrame["details"])
	req.InDelta(1, testutil.ToFloat64(h.metrics.RateLimitHits), 0)

	// Joining is not counted
	h.send(id, map[string]any{"type": "join_channel", "channelId": "feedback"})
	req.Len(sock.all("channel_joined"), 2)
}

func TestGateway_Moderation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	id, sock := h.login(t, "grace")
	h.send(id, map[string]any{"type": "join_channel", "channelId": "general"})

	// When the content is rejected
	h.send(id, map[string]any{"type": "send_message", "destinationId": "general", "content": "spam scam hack"})

	// Then nothing is broadcast and the sender gets the reason
	req.Empty(sock.all("new_message"))
	errFrame := sock.last(t, "error")
	req.Equal("ModerationRejected", errFrame["message"])
	req.Equal("DELETE", errFrame["action"])

	// When the content only earns a warning
	h.send(id, map[string]any{"type": "send_message", "destinationId": "general", "content": "this is spam"})

	// Then it is delivered and the sender is warned
	req.Len(sock.all("new_message"), 1)
	req.Equal("WARN", sock.last(t, "moderation_warning")["action"])
	req.InDelta(1, testutil.ToFloat64(h.metrics.ModerationActions.WithLabelValues("DELETE")), 0)
	req.InDelta(1, testutil.ToFloat64(h.metrics.ModerationActions.WithLabelValues("WARN")), 0)
}

func TestGateway_Private_Conversation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	_, bobSock := h.login(t, "bob")

	// When Alice opens the conversation twice
	h.send(alice, map[string]any{"type": "initialize_chat", "recipientId": "bob"})
	h.send(alice, map[string]any{"type": "initialize_chat", "recipientId": "bob"})

	// Then the same destination is returned and Bob is told once
	initialized := aliceSock.all("chat_initialized")
	req.Len(initialized, 2)
	req.Equal("conv_5_alice_bob", initialized[0]["destinationId"])
	req.Equal(initialized[0]["destinationId"], initialized[1]["destinationId"])
	notices := bobSock.all("new_chat_initialized")
	req.Len(notices, 1)
	req.Equal("alice", notices[0]["from"])

	// When Alice writes privately
	h.send(alice, map[string]any{"type": "send_private_message", "recipientId": "bob", "content": "psst"})

	// Then Bob receives it without joining
	req.Equal("conv_5_alice_bob", messageOf(bobSock.last(t, "new_message"))["destinationId"])

	// And a third user cannot read it
	mallory, mallorySock := h.login(t, "mallory")
	h.send(mallory, map[string]any{"type": "search_messages", "destinationId": "conv_5_alice_bob", "query": "psst"})
	req.Equal("PermissionDenied", mallorySock.last(t, "error")["message"])

	// And messaging oneself is refused
	h.send(alice, map[string]any{"type": "initialize_chat", "recipientId": "alice"})
	req.Equal("InvalidRecipient", aliceSock.last(t, "error")["message"])
}

func TestGateway_Conversation_Needs_A_Known_Recipient(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 2)
	alice, aliceSock := h.login(t, "alice")

	// When Alice opens conversations with users nobody has seen
	h.send(alice, map[string]any{"type": "initialize_chat", "recipientId": "ghost"})
	req.Equal("InvalidRecipient", aliceSock.last(t, "error")["message"])
	h.send(alice, map[string]any{"type": "send_private_message", "recipientId": "phantom", "content": "hi"})
	req.Equal("InvalidRecipient", aliceSock.last(t, "error")["message"])

	// Then no conversation was opened
	req.Empty(aliceSock.all("chat_initialized"))
	req.Empty(aliceSock.all("new_message"))

	// And opening conversations counts against the rate limit
	h.send(alice, map[string]any{"type": "start_conversation", "recipientId": "ghost"})
	req.Equal("RateLimited", aliceSock.last(t, "error")["message"])
}

func TestGateway_Conversation_Ids_Do_Not_Collide(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	first, firstSock := h.login(t, "a_b")
	h.login(t, "c")
	second, secondSock := h.login(t, "a")
	h.login(t, "b_c")

	// When a_b talks to c and a talks to b_c
	h.send(first, map[string]any{"type": "initialize_chat", "recipientId": "c"})
	h.send(second, map[string]any{"type": "start_conversation", "recipientId": "b_c"})
	h.send(first, map[string]any{"type": "send_message", "recipientId": "c", "content": "for c only"})

	// Then each pair has its own conversation
	one := firstSock.last(t, "chat_initialized")["destinationId"]
	two := secondSock.last(t, "chat_initialized")["destinationId"]
	req.NotEqual(one, two)
	req.Empty(secondSock.all("new_message"))
}

func TestGateway_Typing_Fan_Out(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	bob, bobSock := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(bob, map[string]any{"type": "join_channel", "channelId": "general"})

	// When Alice starts and stops typing
	h.send(alice, map[string]any{"type": "typing_start", "destinationId": "general"})
	h.send(alice, map[string]any{"type": "typing_start", "destinationId": "general"})
	started := bobSock.last(t, "typing_started")
	h.send(alice, map[string]any{"type": "typing_stop", "destinationId": "general"})

	// Then Bob sees each transition once and Alice sees none
	req.Equal("alice", started["userId"])
	req.Equal("general", started["destinationId"])
	req.Len(bobSock.all("typing_started"), 1)
	req.Equal("alice", bobSock.last(t, "typing_stopped")["userId"])
	req.Empty(aliceSock.all("typing_started"))
	req.Empty(aliceSock.all("typing_stopped"))
}

func TestGateway_Status_Updates(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	bob, _ := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "initialize_chat", "recipientId": "bob"})

	// When Bob changes his status
	h.send(bob, map[string]any{"type": "update_status", "status": "away"})

	// Then Alice is told
	update := aliceSock.last(t, "user_status_update")
	req.Equal("bob", update["userId"])
	req.Equal("away", update["status"])

	// When Bob disconnects
	h.gw.Disconnect(bob)

	// Then he goes offline for Alice
	req.Equal("offline", aliceSock.last(t, "user_status_update")["status"])

	// When he comes back
	h.login(t, "bob")

	// Then he is online again
	req.Equal("online", aliceSock.last(t, "user_status_update")["status"])
}

func TestGateway_Delete_Audience(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	bob, bobSock := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(bob, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(alice, map[string]any{"type": "send_message", "destinationId": "general", "content": "first"})
	h.send(alice, map[string]any{"type": "send_message", "destinationId": "general", "content": "second"})
	messages := bobSock.all("new_message")
	req.Len(messages, 2)
	firstID, secondID := messageOf(messages[0])["id"], messageOf(messages[1])["id"]

	// When Bob deletes the first message for himself
	h.send(bob, map[string]any{"type": "delete_message", "destinationId": "general", "messageId": firstID})

	// Then only Bob is told
	req.Equal(false, bobSock.last(t, "message_deleted")["deleteForEveryone"])
	req.Empty(aliceSock.all("message_deleted"))

	// When Alice deletes the second for everyone
	h.send(alice, map[string]any{"type": "delete_message", "destinationId": "general", "messageId": secondID, "deleteForEveryone": true})

	// Then both are told
	for _, sock := range []*socket{aliceSock, bobSock} {
		deleted := sock.last(t, "message_deleted")
		req.Equal(secondID, deleted["messageId"])
		req.Equal(true, deleted["deleteForEveryone"])
	}
	req.Len(aliceSock.all("message_deleted"), 1)
}

func TestGateway_Remove_Reaction_Restores_State(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	bob, bobSock := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(bob, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(alice, map[string]any{"type": "send_message", "destinationId": "general", "content": "vote"})
	messageID := messageOf(bobSock.last(t, "new_message"))["id"]

	// When Bob reacts and takes it back
	h.send(bob, map[string]any{"type": "add_reaction", "destinationId": "general", "messageId": messageID, "emoji": "👍"})
	h.send(bob, map[string]any{"type": "remove_reaction", "destinationId": "general", "messageId": messageID, "emoji": "👍"})

	// Then the removal is broadcast and the stored message has no reaction
	removed := aliceSock.last(t, "reaction_removed")
	req.Equal("bob", removed["userId"])
	req.Equal("👍", removed["emoji"])
	stored, err := h.repo.RecentMessages(context.Background(), "general", 10)
	req.NoError(err)
	req.Len(stored, 1)
	req.Empty(stored[0].Reactions)

	// And the same reaction can be added again
	h.send(bob, map[string]any{"type": "add_reaction", "destinationId": "general", "messageId": messageID, "emoji": "👍"})
	req.Len(aliceSock.all("reaction_added"), 2)
	req.Empty(bobSock.all("error"))
}

func TestGateway_Sweep_Closes_Stale_Connections(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	_, aliceSock := h.login(t, "alice")
	_, anonymous := h.connect(t)

	// When the auth timeout passes
	closed := h.gw.SweepIdle(time.Now().Add(15 * time.Second))

	// Then only the unauthenticated socket is closed
	req.Equal(1, closed)
	code, _ := anonymous.closed()
	req.Equal(contract.CloseAuthTimeout, code)
	code, _ = aliceSock.closed()
	req.Zero(code)

	// When the idle timeout passes
	closed = h.gw.SweepIdle(time.Now().Add(2 * time.Minute))

	// Then the idle session is closed too
	req.Equal(1, closed)
	code, reason := aliceSock.closed()
	req.Equal(contract.CloseIdle, code)
	req.Equal("Idle timeout", reason)
	req.Zero(h.gw.Connections())
}

func TestGateway_Edit_And_Delete_Windows(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	h.send(alice, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(alice, map[string]any{"type": "send_message", "destinationId": "general", "content": "hello"})
	messageID := messageOf(aliceSock.last(t, "new_message"))["id"]

	// When the edit window has passed
	h.clock.Advance(runtime.DefaultEditWindow + time.Second)
	h.send(alice, map[string]any{"type": "edit_message", "destinationId": "general", "messageId": messageID, "newContent": "late"})
	req.Equal("TooOld", aliceSock.last(t, "error")["message"])

	// When the delete window has passed
	h.clock.Advance(runtime.DefaultDeleteWindow)
	h.send(alice, map[string]any{"type": "delete_message", "destinationId": "general", "messageId": messageID, "deleteForEveryone": true})
	req.Equal("TooOld", aliceSock.last(t, "error")["message"])

	// Then nothing was broadcast
	req.Empty(aliceSock.all("message_edited"))
	req.Empty(aliceSock.all("message_deleted"))
}

func TestGateway_Read_Receipts(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	bob, bobSock := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "send_private_message", "recipientId": "bob", "content": "did you see this"})
	got := messageOf(bobSock.last(t, "new_message"))
	conversation, messageID := got["destinationId"], got["id"]

	// When Alice marks her own message
	h.send(alice, map[string]any{"type": "mark_message_read", "destinationId": conversation, "messageId": messageID})
	req.Equal("PermissionDenied", aliceSock.last(t, "error")["message"])

	// When Bob reads it
	h.send(bob, map[string]any{"type": "mark_message_read", "destinationId": conversation, "messageId": messageID})

	// Then Alice gets the receipt and it is stored
	read := aliceSock.last(t, "message_read")
	req.Equal("bob", read["readBy"])
	req.Equal(messageID, read["messageId"])
	stored, err := h.repo.RecentMessages(context.Background(), domain.DestinationID(conversation.(string)), 10)
	req.NoError(err)
	req.Len(stored, 1)
	_, ok := stored[0].ReadAt("bob")
	req.True(ok)

	// And receipts are refused in channels
	h.send(bob, map[string]any{"type": "join_channel", "channelId": "general"})
	h.send(bob, map[string]any{"type": "send_message", "destinationId": "general", "content": "hi"})
	channelMessage := messageOf(bobSock.last(t, "new_message"))["id"]
	h.send(bob, map[string]any{"type": "mark_message_read", "destinationId": "general", "messageId": channelMessage})
	req.Equal("InvalidRecipient", bobSock.last(t, "error")["message"])
}

func TestGateway_Delete_Conversation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	alice, aliceSock := h.login(t, "alice")
	bob, bobSock := h.login(t, "bob")
	h.send(alice, map[string]any{"type": "initialize_chat", "recipientId": "bob"})
	h.send(alice, map[string]any{"type": "send_message", "recipientId": "bob", "content": "one"})
	h.send(bob, map[string]any{"type": "send_message", "recipientId": "alice", "content": "two"})
	conversation := aliceSock.last(t, "chat_initialized")["destinationId"]

	// When Bob deletes it for himself
	h.send(bob, map[string]any{"type": "delete_conversation", "destinationId": conversation})

	// Then only Bob is told and his history is empty
	req.Equal(false, bobSock.last(t, "conversation_deleted")["deleteForEveryone"])
	req.Empty(aliceSock.all("conversation_deleted"))
	h.send(bob, map[string]any{"type": "initialize_chat", "recipientId": "alice"})
	req.Empty(bobSock.last(t, "chat_initialized")["messages"])

	// When Alice deletes it for everyone
	h.send(alice, map[string]any{"type": "delete_conversation", "destinationId": conversation, "deleteForEveryone": true})

	// Then both are told and only tombstones remain
	for _, sock := range []*socket{aliceSock, bobSock} {
		req.Equal(true, sock.last(t, "conversation_deleted")["deleteForEveryone"])
	}
	stored, err := h.repo.RecentMessages(context.Background(), domain.DestinationID(conversation.(string)), 10)
	req.NoError(err)
	req.Len(stored, 2)
	for _, m := range stored {
		req.True(m.DeletedForEveryone)
		req.Empty(m.Content)
	}

	// And outsiders cannot delete it
	mallory, mallorySock := h.login(t, "mallory")
	h.send(mallory, map[string]any{"type": "delete_conversation", "destinationId": conversation, "deleteForEveryone": true})
	req.Equal("PermissionDenied", mallorySock.last(t, "error")["message"])
}

func TestGateway_Shutdown_Closes_Everything(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, 30)
	_, a := h.login(t, "alice")
	_, b := h.connect(t)

	h.gw.Shutdown()

	for _, sock := range []*socket{a, b} {
		code, _ := sock.closed()
		req.Equal(contract.CloseGoingAway, code)
	}
	req.Zero(h.gw.Connections())
}
