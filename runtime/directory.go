package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/domain/event"
	"chat-gateway/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

// SessionLookup resolves the live connection of a user.
type SessionLookup interface {
	Subscriber(userID string) (domain.ConnectionID, contract.Subscriber, bool)
}

type member struct {
	userID string
	sub    contract.Subscriber
}

// Destination is a channel or a two-party conversation.
type Destination struct {
	ID           domain.DestinationID
	Kind         domain.Kind
	Name         string
	Description  string
	Participants [2]string
	Store        *MessageStore

	order sync.Mutex

	mu          sync.RWMutex
	subscribers map[domain.ConnectionID]member
}

// Serialize runs fn as the single writer of the destination.
// A mutation and its broadcast belong in the same fn so that clients observe
// events in completion order.
func (d *Destination) Serialize(fn func() error) error {
	d.order.Lock()
	defer d.order.Unlock()
	return fn()
}

func (d *Destination) Channel() domain.Channel {
	return domain.Channel{ID: d.ID, Name: d.Name, Description: d.Description}
}

// IsParticipant reports whether userID belongs to a conversation.
func (d *Destination) IsParticipant(userID string) bool {
	return d.Kind == domain.KindConversation && (d.Participants[0] == userID || d.Participants[1] == userID)
}

// Online returns the distinct users subscribed, sorted.
func (d *Destination) Online() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := lo.Uniq(lo.MapToSlice(d.subscribers, func(_ domain.ConnectionID, m member) string { return m.userID }))
	sort.Strings(users)
	return users
}

func (d *Destination) Subscribed(id domain.ConnectionID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.subscribers[id]
	return ok
}

type ChannelStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Members     int    `json:"members"`
	Online      int    `json:"online"`
}

type broadcastOptions struct {
	skipConnection domain.ConnectionID
	skipUsers      map[string]struct{}
}

type BroadcastOption func(*broadcastOptions)

func WithoutConnection(id domain.ConnectionID) BroadcastOption {
	return func(o *broadcastOptions) { o.skipConnection = id }
}

func WithoutUsers(ids ...string) BroadcastOption {
	return func(o *broadcastOptions) {
		if o.skipUsers == nil {
			o.skipUsers = make(map[string]struct{}, len(ids))
		}
		for _, id := range ids {
			o.skipUsers[id] = struct{}{}
		}
	}
}

// StoreFactory builds the message store of a new destination.
type StoreFactory func(id domain.DestinationID) *MessageStore

type Directory struct {
	log      *slog.Logger
	sessions SessionLookup
	newStore StoreFactory
	dropped  prometheus.Counter

	mu           sync.RWMutex
	destinations map[domain.DestinationID]*Destination
	members      map[domain.DestinationID]map[string]struct{}
}

func NewDirectory(log *slog.Logger, sessions SessionLookup, newStore StoreFactory, dropped prometheus.Counter) *Directory {
	return &Directory{
		log:          log,
		sessions:     sessions,
		newStore:     newStore,
		dropped:      dropped,
		destinations: make(map[domain.DestinationID]*Destination),
		members:      make(map[domain.DestinationID]map[string]struct{}),
	}
}

func (d *Directory) newDestination(id domain.DestinationID, kind domain.Kind) *Destination {
	return &Destination{
		ID:          id,
		Kind:        kind,
		Store:       d.newStore(id),
		subscribers: make(map[domain.ConnectionID]member),
	}
}

// RegisterChannel adds a channel; registering an existing id updates its labels.
func (d *Directory) RegisterChannel(ch domain.Channel) *Destination {
	d.mu.Lock()
	defer d.mu.Unlock()
	dest, ok := d.destinations[ch.ID]
	if !ok {
		dest = d.newDestination(ch.ID, domain.KindChannel)
		d.destinations[ch.ID] = dest
	}
	dest.Name = ch.Name
	dest.Description = ch.Description
	return dest
}

func (d *Directory) ResolveChannel(id domain.DestinationID) (*Destination, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dest, ok := d.destinations[id]
	if !ok || dest.Kind != domain.KindChannel {
		return nil, fmt.Errorf("%w: channel %s", errors.ErrNotFound, id)
	}
	return dest, nil
}

// ResolveOrCreateConversation returns the canonical conversation of a and b.
// created is true only for the call that made it.
func (d *Directory) ResolveOrCreateConversation(a, b string) (dest *Destination, created bool, err error) {
	id, err := domain.ConversationID(a, b)
	if err != nil {
		return nil, false, err
	}

	participants := domain.Participants(a, b)

	d.mu.RLock()
	dest, ok := d.destinations[id]
	d.mu.RUnlock()
	if ok {
		return conversationOf(dest, participants)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if dest, ok = d.destinations[id]; ok {
		return conversationOf(dest, participants)
	}
	dest = d.newDestination(id, domain.KindConversation)
	dest.Participants = participants
	dest.Name = string(id)
	d.destinations[id] = dest
	return dest, true, nil
}

// conversationOf accepts an existing destination only when it is the
// conversation of exactly this pair.
func conversationOf(dest *Destination, participants [2]string) (*Destination, bool, error) {
	if dest.Kind != domain.KindConversation || dest.Participants != participants {
		return nil, false, fmt.Errorf("%w: %s belongs to other participants", errors.ErrPermissionDenied, dest.ID)
	}
	return dest, false, nil
}

// Resolve finds any destination by id.
func (d *Directory) Resolve(id domain.DestinationID) (*Destination, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dest, ok := d.destinations[id]
	if !ok {
		return nil, fmt.Errorf("%w: destination %s", errors.ErrNotFound, id)
	}
	return dest, nil
}

// Join subscribes a connection and returns the roster after joining.
func (d *Directory) Join(dest *Destination, id domain.ConnectionID, userID string, sub contract.Subscriber) []string {
	dest.mu.Lock()
	dest.subscribers[id] = member{userID: userID, sub: sub}
	dest.mu.Unlock()

	if dest.Kind == domain.KindChannel {
		d.mu.Lock()
		set, ok := d.members[dest.ID]
		if !ok {
			set = make(map[string]struct{})
			d.members[dest.ID] = set
		}
		set[userID] = struct{}{}
		d.mu.Unlock()
	}
	return dest.Online()
}

// Leave unsubscribes a connection and reports whether it was subscribed.
func (d *Directory) Leave(dest *Destination, id domain.ConnectionID) bool {
	dest.mu.Lock()
	defer dest.mu.Unlock()
	_, ok := dest.subscribers[id]
	delete(dest.subscribers, id)
	return ok
}

// Members counts distinct users that ever joined a channel during this process.
func (d *Directory) Members(id domain.DestinationID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members[id])
}

// DestinationsOf lists every destination where userID is subscribed or a participant.
func (d *Directory) DestinationsOf(userID string) []*Destination {
	d.mu.RLock()
	all := lo.Values(d.destinations)
	d.mu.RUnlock()

	return lo.Filter(all, func(dest *Destination, _ int) bool {
		if dest.IsParticipant(userID) {
			return true
		}
		return lo.Contains(dest.Online(), userID)
	})
}

func (d *Directory) Channels() []ChannelStatus {
	d.mu.RLock()
	channels := lo.Filter(lo.Values(d.destinations), func(dest *Destination, _ int) bool {
		return dest.Kind == domain.KindChannel
	})
	d.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return lo.Map(channels, func(dest *Destination, _ int) ChannelStatus {
		return ChannelStatus{
			ID:          string(dest.ID),
			Name:        dest.Name,
			Description: dest.Description,
			Members:     d.Members(dest.ID),
			Online:      len(dest.Online()),
		}
	})
}

// audience collects subscribers plus, for conversations, the participants' live sessions.
func (d *Directory) audience(dest *Destination) map[domain.ConnectionID]member {
	dest.mu.RLock()
	out := make(map[domain.ConnectionID]member, len(dest.subscribers)+2)
	for id, m := range dest.subscribers {
		out[id] = m
	}
	dest.mu.RUnlock()

	if dest.Kind == domain.KindConversation && d.sessions != nil {
		for _, userID := range dest.Participants {
			if id, sub, ok := d.sessions.Subscriber(userID); ok {
				out[id] = member{userID: userID, sub: sub}
			}
		}
	}
	return out
}

// Broadcast serializes evt once and pushes it to every open subscriber.
// It returns how many connections accepted the frame.
func (d *Directory) Broadcast(dest *Destination, evt event.Outbound, opts ...BroadcastOption) (int, error) {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	frame, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}

	delivered := 0
	for id, m := range d.audience(dest) {
		if id == o.skipConnection {
			continue
		}
		if _, skip := o.skipUsers[m.userID]; skip {
			continue
		}
		if m.sub.Send(frame) {
			delivered++
			continue
		}
		if d.dropped != nil {
			d.dropped.Inc()
		}
		d.log.Debug("Frame dropped", "destination", dest.ID, "connection", id, "type", evt.EventType())
	}
	return delivered, nil
}

// Send serializes evt for a single subscriber.
func Send(sub contract.Subscriber, evt event.Outbound) bool {
	frame, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	return sub.Send(frame)
}
