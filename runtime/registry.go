package runtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/errors"

	"github.com/samber/lo"
)

// Connection is one open socket. Its mutable state has its own lock so the
// registry lock is only held for map updates.
type Connection struct {
	ID          domain.ConnectionID
	RemoteAddr  string
	ConnectedAt time.Time
	sub         contract.Subscriber

	mu           sync.Mutex
	user         *domain.UserIdentity
	lastActivity time.Time
	destinations map[domain.DestinationID]struct{}
}

func (c *Connection) Subscriber() contract.Subscriber { return c.sub }

func (c *Connection) User() (domain.UserIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return domain.UserIdentity{}, false
	}
	return *c.user, true
}

func (c *Connection) UserID() string {
	u, _ := c.User()
	return u.ID
}

func (c *Connection) Touch(at time.Time) {
	c.mu.Lock()
	c.lastActivity = at
	c.mu.Unlock()
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) Enter(id domain.DestinationID) {
	c.mu.Lock()
	c.destinations[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) Exit(id domain.DestinationID) {
	c.mu.Lock()
	delete(c.destinations, id)
	c.mu.Unlock()
}

func (c *Connection) In(id domain.DestinationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.destinations[id]
	return ok
}

// Destinations returns the joined destination ids, sorted.
func (c *Connection) Destinations() []domain.DestinationID {
	c.mu.Lock()
	ids := lo.Keys(c.destinations)
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stale is a connection the sweeper should close, with its close code.
type Stale struct {
	Connection *Connection
	Code       int
	Reason     string
}

type Registry struct {
	mu          sync.RWMutex
	connections map[domain.ConnectionID]*Connection
	sessions    map[string]domain.ConnectionID // user id -> live connection
	perIP       map[string]int
	maxPerIP    int
}

func NewRegistry(maxPerIP int) *Registry {
	return &Registry{
		connections: make(map[domain.ConnectionID]*Connection),
		sessions:    make(map[string]domain.ConnectionID),
		perIP:       make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// Accept registers a socket unless its address already holds maxPerIP connections.
func (r *Registry) Accept(id domain.ConnectionID, remoteAddr string, sub contract.Subscriber, at time.Time) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerIP > 0 && r.perIP[remoteAddr] >= r.maxPerIP {
		return nil, fmt.Errorf("%w: %s", errors.ErrConnectionLimit, remoteAddr)
	}
	conn := &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  at,
		sub:          sub,
		lastActivity: at,
		destinations: make(map[domain.DestinationID]struct{}),
	}
	r.connections[id] = conn
	r.perIP[remoteAddr]++
	return conn, nil
}

// BindSession attaches user to the connection and makes it the user's live
// session. The connection it replaced, if any, is returned.
func (r *Registry) BindSession(id domain.ConnectionID, user domain.UserIdentity) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", errors.ErrConnectionClosed, id)
	}
	conn.mu.Lock()
	conn.user = &user
	conn.mu.Unlock()

	var previous *Connection
	if prevID, ok := r.sessions[user.ID]; ok && prevID != id {
		previous = r.connections[prevID]
	}
	r.sessions[user.ID] = id
	return previous, nil
}

// Remove unregisters a connection. The user's session entry is only dropped
// when it still points to this connection.
func (r *Registry) Remove(id domain.ConnectionID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	delete(r.connections, id)

	if userID := conn.UserID(); userID != "" && r.sessions[userID] == id {
		delete(r.sessions, userID)
	}
	if r.perIP[conn.RemoteAddr] <= 1 {
		delete(r.perIP, conn.RemoteAddr)
	} else {
		r.perIP[conn.RemoteAddr]--
	}
	return conn, true
}

func (r *Registry) Get(id domain.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

func (r *Registry) SessionFor(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	conn, ok := r.connections[id]
	return conn, ok
}

// Subscriber implements SessionLookup.
func (r *Registry) Subscriber(userID string) (domain.ConnectionID, contract.Subscriber, bool) {
	conn, ok := r.SessionFor(userID)
	if !ok {
		return "", nil, false
	}
	return conn.ID, conn.sub, true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.SessionFor(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) CountFrom(remoteAddr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perIP[remoteAddr]
}

// Stale lists connections idle for longer than idle, and connections still
// unauthenticated after authTimeout.
func (r *Registry) Stale(now time.Time, idle, authTimeout time.Duration) []Stale {
	r.mu.RLock()
	conns := lo.Values(r.connections)
	r.mu.RUnlock()

	var out []Stale
	for _, conn := range conns {
		_, authenticated := conn.User()
		switch {
		case !authenticated && authTimeout > 0 && now.Sub(conn.ConnectedAt) > authTimeout:
			out = append(out, Stale{Connection: conn, Code: contract.CloseAuthTimeout, Reason: "Authentication timeout"})
		case idle > 0 && now.Sub(conn.LastActivity()) > idle:
			out = append(out, Stale{Connection: conn, Code: contract.CloseIdle, Reason: "Idle timeout"})
		}
	}
	return out
}

// All returns every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.connections)
}
