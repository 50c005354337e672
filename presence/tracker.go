// Package presence tracks who is typing where and who is online.
// Everything here is soft state: a missing record means "not typing" or "offline".
package presence

import (
	"sort"
	"sync"
	"time"

	"chat-gateway/domain"
)

// Notifier receives state transitions. Calls are made without holding the tracker lock.
type Notifier interface {
	TypingChanged(dest domain.DestinationID, userID string, typing bool)
	StatusChanged(p domain.Presence)
}

type typingKey struct {
	user string
	dest domain.DestinationID
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

type Tracker struct {
	mu     sync.Mutex
	typing map[typingKey]*typingEntry
	status map[string]domain.Presence
	gen    uint64
	ttl    time.Duration
	notify Notifier
	now    func() time.Time
}

func NewTracker(notify Notifier, ttl time.Duration) *Tracker {
	return &Tracker{
		typing: make(map[typingKey]*typingEntry),
		status: make(map[string]domain.Presence),
		ttl:    ttl,
		notify: notify,
		now:    time.Now,
	}
}

// SetTyping records or refreshes a typing indicator. Only transitions are notified.
func (t *Tracker) SetTyping(userID string, dest domain.DestinationID, isTyping bool) {
	key := typingKey{user: userID, dest: dest}

	t.mu.Lock()
	entry, exists := t.typing[key]
	if !isTyping {
		if exists {
			entry.timer.Stop()
			delete(t.typing, key)
		}
		t.mu.Unlock()
		if exists {
			t.notify.TypingChanged(dest, userID, false)
		}
		return
	}

	if exists {
		entry.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.typing[key] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.ttl, func() { t.expire(key, gen) }),
	}
	t.mu.Unlock()

	if !exists {
		t.notify.TypingChanged(dest, userID, true)
	}
}

func (t *Tracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.typing[key]
	if !ok || entry.gen != gen {
		// refreshed or stopped in the meantime
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	t.mu.Unlock()
	t.notify.TypingChanged(key.dest, key.user, false)
}

// Typing returns the users currently typing in dest, sorted.
func (t *Tracker) Typing(dest domain.DestinationID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0)
	for k := range t.typing {
		if k.dest == dest {
			users = append(users, k.user)
		}
	}
	sort.Strings(users)
	return users
}

// ClearUser stops every typing indicator of the user, notifying each stop.
func (t *Tracker) ClearUser(userID string) {
	t.mu.Lock()
	var stopped []domain.DestinationID
	for k, entry := range t.typing {
		if k.user != userID {
			continue
		}
		entry.timer.Stop()
		delete(t.typing, k)
		stopped = append(stopped, k.dest)
	}
	t.mu.Unlock()

	for _, dest := range stopped {
		t.notify.TypingChanged(dest, userID, false)
	}
}

// SetStatus updates status and last-seen. Repeating the current status only refreshes last-seen.
func (t *Tracker) SetStatus(userID string, status domain.Status) {
	now := t.now().UTC()

	t.mu.Lock()
	prev, known := t.status[userID]
	p := domain.Presence{UserID: userID, Status: status, LastSeen: now}
	changed := false
	switch {
	case status == domain.StatusOffline:
		if known {
			delete(t.status, userID)
			changed = true
		}
	default:
		t.status[userID] = p
		changed = !known || prev.Status != status
	}
	t.mu.Unlock()

	if changed {
		t.notify.StatusChanged(p)
	}
}

// Status returns the presence of the user, offline when unknown.
func (t *Tracker) Status(userID string) domain.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.status[userID]; ok {
		return p
	}
	return domain.Presence{UserID: userID, Status: domain.StatusOffline}
}

// Stop cancels every pending typing timer without notifying.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, entry := range t.typing {
		entry.timer.Stop()
		delete(t.typing, k)
	}
}
