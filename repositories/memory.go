package repositories

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-gateway/domain"
	"chat-gateway/errors"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryRepository keeps everything in process. It backs tests, runs without
// a data directory, and mirrors writes for the fallback repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	messages map[domain.DestinationID][]domain.Message
	index    map[uuid.UUID]domain.DestinationID
	channels map[domain.DestinationID]domain.Channel
	members  map[domain.DestinationID]map[string]struct{}
	users    map[string]domain.UserIdentity
	revoked  map[string]time.Time
	banned   map[string]struct{}
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[domain.DestinationID][]domain.Message),
		index:    make(map[uuid.UUID]domain.DestinationID),
		channels: make(map[domain.DestinationID]domain.Channel),
		members:  make(map[domain.DestinationID]map[string]struct{}),
		users:    make(map[string]domain.UserIdentity),
		revoked:  make(map[string]time.Time),
		banned:   make(map[string]struct{}),
		now:      time.Now,
	}
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

// SaveMessage upserts by id, keeping each destination sorted by creation time.
func (r *MemoryRepository) SaveMessage(_ context.Context, m domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m = m.Clone()
	log := r.messages[m.DestinationID]
	if _, exists := r.index[m.ID]; exists {
		for i := range log {
			if log[i].ID == m.ID {
				log[i] = m
				return nil
			}
		}
	}
	i := sort.Search(len(log), func(i int) bool { return log[i].CreatedAt.After(m.CreatedAt) })
	log = append(log, domain.Message{})
	copy(log[i+1:], log[i:])
	log[i] = m
	r.messages[m.DestinationID] = log
	r.index[m.ID] = m.DestinationID
	return nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, dest domain.DestinationID, id uuid.UUID) (domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.index[id] == dest {
		if m, ok := lo.Find(r.messages[dest], func(m domain.Message) bool { return m.ID == id }); ok {
			return m.Clone(), nil
		}
	}
	return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotFound, id)
}

func (r *MemoryRepository) RecentMessages(_ context.Context, dest domain.DestinationID, limit int) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	log := r.messages[dest]
	tail := log[max(0, len(log)-limit):]
	return lo.Map(tail, func(m domain.Message, _ int) domain.Message { return m.Clone() }), nil
}

func (r *MemoryRepository) SearchMessages(_ context.Context, dest domain.DestinationID, query string, limit int) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := normalize(query)
	var found []domain.Message
	log := r.messages[dest]
	for i := len(log) - 1; i >= 0 && len(found) < limit; i-- {
		m := log[i]
		if !m.DeletedForEveryone && contains(m.Content, needle) {
			found = append(found, m.Clone())
		}
	}
	return found, nil
}

func (r *MemoryRepository) ListChannels(context.Context) ([]domain.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := lo.Values(r.channels)
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

func (r *MemoryRepository) SaveChannel(_ context.Context, ch domain.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID] = ch
	return nil
}

func (r *MemoryRepository) AddMember(_ context.Context, channel domain.DestinationID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[channel] == nil {
		r.members[channel] = make(map[string]struct{})
	}
	r.members[channel][userID] = struct{}{}
	return nil
}

func (r *MemoryRepository) CountMembers(_ context.Context, channel domain.DestinationID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[channel]), nil
}

func (r *MemoryRepository) GetUser(_ context.Context, id string) (domain.UserIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return domain.UserIdentity{}, fmt.Errorf("%w: user %s", errors.ErrNotFound, id)
	}
	return u, nil
}

func (r *MemoryRepository) SaveUser(_ context.Context, u domain.UserIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return nil
}

func (r *MemoryRepository) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, ok := r.revoked[tokenID]
	return ok && r.now().Before(until), nil
}

func (r *MemoryRepository) Revoke(_ context.Context, tokenID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[tokenID] = until
	return nil
}

func (r *MemoryRepository) BannedWords(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	words := lo.Keys(r.banned)
	sort.Strings(words)
	return words, nil
}

func (r *MemoryRepository) AddBannedWords(_ context.Context, words ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			r.banned[w] = struct{}{}
		}
	}
	return nil
}
