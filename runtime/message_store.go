package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/errors"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	DefaultCacheSize    = 100
	DefaultEditWindow   = 5 * time.Minute
	DefaultDeleteWindow = time.Hour
	DefaultSearchLimit  = 20
	MaxSearchLimit      = 100

	// searchFetchCeiling bounds how many repository hits one search reads
	// while replacing hits hidden from the viewer.
	searchFetchCeiling = 8 * MaxSearchLimit
	// ClearLimit bounds how many persisted messages one conversation deletion rewrites.
	ClearLimit = 1000
)

type StoreConfig struct {
	CacheSize    int
	EditWindow   time.Duration
	DeleteWindow time.Duration
	ReadTimeout  time.Duration
	Now          func() time.Time
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.EditWindow <= 0 {
		c.EditWindow = DefaultEditWindow
	}
	if c.DeleteWindow <= 0 {
		c.DeleteWindow = DefaultDeleteWindow
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// MessageStore keeps the recent tail of one destination in memory and
// forwards every mutation to the repository through the persister.
// Mutations on messages outside the tail are not locked here: callers
// serialize writers per destination.
type MessageStore struct {
	id        domain.DestinationID
	log       *slog.Logger
	repo      contract.MessageRepository
	persister contract.Persister
	cfg       StoreConfig

	warmOnce sync.Once
	mu       sync.Mutex
	tail     []*domain.Message
	index    map[uuid.UUID]*domain.Message
	// rehydrated keeps older messages mutated after a cache miss, so the next
	// mutation sees them while their write is still queued.
	rehydrated      map[uuid.UUID]*domain.Message
	rehydratedOrder []uuid.UUID
}

func NewMessageStore(id domain.DestinationID, log *slog.Logger, repo contract.MessageRepository,
	persister contract.Persister, cfg StoreConfig) *MessageStore {
	return &MessageStore{
		id:         id,
		log:        log,
		repo:       repo,
		persister:  persister,
		cfg:        cfg.withDefaults(),
		index:      make(map[uuid.UUID]*domain.Message),
		rehydrated: make(map[uuid.UUID]*domain.Message),
	}
}

// warm loads the persisted tail on first use.
func (s *MessageStore) warm(ctx context.Context) {
	s.warmOnce.Do(func() {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		defer cancel()
		loaded, err := s.repo.RecentMessages(readCtx, s.id, s.cfg.CacheSize)
		if err != nil {
			s.log.Warn("Unable to warm message cache", "destination", s.id, "error", err)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		var older []*domain.Message
		for _, m := range loaded {
			if _, ok := s.index[m.ID]; ok {
				continue
			}
			c := m.Clone()
			older = append(older, &c)
			s.index[c.ID] = &c
		}
		s.tail = append(older, s.tail...)
		s.evict()
	})
}

func (s *MessageStore) evict() {
	for len(s.tail) > s.cfg.CacheSize {
		delete(s.index, s.tail[0].ID)
		s.tail[0] = nil
		s.tail = s.tail[1:]
	}
}

func (s *MessageStore) persist(m domain.Message) {
	ok := s.persister.Submit(string(s.id), contract.Job{
		Name: "save_message",
		Run: func(ctx context.Context) error {
			return s.repo.SaveMessage(ctx, m)
		},
	})
	if !ok {
		s.log.Warn("Message not queued for persistence", "destination", s.id, "message_id", m.ID)
	}
}

// Append stores a new message and returns the stored copy.
func (s *MessageStore) Append(ctx context.Context, authorID, content string, replyTo *uuid.UUID, threadID string) domain.Message {
	s.warm(ctx)
	m := domain.Message{
		ID:            uuid.New(),
		DestinationID: s.id,
		AuthorID:      authorID,
		Content:       content,
		CreatedAt:     s.cfg.Now(),
		ReplyTo:       replyTo,
		ThreadID:      threadID,
	}

	s.mu.Lock()
	stored := m.Clone()
	s.tail = append(s.tail, &stored)
	s.index[stored.ID] = &stored
	s.evict()
	s.mu.Unlock()

	s.persist(m.Clone())
	return m
}

// Cached returns a message only if it sits in the in-memory tail.
func (s *MessageStore) Cached(id uuid.UUID) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[id]
	if !ok {
		return domain.Message{}, false
	}
	return m.Clone(), true
}

func (s *MessageStore) load(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	m, err := s.repo.GetMessage(readCtx, s.id, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotFound, id)
		}
		return domain.Message{}, fmt.Errorf("load message %s: %w", id, err)
	}
	if m.DestinationID != s.id {
		return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotFound, id)
	}
	return m, nil
}

// remember keeps a rehydrated message, dropping the oldest beyond the cache size.
func (s *MessageStore) remember(m domain.Message) {
	if _, ok := s.rehydrated[m.ID]; !ok {
		s.rehydratedOrder = append(s.rehydratedOrder, m.ID)
	}
	s.rehydrated[m.ID] = &m
	for len(s.rehydratedOrder) > s.cfg.CacheSize {
		delete(s.rehydrated, s.rehydratedOrder[0])
		s.rehydratedOrder = s.rehydratedOrder[1:]
	}
}

// known returns the live copy of a message from the tail or the rehydrated set.
// The caller holds s.mu.
func (s *MessageStore) known(id uuid.UUID) (*domain.Message, bool) {
	if m, ok := s.index[id]; ok {
		return m, true
	}
	m, ok := s.rehydrated[id]
	return m, ok
}

// mutate applies fn to the cached message, or to a copy rehydrated from the
// repository on a cache miss. A mutated rehydrated copy is kept beside the
// tail so later mutations read their own writes.
func (s *MessageStore) mutate(ctx context.Context, id uuid.UUID, fn func(m *domain.Message) error) (domain.Message, error) {
	s.warm(ctx)

	s.mu.Lock()
	if m, ok := s.known(id); ok {
		if err := fn(m); err != nil {
			s.mu.Unlock()
			return domain.Message{}, err
		}
		snapshot := m.Clone()
		s.mu.Unlock()
		s.persist(snapshot.Clone())
		return snapshot, nil
	}
	s.mu.Unlock()

	loaded, err := s.load(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}

	s.mu.Lock()
	target, ok := s.known(id)
	if !ok {
		target = &loaded
	}
	if err := fn(target); err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}
	loaded = target.Clone()
	if !ok {
		s.remember(loaded.Clone())
	}
	s.mu.Unlock()

	s.persist(loaded.Clone())
	return loaded, nil
}

func notDeleted(m *domain.Message) error {
	if m.DeletedForEveryone {
		return fmt.Errorf("%w: message %s was deleted", errors.ErrNotFound, m.ID)
	}
	return nil
}

func (s *MessageStore) Edit(ctx context.Context, id uuid.UUID, editorID, content string) (domain.Message, error) {
	return s.mutate(ctx, id, func(m *domain.Message) error {
		if err := notDeleted(m); err != nil {
			return err
		}
		if m.AuthorID != editorID {
			return fmt.Errorf("%w: only the author can edit this message", errors.ErrPermissionDenied)
		}
		now := s.cfg.Now()
		if now.Sub(m.CreatedAt) > s.cfg.EditWindow {
			return fmt.Errorf("%w: messages can only be edited within %s", errors.ErrTooOld, s.cfg.EditWindow)
		}
		m.Content = content
		m.Edited = true
		m.EditedAt = lo.ToPtr(now)
		return nil
	})
}

// Delete removes a message for everyone or hides it from userID only.
func (s *MessageStore) Delete(ctx context.Context, id uuid.UUID, userID string, forEveryone bool) (domain.Message, error) {
	return s.mutate(ctx, id, func(m *domain.Message) error {
		now := s.cfg.Now()
		if !forEveryone {
			hide(m, userID, now)
			return nil
		}
		if err := notDeleted(m); err != nil {
			return err
		}
		if m.AuthorID != userID {
			return fmt.Errorf("%w: only the author can delete this message for everyone", errors.ErrPermissionDenied)
		}
		if now.Sub(m.CreatedAt) > s.cfg.DeleteWindow {
			return fmt.Errorf("%w: messages can only be deleted for everyone within %s", errors.ErrTooOld, s.cfg.DeleteWindow)
		}
		tombstone(m, now)
		return nil
	})
}

// hide suppresses the message for userID, tombstones included.
func hide(m *domain.Message, userID string, at time.Time) {
	if m.DeletedFor == nil {
		m.DeletedFor = make(map[string]time.Time)
	}
	m.DeletedFor[userID] = at
}

func tombstone(m *domain.Message, at time.Time) {
	m.DeletedForEveryone = true
	m.DeletedAt = lo.ToPtr(at)
	m.Content = ""
}

// MarkRead records that readerID read the message. Authors cannot mark their
// own messages; marking twice keeps the first read time.
func (s *MessageStore) MarkRead(ctx context.Context, id uuid.UUID, readerID string) (domain.Message, error) {
	return s.mutate(ctx, id, func(m *domain.Message) error {
		if err := notDeleted(m); err != nil {
			return err
		}
		if m.AuthorID == readerID {
			return fmt.Errorf("%w: only the recipient can mark this message as read", errors.ErrPermissionDenied)
		}
		if _, ok := m.ReadBy[readerID]; ok {
			return nil
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time)
		}
		m.ReadBy[readerID] = s.cfg.Now()
		return nil
	})
}

// Clear deletes every message of the destination, for userID only or for
// everyone, and returns how many messages changed. Persisted history beyond
// ClearLimit is left untouched.
func (s *MessageStore) Clear(ctx context.Context, userID string, forEveryone bool) (int, error) {
	s.warm(ctx)
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	persisted, err := s.repo.RecentMessages(readCtx, s.id, ClearLimit)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", s.id, err)
	}

	now := s.cfg.Now()
	apply := func(m *domain.Message) bool {
		if forEveryone {
			if m.DeletedForEveryone {
				return false
			}
			tombstone(m, now)
			return true
		}
		if !m.VisibleTo(userID) {
			return false
		}
		hide(m, userID, now)
		return true
	}

	var changed []domain.Message
	s.mu.Lock()
	seen := make(map[uuid.UUID]struct{}, len(persisted)+len(s.tail))
	for _, m := range s.tail {
		seen[m.ID] = struct{}{}
		if apply(m) {
			changed = append(changed, m.Clone())
		}
	}
	for _, p := range persisted {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		m, ok := s.known(p.ID)
		if !ok {
			c := p.Clone()
			m = &c
		}
		if apply(m) {
			if !ok {
				s.remember(m.Clone())
			}
			changed = append(changed, m.Clone())
		}
	}
	s.mu.Unlock()

	for _, m := range changed {
		s.persist(m)
	}
	return len(changed), nil
}

func (s *MessageStore) AddReaction(ctx context.Context, id uuid.UUID, userID, emoji string) (domain.Reaction, domain.Message, error) {
	reaction := domain.Reaction{MessageID: id, UserID: userID, Emoji: emoji}
	m, err := s.mutate(ctx, id, func(m *domain.Message) error {
		if err := notDeleted(m); err != nil {
			return err
		}
		if m.HasReaction(userID, emoji) {
			return fmt.Errorf("%w: reaction %s already added", errors.ErrDuplicate, emoji)
		}
		reaction.At = s.cfg.Now()
		m.Reactions = append(m.Reactions, reaction)
		return nil
	})
	return reaction, m, err
}

func (s *MessageStore) RemoveReaction(ctx context.Context, id uuid.UUID, userID, emoji string) (domain.Reaction, domain.Message, error) {
	reaction := domain.Reaction{MessageID: id, UserID: userID, Emoji: emoji}
	m, err := s.mutate(ctx, id, func(m *domain.Message) error {
		if err := notDeleted(m); err != nil {
			return err
		}
		_, idx, found := lo.FindIndexOf(m.Reactions, func(r domain.Reaction) bool { return r.Matches(userID, emoji) })
		if !found {
			return fmt.Errorf("%w: reaction %s not found", errors.ErrNotFound, emoji)
		}
		reaction.At = s.cfg.Now()
		m.Reactions = append(m.Reactions[:idx], m.Reactions[idx+1:]...)
		return nil
	})
	return reaction, m, err
}

// Recent returns up to n cached messages visible to viewer, oldest first.
func (s *MessageStore) Recent(ctx context.Context, viewer string, n int) []domain.Message {
	s.warm(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	var visible []domain.Message
	for _, m := range s.tail {
		if m.VisibleTo(viewer) {
			visible = append(visible, m.Clone())
		}
	}
	if n > 0 && len(visible) > n {
		visible = visible[len(visible)-n:]
	}
	return visible
}

// Search looks up persisted content, most recent first.
func (s *MessageStore) Search(ctx context.Context, viewer, query string, limit int) ([]domain.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", errors.ErrInvalidPayload)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	// Hits hidden from the viewer are replaced by reading a wider page.
	for fetch := limit; ; fetch *= 2 {
		found, err := s.repo.SearchMessages(readCtx, s.id, query, fetch)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", s.id, err)
		}
		visible := lo.Filter(found, func(m domain.Message, _ int) bool {
			return !m.DeletedForEveryone && m.VisibleTo(viewer)
		})
		if len(visible) >= limit || len(found) < fetch || fetch >= searchFetchCeiling {
			return visible[:min(len(visible), limit)], nil
		}
	}
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tail)
}
