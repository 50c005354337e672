package repositories

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/errors"

	"github.com/google/uuid"
)

// FallbackRepository writes through to the primary store and to an in-memory
// mirror. The first primary failure marks it degraded; from then on reads
// are served by the mirror and writes stop reaching the primary until restart.
type FallbackRepository struct {
	log      *slog.Logger
	primary  contract.Repository
	mirror   *MemoryRepository
	degraded atomic.Bool
}

var _ contract.Repository = (*FallbackRepository)(nil)

func NewFallbackRepository(log *slog.Logger, primary contract.Repository) *FallbackRepository {
	return &FallbackRepository{log: log, primary: primary, mirror: NewMemoryRepository()}
}

func (f *FallbackRepository) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackRepository) degrade(op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.log.Error("Primary store failed, serving from memory", "operation", op, "error", err)
	}
}

// write always lands in the mirror. A primary error is returned so the caller
// can count it.
func (f *FallbackRepository) write(op string, mirror func() error, primary func() error) error {
	if err := mirror(); err != nil {
		return err
	}
	if f.Degraded() {
		return nil
	}
	if err := primary(); err != nil {
		f.degrade(op, err)
		return err
	}
	return nil
}

// isNotFound reports errors that say nothing about the health of the store.
func isNotFound(err error) bool {
	return errors.Is(err, errors.ErrNotFound) || errors.Is(err, context.Canceled)
}

func read[T any](f *FallbackRepository, op string, mirror func() (T, error), primary func() (T, error)) (T, error) {
	if f.Degraded() {
		return mirror()
	}
	v, err := primary()
	if err != nil && !isNotFound(err) {
		f.degrade(op, err)
		return mirror()
	}
	return v, err
}

func (f *FallbackRepository) Ping(ctx context.Context) error {
	if f.Degraded() {
		return nil
	}
	return f.primary.Ping(ctx)
}

func (f *FallbackRepository) SaveMessage(ctx context.Context, m domain.Message) error {
	return f.write("save_message",
		func() error { return f.mirror.SaveMessage(ctx, m) },
		func() error { return f.primary.SaveMessage(ctx, m) })
}

func (f *FallbackRepository) GetMessage(ctx context.Context, dest domain.DestinationID, id uuid.UUID) (domain.Message, error) {
	return read(f, "get_message",
		func() (domain.Message, error) { return f.mirror.GetMessage(ctx, dest, id) },
		func() (domain.Message, error) { return f.primary.GetMessage(ctx, dest, id) })
}

func (f *FallbackRepository) RecentMessages(ctx context.Context, dest domain.DestinationID, limit int) ([]domain.Message, error) {
	return read(f, "recent_messages",
		func() ([]domain.Message, error) { return f.mirror.RecentMessages(ctx, dest, limit) },
		func() ([]domain.Message, error) { return f.primary.RecentMessages(ctx, dest, limit) })
}

func (f *FallbackRepository) SearchMessages(ctx context.Context, dest domain.DestinationID, query string, limit int) ([]domain.Message, error) {
	return read(f, "search_messages",
		func() ([]domain.Message, error) { return f.mirror.SearchMessages(ctx, dest, query, limit) },
		func() ([]domain.Message, error) { return f.primary.SearchMessages(ctx, dest, query, limit) })
}

func (f *FallbackRepository) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	return read(f, "list_channels",
		func() ([]domain.Channel, error) { return f.mirror.ListChannels(ctx) },
		func() ([]domain.Channel, error) { return f.primary.ListChannels(ctx) })
}

func (f *FallbackRepository) SaveChannel(ctx context.Context, ch domain.Channel) error {
	return f.write("save_channel",
		func() error { return f.mirror.SaveChannel(ctx, ch) },
		func() error { return f.primary.SaveChannel(ctx, ch) })
}

func (f *FallbackRepository) AddMember(ctx context.Context, channel domain.DestinationID, userID string) error {
	return f.write("add_member",
		func() error { return f.mirror.AddMember(ctx, channel, userID) },
		func() error { return f.primary.AddMember(ctx, channel, userID) })
}

func (f *FallbackRepository) CountMembers(ctx context.Context, channel domain.DestinationID) (int, error) {
	return read(f, "count_members",
		func() (int, error) { return f.mirror.CountMembers(ctx, channel) },
		func() (int, error) { return f.primary.CountMembers(ctx, channel) })
}

func (f *FallbackRepository) GetUser(ctx context.Context, id string) (domain.UserIdentity, error) {
	return read(f, "get_user",
		func() (domain.UserIdentity, error) { return f.mirror.GetUser(ctx, id) },
		func() (domain.UserIdentity, error) { return f.primary.GetUser(ctx, id) })
}

func (f *FallbackRepository) SaveUser(ctx context.Context, u domain.UserIdentity) error {
	return f.write("save_user",
		func() error { return f.mirror.SaveUser(ctx, u) },
		func() error { return f.primary.SaveUser(ctx, u) })
}

func (f *FallbackRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return read(f, "is_revoked",
		func() (bool, error) { return f.mirror.IsRevoked(ctx, tokenID) },
		func() (bool, error) { return f.primary.IsRevoked(ctx, tokenID) })
}

func (f *FallbackRepository) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	return f.write("revoke",
		func() error { return f.mirror.Revoke(ctx, tokenID, until) },
		func() error { return f.primary.Revoke(ctx, tokenID, until) })
}

func (f *FallbackRepository) BannedWords(ctx context.Context) ([]string, error) {
	return read(f, "banned_words",
		func() ([]string, error) { return f.mirror.BannedWords(ctx) },
		func() ([]string, error) { return f.primary.BannedWords(ctx) })
}

func (f *FallbackRepository) AddBannedWords(ctx context.Context, words ...string) error {
	return f.write("add_banned_words",
		func() error { return f.mirror.AddBannedWords(ctx, words...) },
		func() error { return f.primary.AddBannedWords(ctx, words...) })
}
