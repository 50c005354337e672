package repositories

import (
	"context"
	stderrors "errors"
	"log/slog"
	"testing"

	"chat-gateway/domain"
	"chat-gateway/errors"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var errDiskFull = stderrors.New("no space left on device")

// flakyRepo is a memory repository whose message calls can be made to fail.
type flakyRepo struct {
	*MemoryRepository
	broken bool
}

func (f *flakyRepo) SaveMessage(ctx context.Context, m domain.Message) error {
	if f.broken {
		return errDiskFull
	}
	return f.MemoryRepository.SaveMessage(ctx, m)
}

func (f *flakyRepo) RecentMessages(ctx context.Context, dest domain.DestinationID, limit int) ([]domain.Message, error) {
	if f.broken {
		return nil, errDiskFull
	}
	return f.MemoryRepository.RecentMessages(ctx, dest, limit)
}

func Test_Fallback_Switches_To_Mirror(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	primary := &flakyRepo{MemoryRepository: NewMemoryRepository()}
	repo := NewFallbackRepository(logs.GetLoggerFromLevel(slog.LevelDebug), primary)

	// Given a healthy primary
	req.NoError(repo.SaveMessage(ctx, newMessage("general", "alice", "one", epoch)))
	req.False(repo.Degraded())

	// When the primary starts failing
	primary.broken = true
	err := repo.SaveMessage(ctx, newMessage("general", "bob", "two", epoch.Add(1)))

	// Then the failure is reported once and the mirror keeps serving
	req.ErrorIs(err, errDiskFull)
	req.True(repo.Degraded())
	req.NoError(repo.SaveMessage(ctx, newMessage("general", "clara", "three", epoch.Add(2))))

	recent, err := repo.RecentMessages(ctx, "general", 10)
	req.NoError(err)
	req.Len(recent, 3)
	req.NoError(repo.Ping(ctx))
}

func Test_Fallback_Not_Found_Is_Not_A_Failure(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewFallbackRepository(logs.GetLoggerFromLevel(slog.LevelDebug), NewMemoryRepository())

	_, err := repo.GetMessage(ctx, "general", uuid.New())

	req.ErrorIs(err, errors.ErrNotFound)
	req.False(repo.Degraded())
}

func Test_Memory_Search_And_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewMemoryRepository()

	late := newMessage("general", "bob", "Hello again", epoch.Add(2))
	req.NoError(repo.SaveMessage(ctx, late))
	req.NoError(repo.SaveMessage(ctx, newMessage("general", "alice", "hello", epoch)))
	late.Content = "HELLO edited"
	req.NoError(repo.SaveMessage(ctx, late))

	recent, err := repo.RecentMessages(ctx, "general", 5)
	req.NoError(err)
	req.Len(recent, 2)
	req.Equal("alice", recent[0].AuthorID)
	req.Equal("HELLO edited", recent[1].Content)

	found, err := repo.SearchMessages(ctx, "general", "hello", 1)
	req.NoError(err)
	req.Len(found, 1)
	req.Equal("bob", found[0].AuthorID)
}
