package services

import (
	"context"
	stderrors "errors"
	"log/slog"
	"testing"
	"time"

	"chat-gateway/auth"
	"chat-gateway/domain"
	"chat-gateway/errors"
	"chat-gateway/mocks"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTokens(t *testing.T) *auth.Tokens {
	t.Helper()
	tokens, err := auth.NewTokens(testSecret, "")
	require.NoError(t, err)
	return tokens
}

func TestAuthService_Authenticate(t *testing.T) {
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	t.Run("should resolve a known user", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		users := mocks.NewMockUserRepository(ctrl)
		svc := NewAuthService(log, newTokens(t), users, true, nil)
		token, err := newTokens(t).Generate("alice", "Alice", time.Hour)
		req.NoError(err)

		alice := domain.UserIdentity{ID: "alice", Username: "alice", DisplayName: "Alice"}
		users.EXPECT().IsRevoked(gomock.Any(), gomock.Any()).Return(false, nil)
		users.EXPECT().GetUser(gomock.Any(), "alice").Return(alice, nil)

		user, err := svc.Authenticate(ctx, token)

		req.NoError(err)
		req.Equal(alice, user)
	})

	t.Run("should provision an unknown subject", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		users := mocks.NewMockUserRepository(ctrl)
		svc := NewAuthService(log, newTokens(t), users, true, nil)
		token, err := newTokens(t).Generate("bob", "Bob", time.Hour)
		req.NoError(err)

		users.EXPECT().IsRevoked(gomock.Any(), gomock.Any()).Return(false, nil)
		users.EXPECT().GetUser(gomock.Any(), "bob").Return(domain.UserIdentity{}, errors.ErrNotFound)
		users.EXPECT().SaveUser(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, u domain.UserIdentity) error {
				req.Equal("bob", u.ID)
				req.Equal("Bob", u.Username)
				return nil
			})

		user, err := svc.Authenticate(ctx, token)

		req.NoError(err)
		req.Equal("bob", user.ID)
	})

	t.Run("should reject an unknown subject without provisioning", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		users := mocks.NewMockUserRepository(ctrl)
		failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "auth_failures_test"})
		svc := NewAuthService(log, newTokens(t), users, false, failures)
		token, err := newTokens(t).Generate("mallory", "", time.Hour)
		req.NoError(err)

		users.EXPECT().IsRevoked(gomock.Any(), gomock.Any()).Return(false, nil)
		users.EXPECT().GetUser(gomock.Any(), "mallory").Return(domain.UserIdentity{}, errors.ErrNotFound)
		users.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Times(0)

		_, err = svc.Authenticate(ctx, token)

		req.ErrorIs(err, errors.ErrAuthInvalid)
		req.Equal(float64(1), testutil.ToFloat64(failures))
	})

	t.Run("should reject a revoked token", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		users := mocks.NewMockUserRepository(ctrl)
		svc := NewAuthService(log, newTokens(t), users, true, nil)
		token, err := newTokens(t).Generate("alice", "", time.Hour)
		req.NoError(err)

		users.EXPECT().IsRevoked(gomock.Any(), gomock.Any()).Return(true, nil)
		users.EXPECT().GetUser(gomock.Any(), gomock.Any()).Times(0)

		_, err = svc.Authenticate(ctx, token)

		req.ErrorIs(err, errors.ErrAuthInvalid)
	})

	t.Run("should fall back to the token identity when the store is down", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		users := mocks.NewMockUserRepository(ctrl)
		svc := NewAuthService(log, newTokens(t), users, true, nil)
		token, err := newTokens(t).Generate("alice", "Alice", time.Hour)
		req.NoError(err)

		down := stderrors.New("connection refused")
		users.EXPECT().IsRevoked(gomock.Any(), gomock.Any()).Return(false, down)
		users.EXPECT().GetUser(gomock.Any(), "alice").Return(domain.UserIdentity{}, down)

		user, err := svc.Authenticate(ctx, token)

		req.NoError(err)
		req.Equal("alice", user.ID)
		req.Equal("Alice", user.DisplayName)
	})

	t.Run("should reject missing and forged credentials", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		users := mocks.NewMockUserRepository(ctrl)
		svc := NewAuthService(log, newTokens(t), users, true, nil)

		_, err := svc.Authenticate(ctx, "  ")
		req.ErrorIs(err, errors.ErrAuthRequired)

		other, err := auth.NewTokens([]byte("another-secret-of-32-bytes-long!"), "")
		req.NoError(err)
		forged, err := other.Generate("alice", "", time.Hour)
		req.NoError(err)
		_, err = svc.Authenticate(ctx, forged)
		req.ErrorIs(err, errors.ErrAuthInvalid)
	})
}
