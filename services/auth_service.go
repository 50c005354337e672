package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-gateway/auth"
	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/errors"

	"github.com/prometheus/client_golang/prometheus"
)

type IAuthService interface {
	Authenticate(ctx context.Context, credential string) (domain.UserIdentity, error)
}

type AuthService struct {
	log           *slog.Logger
	tokens        *auth.Tokens
	users         contract.UserRepository
	autoProvision bool
	failures      prometheus.Counter
	now           func() time.Time
}

func NewAuthService(log *slog.Logger, tokens *auth.Tokens, users contract.UserRepository,
	autoProvision bool, failures prometheus.Counter) *AuthService {
	return &AuthService{
		log:           log,
		tokens:        tokens,
		users:         users,
		autoProvision: autoProvision,
		failures:      failures,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate verifies the credential and resolves the identity behind it.
// When the user store cannot be reached, an identity built from the token is returned.
func (s *AuthService) Authenticate(ctx context.Context, credential string) (domain.UserIdentity, error) {
	user, err := s.authenticate(ctx, strings.TrimSpace(credential))
	if err != nil && s.failures != nil {
		s.failures.Inc()
	}
	return user, err
}

func (s *AuthService) authenticate(ctx context.Context, credential string) (domain.UserIdentity, error) {
	if credential == "" {
		return domain.UserIdentity{}, fmt.Errorf("%w: credential is missing", errors.ErrAuthRequired)
	}

	// 1. Signature, algorithm and expiry
	claims, err := s.tokens.Validate(credential)
	if err != nil {
		return domain.UserIdentity{}, err
	}

	// 2. Revocation
	if claims.ID != "" {
		revoked, err := s.users.IsRevoked(ctx, claims.ID)
		switch {
		case err != nil:
			s.log.Warn("Revocation check unavailable", "token_id", claims.ID, "error", err)
		case revoked:
			return domain.UserIdentity{}, fmt.Errorf("%w: token has been revoked", errors.ErrAuthInvalid)
		}
	}

	// 3. Identity
	user, err := s.users.GetUser(ctx, claims.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		s.log.Warn("User store unavailable, using token identity", "user_id", claims.Subject, "error", err)
		return identityFromClaims(claims, s.now()), nil
	}
	if !s.autoProvision {
		return domain.UserIdentity{}, fmt.Errorf("%w: unknown user", errors.ErrAuthInvalid)
	}

	user = identityFromClaims(claims, s.now())
	if err := s.users.SaveUser(ctx, user); err != nil {
		s.log.Warn("Unable to provision user", "user_id", user.ID, "error", err)
	} else {
		s.log.Info("User provisioned", "user_id", user.ID)
	}
	return user, nil
}

func identityFromClaims(claims *auth.Claims, now time.Time) domain.UserIdentity {
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return domain.UserIdentity{
		ID:          claims.Subject,
		Username:    name,
		DisplayName: claims.Name,
		CreatedAt:   now,
	}
}
