//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=../mocks/mock_repository.go -package=mocks -exclude_interfaces=Repository
package contract

import (
	"context"
	"time"

	"chat-gateway/domain"
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseSuperseded      = 4001
	CloseIdle            = 4002
	CloseAuthTimeout     = 4003
)

type ChannelRepository interface {
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	SaveChannel(ctx context.Context, channel domain.Channel) error
	AddMember(ctx context.Context, channel domain.DestinationID, userID string) error
	CountMembers(ctx context.Context, channel domain.DestinationID) (int, error)
}

type UserRepository interface {
	GetUser(ctx context.Context, id string) (domain.UserIdentity, error)
	SaveUser(ctx context.Context, user domain.UserIdentity) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID string, until time.Time) error
}

type ModerationRepository interface {
	BannedWords(ctx context.Context) ([]string, error)
	AddBannedWords(ctx context.Context, words ...string) error
}

// Repository is the whole persistence adapter.
type Repository interface {
	MessageRepository
	ChannelRepository
	UserRepository
	ModerationRepository
	Ping(ctx context.Context) error
}

type SessionRecord struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	UserID       string              `json:"userId"`
	RemoteAddr   string              `json:"remoteAddr"`
	ConnectedAt  time.Time           `json:"connectedAt"`
}

// SessionCache mirrors live sessions to an external cache.
type SessionCache interface {
	Save(ctx context.Context, session SessionRecord) error
	Remove(ctx context.Context, session SessionRecord) error
	Ping(ctx context.Context) error
}
