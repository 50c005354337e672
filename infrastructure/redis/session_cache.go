// Package redis mirrors live sessions into Redis so operators and sibling
// processes can see who is connected.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-gateway/contract"

	goredis "github.com/redis/go-redis/v9"
)

const sessionTTL = time.Hour

func sessionKey(c contract.SessionRecord) string {
	return fmt.Sprintf("session:%s", c.ConnectionID)
}

func userSessionKey(userID string) string {
	return fmt.Sprintf("user_session:%s", userID)
}

// SessionCache stores one record per connection and a pointer from the user
// to their current connection. Both expire after an hour without refresh.
type SessionCache struct {
	client *goredis.Client
}

var _ contract.SessionCache = (*SessionCache)(nil)

func NewSessionCache(ctx context.Context, redisURL string) (*SessionCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &SessionCache{client: client}, nil
}

func (s *SessionCache) Save(ctx context.Context, session contract.SessionRecord) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session), data, sessionTTL)
	pipe.Set(ctx, userSessionKey(session.UserID), string(session.ConnectionID), sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// releaseUser drops the user pointer only while it still names the connection.
var releaseUser = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *SessionCache) Remove(ctx context.Context, session contract.SessionRecord) error {
	if err := s.client.Del(ctx, sessionKey(session)).Err(); err != nil {
		return err
	}
	return releaseUser.Run(ctx, s.client, []string{userSessionKey(session.UserID)}, string(session.ConnectionID)).Err()
}

func (s *SessionCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionCache) Close() error {
	return s.client.Close()
}

// Noop is used when no Redis URL is configured.
type Noop struct{}

func (Noop) Save(context.Context, contract.SessionRecord) error   { return nil }
func (Noop) Remove(context.Context, contract.SessionRecord) error { return nil }
func (Noop) Ping(context.Context) error                           { return nil }
