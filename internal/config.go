package internal

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	JWTSecret       string `env:"JWT_SECRET,required=true"`
	JWTSecretBase64 bool   `env:"JWT_SECRET_BASE64,default=false"`
	JWTIssuer       string `env:"JWT_ISSUER"`
	AutoProvision   bool   `env:"AUTO_PROVISION_USERS,default=true"`

	BadgerFilepath       string `env:"BADGER_FILEPATH,default=./data/badger"`
	BlugeFilepath        string `env:"BLUGE_FILEPATH"`
	RedisURL             string `env:"REDIS_URL"`
	EncryptionPassphrase string `env:"ENCRYPTION_PASSPHRASE"`
	EncryptionSalt       string `env:"ENCRYPTION_SALT,default=chat-gateway-content"`

	MaxConnectionsPerIP      int           `env:"MAX_CONNECTIONS_PER_IP,default=5"`
	ConnectionAttempts       int           `env:"CONNECTION_ATTEMPTS,default=10"`
	ConnectionAttemptWindow  time.Duration `env:"CONNECTION_ATTEMPT_WINDOW,default=1m"`
	MessageRateLimit         int           `env:"MESSAGE_RATE_LIMIT,default=30"`
	RateLimitWindow          time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
	RateLimitCleanupInterval time.Duration `env:"RATE_LIMIT_CLEANUP_INTERVAL,default=5m"`

	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT,default=5m"`
	AuthTimeout   time.Duration `env:"AUTH_TIMEOUT,default=30s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=30s"`
	TypingTimeout time.Duration `env:"TYPING_TIMEOUT,default=3s"`
	EditWindow    time.Duration `env:"EDIT_WINDOW,default=5m"`
	DeleteWindow  time.Duration `env:"DELETE_WINDOW,default=1h"`

	MessageCacheSize   int           `env:"MESSAGE_CACHE_SIZE,default=100"`
	SendBufferSize     int           `env:"SEND_BUFFER_SIZE,default=256"`
	PersistenceWorkers int           `env:"PERSISTENCE_WORKERS,default=4"`
	PersistenceBuffer  int           `env:"PERSISTENCE_BUFFER,default=1024"`
	PersistenceTimeout time.Duration `env:"PERSISTENCE_TIMEOUT,default=5s"`

	MaxMessageLength int    `env:"MAX_MESSAGE_LENGTH,default=10000"`
	MaxFrameBytes    int64  `env:"MAX_FRAME_BYTES,default=65536"`
	BannedWords      string `env:"BANNED_WORDS"`
	CensorCharacter  string `env:"CENSOR_CHARACTER,default=*"`

	SingleChannel     bool          `env:"SINGLE_CHANNEL_PER_CONNECTION,default=false"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=15s"`
	AllowedOrigins    string        `env:"ALLOWED_ORIGINS"`
}

// Secret returns the JWT signing key, decoding it when configured as base64.
func (c Config) Secret() ([]byte, error) {
	if !c.JWTSecretBase64 {
		return []byte(c.JWTSecret), nil
	}
	secret, err := base64.StdEncoding.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET is not valid base64: %w", err)
	}
	return secret, nil
}

// splitList parses a comma separated value, dropping blanks.
func splitList(s string) []string {
	return lo.FilterMap(strings.Split(s, ","), func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	})
}

func (c Config) BannedWordList() []string {
	return splitList(c.BannedWords)
}

func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CENSOR_CHARACTER must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
