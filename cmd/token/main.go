// Command token mints development credentials for the gateway.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"chat-gateway/auth"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

type Config struct {
	Secret       string        `envconfig:"CHAT_JWT_SECRET" required:"true"`
	SecretBase64 bool          `envconfig:"CHAT_JWT_SECRET_BASE64" default:"false"`
	Issuer       string        `envconfig:"CHAT_JWT_ISSUER"`
	Duration     time.Duration `envconfig:"AUTH_TOKEN_DURATION" default:"24h"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return err
	}

	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "user id placed in the subject claim")
	name := flags.StringP("name", "n", "", "display name claim")
	ttl := flags.Duration("ttl", cfg.Duration, "validity of the credential")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	secret := []byte(cfg.Secret)
	if cfg.SecretBase64 {
		decoded, err := base64.StdEncoding.DecodeString(cfg.Secret)
		if err != nil {
			return fmt.Errorf("CHAT_JWT_SECRET is not valid base64: %w", err)
		}
		secret = decoded
	}

	tokens, err := auth.NewTokens(secret, cfg.Issuer)
	if err != nil {
		return err
	}
	token, err := tokens.Generate(*user, *name, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
