package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// GATEWAY_ADDR is host:port of a running gateway. The suites skip when empty.
	GatewayAddr string `envconfig:"GATEWAY_ADDR"`
	// CHAT_JWT_SECRET must match the gateway's JWT_SECRET
	Secret string `envconfig:"CHAT_JWT_SECRET"`
	// E2E_DEBUG_JSON dumps every frame sent and received
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
