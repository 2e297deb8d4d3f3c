// Package relay is the broker core: it classifies incoming WebSocket
// connections as producer, worker, or viewer, owns the singleton registry,
// tees frames through the bounded inference pipeline, and fans messages out
// to every viewer.
package relay

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the broker's runtime configuration, loaded from the environment.
type Config struct {
	Host string `envconfig:"RELAY_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"RELAY_PORT" default:"5000"`

	// Transport limits.
	MaxMessageSize int64 `envconfig:"RELAY_MAX_MESSAGE_SIZE" default:"10485760"`
	InboundQueue   int   `envconfig:"RELAY_INBOUND_QUEUE" default:"32"`
	OutboundQueue  int   `envconfig:"RELAY_OUTBOUND_QUEUE" default:"256"`

	// Keepalive.
	PingInterval time.Duration `envconfig:"RELAY_PING_INTERVAL" default:"20s"`
	PingTimeout  time.Duration `envconfig:"RELAY_PING_TIMEOUT" default:"10s"`

	// Inference pipeline.
	PipelineDepth   int           `envconfig:"RELAY_PIPELINE_DEPTH" default:"5"`
	AdmitTimeout    time.Duration `envconfig:"RELAY_ADMIT_TIMEOUT" default:"100ms"`
	ResultCacheSize int           `envconfig:"RELAY_RESULT_CACHE_SIZE" default:"256"`
	ResultTTL       time.Duration `envconfig:"RELAY_RESULT_TTL" default:"30s"`

	// Connection rate limiting.
	RateWindow time.Duration `envconfig:"RELAY_RATE_WINDOW" default:"60s"`
	RateLimit  int           `envconfig:"RELAY_RATE_LIMIT" default:"30"`
	ExemptIPs  []string      `envconfig:"RELAY_EXEMPT_IPS" default:"127.0.0.1,::1,localhost"`

	ShutdownGrace time.Duration `envconfig:"RELAY_SHUTDOWN_GRACE" default:"2s"`
}

// LoadConfig reads the configuration from the environment, applying defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
