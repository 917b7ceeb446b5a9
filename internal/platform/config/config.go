package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains service configuration parameters.
type Config struct {
	LogLevel int      `env:"LOG_LEVEL" envDefault:"0"`
	Server   Server   `envPrefix:"SERVER_"`
	Identity Identity `envPrefix:"IDENTITY_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Monitor  Monitor  `envPrefix:"MONITOR_"`
}

// Server contains HTTP server parameters.
type Server struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	BaseURL         string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	CookieSecure    bool          `env:"COOKIE_SECURE" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Identity contains connection parameters for the external identity provider.
type Identity struct {
	URL     string        `env:"URL" envDefault:"http://localhost:9999"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`

	// OAuth settings for provider (social) sign-in.
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURL  string `env:"OAUTH_REDIRECT_URL"`
}

// Redis contains redis connection parameters. An empty URL means redis is not
// configured and in-memory stores are used instead.
type Redis struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// Monitor contains parameters for the kafka monitoring publisher. Empty
// brokers disable publishing.
type Monitor struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"passage.monitor.errors"`
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
