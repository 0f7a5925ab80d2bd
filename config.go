// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/device"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/stream"
)

// Config is the gateway configuration read from the environment.
type Config struct {
	Host         string `env:"HOST"          envDefault:""`
	Port         int    `env:"PORT"          envDefault:"8443"`
	InsecurePort int    `env:"INSECURE_PORT" envDefault:"8080"`

	// TLS material. Without a certificate the gateway serves plain ws://.
	CertFile   string `env:"SERVER_CERT"    envDefault:""`
	KeyFile    string `env:"SERVER_KEY"     envDefault:""`
	CAFile     string `env:"CA_CERTS"       envDefault:""`
	ClientAuth string `env:"CLIENT_AUTH"    envDefault:"none"`

	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS"    envSeparator:","`
	CloseGracePeriod time.Duration `env:"CLOSE_GRACE_PERIOD" envDefault:"1s"`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE"   envDefault:"1048576"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"   envDefault:"30s"`

	// Observability
	LogLevel      string `env:"LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT"     envDefault:"json"`
	MetricsPort   int    `env:"METRICS_PORT"   envDefault:"9090"`
	HealthPort    int    `env:"HEALTH_PORT"    envDefault:"9091"`
	MaxGoroutines int    `env:"MAX_GOROUTINES" envDefault:"50000"`

	Breaker   BreakerConfig   `envPrefix:"BREAKER_"`
	Pool      PoolConfig      `envPrefix:"POOL_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Events    EventsConfig    `envPrefix:"NATS_"`

	DPS   stream.Config `envPrefix:"DPS_"`
	Scale device.Config `envPrefix:"SCALE_"`
}

// BreakerConfig guards backend opens.
type BreakerConfig struct {
	MaxFailures      int           `env:"MAX_FAILURES"      envDefault:"5"`
	ResetTimeout     time.Duration `env:"RESET_TIMEOUT"     envDefault:"60s"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"2"`
	Timeout          time.Duration `env:"TIMEOUT"           envDefault:"30s"`
}

// PoolConfig bounds concurrent backend links per backend kind.
type PoolConfig struct {
	MaxActive   int           `env:"MAX_ACTIVE"   envDefault:"1000"`
	OpenTimeout time.Duration `env:"OPEN_TIMEOUT" envDefault:"10s"`
	WaitTimeout time.Duration `env:"WAIT_TIMEOUT" envDefault:"5s"`
}

// RateLimitConfig sizes upgrade admission. Zero capacities disable it.
type RateLimitConfig struct {
	Capacity       int64 `env:"CAPACITY"        envDefault:"0"`
	Refill         int64 `env:"REFILL"          envDefault:"0"`
	GlobalCapacity int64 `env:"GLOBAL_CAPACITY" envDefault:"0"`
	GlobalRefill   int64 `env:"GLOBAL_REFILL"   envDefault:"0"`
	MaxClients     int   `env:"MAX_CLIENTS"     envDefault:"10000"`
}

// EventsConfig enables NATS lifecycle events when URL is set.
type EventsConfig struct {
	URL     string `env:"URL"     envDefault:""`
	Subject string `env:"SUBJECT" envDefault:"onzsa.gateway.sessions"`
}

// NewConfig parses the configuration using opts, typically with a prefix.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ports and the nested backend configurations.
func (c Config) Validate() error {
	if err := validPort("port", c.Port, false); err != nil {
		return err
	}
	if err := validPort("insecure port", c.InsecurePort, true); err != nil {
		return err
	}
	if err := validPort("metrics port", c.MetricsPort, true); err != nil {
		return err
	}
	if err := validPort("health port", c.HealthPort, true); err != nil {
		return err
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server certificate and key must be set together")
	}
	if _, err := clientAuth(c.ClientAuth); err != nil {
		return err
	}
	if err := c.DPS.Validate(); err != nil {
		return fmt.Errorf("dps: %w", err)
	}
	if err := c.Scale.Validate(); err != nil {
		return fmt.Errorf("scale: %w", err)
	}
	return nil
}

// TLS builds the listener TLS configuration. It returns nil when no
// certificate is configured.
func (c Config) TLS() (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	auth, err := clientAuth(c.ClientAuth)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   auth,
		MinVersion:   tls.VersionTLS12,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificates: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// Address returns the secure listen address.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func clientAuth(mode string) (tls.ClientAuthType, error) {
	switch strings.ToLower(mode) {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "verify_if_given":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth mode %q", mode)
	}
}

func validPort(name string, port int, optional bool) error {
	if optional && port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range 1-65535", name, port)
	}
	return nil
}
