// Package gateway parses gateway command flags and composes the
// service entrypoint.
package gateway

import (
	"context"
	"flag"
	"fmt"
	"time"

	server "github.com/hailo-mobility/hailo/internal/app/gateway"
	"github.com/hailo-mobility/hailo/internal/auth"
	entrypoint "github.com/hailo-mobility/hailo/internal/platform/cmd"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/registry"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr          string        `env:"HAILO_GATEWAY_HTTP_ADDR" envDefault:":8080"`
	DBPath            string        `env:"HAILO_DB_PATH"           envDefault:"hailo.db"`
	SigningPrivateKey string        `env:"HAILO_SIGNING_PRIVATE_KEY"`
	SigningKeyID      string        `env:"HAILO_SIGNING_KEY_ID"    envDefault:"key1"`
	RequestTimeout    time.Duration `env:"HAILO_REQUEST_TIMEOUT"   envDefault:"30s"`

	Subscriber protocol.SubscriberConfig
	Registry   registry.Config
	Auth       auth.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "gateway HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.SigningKeyID, "signing-key-id", cfg.SigningKeyID, "registry unique key id for the signing key")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "outbound protocol request timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the gateway app and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			Subscriber:        cfg.Subscriber,
			Registry:          cfg.Registry,
			Auth:              cfg.Auth,
			SigningPrivateKey: cfg.SigningPrivateKey,
			SigningKeyID:      cfg.SigningKeyID,
			RequestTimeout:    cfg.RequestTimeout,
		}); err != nil {
			return fmt.Errorf("serve gateway: %w", err)
		}
		return nil
	})
}
