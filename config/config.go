// Package config resolves server settings from a .env file, the process
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type Config struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":3002"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"text"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	Storage   Storage   `ignored:"true"`
	Session   Session   `ignored:"true"`
	Transport Transport `ignored:"true"`
}

type Storage struct {
	Type             string        `envconfig:"STORAGE_TYPE" default:"memory"`
	LocalPath        string        `envconfig:"LOCAL_STORAGE_PATH" default:"./data"`
	DataSourceName   string        `envconfig:"DATA_SOURCE_NAME" default:"diagrams.db"`
	S3Bucket         string        `envconfig:"S3_BUCKET_NAME"`
	S3Prefix         string        `envconfig:"S3_PREFIX"`
	RedisURL         string        `envconfig:"REDIS_URL"`
	Compression      string        `envconfig:"SNAPSHOT_COMPRESSION" default:"none"`
	Retries          uint64        `envconfig:"PERSIST_RETRIES" default:"3"`
	RetryMaxInterval time.Duration `envconfig:"PERSIST_RETRY_MAX_INTERVAL" default:"2s"`
}

type Session struct {
	EchoToOrigin     bool          `envconfig:"ECHO_TO_ORIGIN" default:"true"`
	AutosaveInterval time.Duration `envconfig:"AUTOSAVE_INTERVAL" default:"30s"`
	FlushTimeout     time.Duration `envconfig:"FLUSH_TIMEOUT" default:"10s"`
}

type Transport struct {
	OutboundQueueSize int   `envconfig:"OUTBOUND_QUEUE_SIZE" default:"256"`
	MaxMessageBytes   int64 `envconfig:"MAX_MESSAGE_BYTES" default:"5000000"`
}

// Load builds a Config. args excludes the program name.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	flags := pflag.NewFlagSet("diagram-sync", pflag.ContinueOnError)
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Set the server listen address")
	flags.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Set the logging level: debug, info, warn, error, fatal, panic")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log output format: text or json")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "Extra origins allowed by CORS and the websocket upgrader")
	flags.StringVar(&cfg.Storage.Type, "storage-type", cfg.Storage.Type, "Snapshot backend: memory, filesystem, sqlite, s3, redis")
	flags.StringVar(&cfg.Storage.LocalPath, "local-storage-path", cfg.Storage.LocalPath, "Directory for the filesystem backend")
	flags.StringVar(&cfg.Storage.DataSourceName, "data-source-name", cfg.Storage.DataSourceName, "SQLite data source name")
	flags.StringVar(&cfg.Storage.S3Bucket, "s3-bucket", cfg.Storage.S3Bucket, "S3 bucket for the s3 backend")
	flags.StringVar(&cfg.Storage.S3Prefix, "s3-prefix", cfg.Storage.S3Prefix, "Key prefix inside the S3 bucket")
	flags.StringVar(&cfg.Storage.RedisURL, "redis-url", cfg.Storage.RedisURL, "Redis URL for the redis backend")
	flags.StringVar(&cfg.Storage.Compression, "snapshot-compression", cfg.Storage.Compression, "Snapshot compression at rest: none or zstd")
	flags.Uint64Var(&cfg.Storage.Retries, "persist-retries", cfg.Storage.Retries, "Retries for a failed snapshot save")
	flags.DurationVar(&cfg.Storage.RetryMaxInterval, "persist-retry-max-interval", cfg.Storage.RetryMaxInterval, "Upper bound of the retry backoff")
	flags.BoolVar(&cfg.Session.EchoToOrigin, "echo-to-origin", cfg.Session.EchoToOrigin, "Relay updates back to the connection that sent them")
	flags.DurationVar(&cfg.Session.AutosaveInterval, "autosave-interval", cfg.Session.AutosaveInterval, "Interval for flushing dirty sessions, 0 disables")
	flags.DurationVar(&cfg.Session.FlushTimeout, "flush-timeout", cfg.Session.FlushTimeout, "Deadline for the snapshot flush on disconnect")
	flags.IntVar(&cfg.Transport.OutboundQueueSize, "outbound-queue-size", cfg.Transport.OutboundQueueSize, "Queued messages per connection before it is dropped")
	flags.Int64Var(&cfg.Transport.MaxMessageBytes, "max-message-bytes", cfg.Transport.MaxMessageBytes, "Largest accepted inbound message")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromEnv reads every section with an empty prefix so the variable names
// are exactly the tag names.
func fromEnv() (*Config, error) {
	cfg := &Config{}
	for _, section := range []any{cfg, &cfg.Storage, &cfg.Session, &cfg.Transport} {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("error processing environment configuration: %w", err)
		}
	}
	cfg.AllowedOrigins = compact(cfg.AllowedOrigins)
	return cfg, nil
}

// compact trims list entries and drops empty ones, so "a, b," reads as [a b].
func compact(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	switch c.Storage.Type {
	case "memory", "filesystem", "sqlite":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return errors.New("S3_BUCKET_NAME is required for s3 storage")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return errors.New("REDIS_URL is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Storage.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("unknown snapshot compression %q", c.Storage.Compression)
	}
	if c.Transport.OutboundQueueSize <= 0 {
		return errors.New("outbound queue size must be positive")
	}
	if c.Transport.MaxMessageBytes <= 0 {
		return errors.New("max message bytes must be positive")
	}
	if c.Session.AutosaveInterval < 0 || c.Session.FlushTimeout <= 0 {
		return errors.New("autosave interval must not be negative and flush timeout must be positive")
	}
	return nil
}

// SetupLogging applies the level and formatter to the standard logrus logger.
func (c *Config) SetupLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
