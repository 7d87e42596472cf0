package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pithecene-io/ferry/policy"
)

// Bus types.
const (
	BusRedis = "redis"
	BusStdio = "stdio"
)

// Store backends.
const (
	StoreFS = "fs"
	StoreS3 = "s3"
)

// Adapter types.
const (
	AdapterWebhook = "webhook"
	AdapterRedis   = "redis"
)

// Config represents a ferry.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	Subject  string         `yaml:"subject"`
	Bus      BusConfig      `yaml:"bus"`
	Chunk    ChunkConfig    `yaml:"chunk"`
	Limits   LimitsConfig   `yaml:"limits"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Store    StoreConfig    `yaml:"store"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// BusConfig selects and configures the transport.
type BusConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis Streams bus.
type RedisConfig struct {
	URL       string   `yaml:"url"`
	Group     string   `yaml:"group"`
	Consumer  string   `yaml:"consumer"`
	MaxLen    int64    `yaml:"max_len"`
	Block     Duration `yaml:"block"`
	ClaimIdle Duration `yaml:"claim_idle"`
	Batch     int64    `yaml:"batch"`
	Timeout   Duration `yaml:"timeout"`
}

// ChunkConfig holds sender defaults.
type ChunkConfig struct {
	Size           ByteSize `yaml:"size"`
	Digest         *bool    `yaml:"digest,omitempty"`
	PublishTimeout Duration `yaml:"publish_timeout"`
}

// LimitsConfig holds receiver budgets. Zero values take policy defaults.
type LimitsConfig struct {
	MaxUploadSize      ByteSize `yaml:"max_upload_size"`
	MaxChunkCount      int      `yaml:"max_chunk_count"`
	MaxInflightUploads int      `yaml:"max_inflight_uploads"`
	MaxInflightBytes   ByteSize `yaml:"max_inflight_bytes"`
	MaxChunkSize       ByteSize `yaml:"max_chunk_size"`
	TTL                Duration `yaml:"ttl"`
}

// Policy converts the configured budgets, filling defaults.
func (l LimitsConfig) Policy() policy.Limits {
	return policy.Limits{
		MaxUploadSize:      int64(l.MaxUploadSize),
		MaxChunkCount:      l.MaxChunkCount,
		MaxInflightUploads: l.MaxInflightUploads,
		MaxInflightBytes:   int64(l.MaxInflightBytes),
		MaxChunkSize:       int(l.MaxChunkSize),
		TTL:                l.TTL.Duration,
	}.WithDefaults()
}

// ReceiverConfig holds receiver concurrency defaults.
type ReceiverConfig struct {
	Shards        int      `yaml:"shards"`
	Consumers     int      `yaml:"consumers"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// StoreConfig holds payload storage defaults.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds completion notification defaults.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Stream  string            `yaml:"stream,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Validate rejects unknown enum values. Empty values are allowed.
func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Type {
	case "", BusRedis, BusStdio:
	default:
		errs = append(errs, fmt.Errorf("bus.type: unknown type %q (want %s or %s)", c.Bus.Type, BusRedis, BusStdio))
	}
	switch c.Store.Backend {
	case "", StoreFS, StoreS3:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q (want %s or %s)", c.Store.Backend, StoreFS, StoreS3))
	}
	switch c.Adapter.Type {
	case "", AdapterWebhook, AdapterRedis:
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown type %q (want %s or %s)", c.Adapter.Type, AdapterWebhook, AdapterRedis))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, errors.New("adapter.url is required when adapter.type is set"))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, fmt.Errorf("adapter.retries must be >= 0, got %d", *c.Adapter.Retries))
	}
	if c.Receiver.Shards < 0 || c.Receiver.Consumers < 0 {
		errs = append(errs, errors.New("receiver.shards and receiver.consumers must be >= 0"))
	}
	return errors.Join(errs...)
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// ByteSize is a byte count that accepts plain integers or humanized sizes
// ("2MB", "512KiB") in YAML.
type ByteSize int64

// ParseByteSize parses a plain or humanized byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid size %q: must not be negative", s)
		}
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}
	return ByteSize(n), nil
}

// UnmarshalYAML parses a byte count.
func (b *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// String renders the size in SI units.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(max(b, 0)))
}
