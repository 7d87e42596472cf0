// Package redis implements the message bus on Redis Streams.
//
// Each subject is a stream. A message is one stream entry: every header is a
// field prefixed with "h:" and the body is the "payload" field. Subscribers
// read through a consumer group and acknowledge with XACK once the handler
// succeeds. Entries left unacknowledged for longer than ClaimIdle are claimed
// back with XAUTOCLAIM and delivered again, so delivery is at-least-once and
// unordered across redeliveries.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/ferry/bus"
)

// Defaults.
const (
	// DefaultGroup is the consumer group name.
	DefaultGroup = "ferry"
	// DefaultMaxLen is the approximate stream length kept by XADD trimming.
	DefaultMaxLen = 100_000
	// DefaultBlock is how long one XREADGROUP waits for new entries.
	DefaultBlock = 2 * time.Second
	// DefaultClaimIdle is how long an entry stays unacknowledged before it is
	// redelivered.
	DefaultClaimIdle = 30 * time.Second
	// DefaultBatch is the number of entries read per call.
	DefaultBatch = 16
	// DefaultTimeout is the per-publish timeout.
	DefaultTimeout = 5 * time.Second
)

const (
	headerPrefix = "h:"
	payloadField = "payload"
)

// Config configures the Redis Streams bus.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Group is the consumer group (default: ferry).
	Group string
	// Consumer names this process within the group (default: host-pid).
	Consumer string
	// MaxLen bounds each stream; older entries are trimmed (default 100000).
	MaxLen int64
	// Block is the XREADGROUP block time (default 2s).
	Block time.Duration
	// ClaimIdle is the redelivery threshold for unacked entries (default 30s).
	ClaimIdle time.Duration
	// Batch is the read batch size (default 16).
	Batch int64
	// Timeout bounds a publish when the caller's context has no deadline
	// (default 5s).
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "ferry"
		}
		c.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.MaxLen == 0 {
		c.MaxLen = DefaultMaxLen
	}
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = DefaultClaimIdle
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Bus is a bus.Bus on Redis Streams.
type Bus struct {
	config Config
	client *goredis.Client
	closed atomic.Bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates a Redis Streams bus from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis bus requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis bus: invalid URL: %w", err)
	}
	if cfg.MaxLen < 0 {
		return nil, fmt.Errorf("max_len must be >= 0, got %d", cfg.MaxLen)
	}
	return &Bus{
		config: cfg.withDefaults(),
		client: goredis.NewClient(opts),
	}, nil
}

// Config returns the effective configuration.
func (b *Bus) Config() Config {
	return b.config
}

// Ping checks connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis bus: ping: %w", err)
	}
	return nil
}

// Publish appends one entry to the subject's stream and returns once Redis
// has accepted it.
func (b *Bus) Publish(ctx context.Context, subject string, headers bus.Headers, payload []byte) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	values := make(map[string]any, len(headers)+1)
	for k, v := range headers {
		values[headerPrefix+k] = v
	}
	values[payloadField] = payload

	err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: subject,
		MaxLen: b.config.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis bus: xadd %s: %w", subject, err)
	}
	return nil
}

// Subscribe consumes the subject's stream through the consumer group until
// ctx is done. The group is created on first use, starting from the
// beginning of the stream.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler bus.Handler) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	if err := b.ensureGroup(ctx, subject); err != nil {
		return err
	}

	var lastClaim time.Time
	for {
		if ctx.Err() != nil || b.closed.Load() {
			return nil
		}

		if time.Since(lastClaim) >= b.config.ClaimIdle {
			if err := b.claim(ctx, subject, handler); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastClaim = time.Now()
		}

		streams, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    b.config.Group,
			Consumer: b.config.Consumer,
			Streams:  []string{subject, ">"},
			Count:    b.config.Batch,
			Block:    b.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil || b.closed.Load() {
				return nil
			}
			return fmt.Errorf("redis bus: xreadgroup %s: %w", subject, err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.deliver(ctx, subject, entry, handler)
			}
		}
	}
}

// claim redelivers entries pending longer than ClaimIdle.
func (b *Bus) claim(ctx context.Context, subject string, handler bus.Handler) error {
	start := "0-0"
	for {
		entries, next, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   subject,
			Group:    b.config.Group,
			Consumer: b.config.Consumer,
			MinIdle:  b.config.ClaimIdle,
			Start:    start,
			Count:    b.config.Batch,
		}).Result()
		if err != nil {
			return fmt.Errorf("redis bus: xautoclaim %s: %w", subject, err)
		}
		for _, entry := range entries {
			b.deliver(ctx, subject, entry, handler)
		}
		if next == "" || next == "0-0" || len(entries) == 0 {
			return nil
		}
		start = next
	}
}

func (b *Bus) deliver(ctx context.Context, subject string, entry goredis.XMessage, handler bus.Handler) {
	msg := decodeEntry(subject, entry, func(ctx context.Context) error {
		return b.client.XAck(ctx, subject, b.config.Group, entry.ID).Err()
	})
	if err := handler(ctx, msg); err != nil {
		// Left pending; XAUTOCLAIM redelivers it after ClaimIdle.
		return
	}
	// A handled entry is acked even when shutdown has begun.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.Timeout)
	defer cancel()
	_ = msg.Ack(ackCtx)
}

func decodeEntry(subject string, entry goredis.XMessage, ack func(context.Context) error) *bus.Message {
	headers := make(bus.Headers, len(entry.Values))
	var payload []byte
	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == payloadField:
			payload = []byte(s)
		case strings.HasPrefix(k, headerPrefix):
			headers[strings.TrimPrefix(k, headerPrefix)] = s
		}
	}
	return bus.NewMessage(subject, headers, payload, ack)
}

func (b *Bus) ensureGroup(ctx context.Context, subject string) error {
	err := b.client.XGroupCreateMkStream(ctx, subject, b.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis bus: create group %s on %s: %w", b.config.Group, subject, err)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries in the
// consumer group for subject.
func (b *Bus) Pending(ctx context.Context, subject string) (int64, error) {
	res, err := b.client.XPending(ctx, subject, b.config.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("redis bus: xpending %s: %w", subject, err)
	}
	return res.Count, nil
}

// Close releases the client. Running subscribers return at their next read.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
