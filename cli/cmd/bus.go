package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/bus/frame"
	busredis "github.com/pithecene-io/ferry/bus/redis"
	"github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/log"
)

// busChoice holds the resolved bus configuration.
type busChoice struct {
	kind    string // config.BusRedis or config.BusStdio
	subject string
	redis   busredis.Config
}

// parseBusChoice resolves bus settings from flags over config.
func parseBusChoice(c *cli.Context, cfg *config.Config) (busChoice, error) {
	bc := busChoice{
		kind:    resolveString(c, "bus", configVal(cfg, func(c *config.Config) string { return c.Bus.Type })),
		subject: resolveString(c, "subject", configVal(cfg, func(c *config.Config) string { return c.Subject })),
	}
	if bc.subject == "" {
		return busChoice{}, fmt.Errorf("--subject is required")
	}

	switch bc.kind {
	case config.BusStdio:
		return bc, nil
	case config.BusRedis:
	default:
		return busChoice{}, fmt.Errorf("unknown bus %q (must be %s or %s)", bc.kind, config.BusRedis, config.BusStdio)
	}

	rc := configVal(cfg, func(c *config.Config) config.RedisConfig { return c.Bus.Redis })
	bc.redis = busredis.Config{
		URL:       resolveString(c, "redis-url", rc.URL),
		MaxLen:    resolveInt64(c, "redis-max-len", rc.MaxLen),
		Group:     resolveString(c, "redis-group", rc.Group),
		Consumer:  resolveString(c, "redis-consumer", rc.Consumer),
		Block:     rc.Block.Duration,
		ClaimIdle: rc.ClaimIdle.Duration,
		Batch:     rc.Batch,
		Timeout:   rc.Timeout.Duration,
	}
	if bc.redis.URL == "" {
		// An exported but empty FERRY_REDIS_URL counts as set.
		bc.redis.URL = rc.URL
	}
	if bc.redis.URL == "" {
		return busChoice{}, fmt.Errorf("--redis-url is required for the redis bus (or set %s)", RedisURLEnv)
	}
	return bc, nil
}

// openPublisher opens the publishing side of the chosen bus. For stdio,
// frames are written to out.
func openPublisher(ctx context.Context, bc busChoice, out io.Writer) (bus.Publisher, func() error, error) {
	switch bc.kind {
	case config.BusStdio:
		pub := frame.NewPublisher(out)
		return pub, pub.Close, nil
	default:
		b, err := busredis.New(bc.redis)
		if err != nil {
			return nil, nil, err
		}
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		return b, b.Close, nil
	}
}

// openSubscriber opens the consuming side of the chosen bus. For stdio,
// frames are read from in.
func openSubscriber(ctx context.Context, bc busChoice, in io.Reader, logger *log.Logger) (bus.Subscriber, func() error, error) {
	switch bc.kind {
	case config.BusStdio:
		sub := frame.NewSubscriber(in)
		sub.OnDecodeError = func(err error) {
			logger.Warn("skipping undecodable frame", map[string]any{"error": err.Error()})
		}
		return sub, func() error { return nil }, nil
	default:
		b, err := busredis.New(bc.redis)
		if err != nil {
			return nil, nil, err
		}
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		return b, b.Close, nil
	}
}

// stdioOut is where stdio frames go; a var for tests.
var stdioOut io.Writer = os.Stdout

// stdioIn is where stdio frames come from; a var for tests.
var stdioIn io.Reader = os.Stdin
