package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/adapter"
	redisadapter "github.com/pithecene-io/ferry/adapter/redis"
	"github.com/pithecene-io/ferry/adapter/webhook"
	"github.com/pithecene-io/ferry/cli/config"
)

// adapterFlags returns the completion notification flags.
func adapterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "adapter",
			Usage: "Completion notifier: webhook or redis (empty = none)",
		},
		&cli.StringFlag{
			Name:  "adapter-url",
			Usage: "Webhook endpoint or Redis URL",
		},
		&cli.StringFlag{
			Name:  "adapter-channel",
			Usage: "Redis pub/sub channel (default " + redisadapter.DefaultChannel + ")",
		},
		&cli.StringFlag{
			Name:  "adapter-stream",
			Usage: "Redis stream to XADD events to instead of PUBLISH",
		},
		&cli.StringSliceFlag{
			Name:  "adapter-header",
			Usage: "Webhook header as Key=Value (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "adapter-timeout",
			Usage: "Per-notification timeout",
			Value: 10 * time.Second,
		},
		&cli.IntFlag{
			Name:  "adapter-retries",
			Usage: "Retry attempts on notification failure",
			Value: 3,
		},
	}
}

// adapterChoice holds the resolved notifier configuration.
type adapterChoice struct {
	adapterType string
	url         string
	channel     string
	stream      string
	headers     map[string]string
	timeout     time.Duration
	retries     int
}

// parseAdapterConfigWithPrecedence resolves notifier settings. Flags win over
// config; config headers are merged under flag headers.
func parseAdapterConfigWithPrecedence(c *cli.Context, cfg *config.Config, adapterType string) (*adapterChoice, error) {
	ac := configVal(cfg, func(c *config.Config) config.AdapterConfig { return c.Adapter })

	choice := &adapterChoice{
		adapterType: adapterType,
		url:         resolveString(c, "adapter-url", ac.URL),
		channel:     resolveString(c, "adapter-channel", ac.Channel),
		stream:      resolveString(c, "adapter-stream", ac.Stream),
		timeout:     resolveDuration(c, "adapter-timeout", ac.Timeout.Duration),
		retries:     c.Int("adapter-retries"),
		headers:     make(map[string]string, len(ac.Headers)),
	}
	if !c.IsSet("adapter-retries") && ac.Retries != nil {
		choice.retries = *ac.Retries
	}
	for k, v := range ac.Headers {
		choice.headers[k] = v
	}
	for _, h := range c.StringSlice("adapter-header") {
		k, v, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("malformed --adapter-header %q (expected Key=Value)", h)
		}
		choice.headers[strings.TrimSpace(k)] = v
	}

	switch adapterType {
	case config.AdapterWebhook, config.AdapterRedis:
	default:
		return nil, fmt.Errorf("unknown adapter %q (must be %s or %s)", adapterType, config.AdapterWebhook, config.AdapterRedis)
	}
	if choice.url == "" {
		return nil, fmt.Errorf("--adapter-url is required for the %s adapter", adapterType)
	}
	if choice.retries < 0 {
		return nil, fmt.Errorf("--adapter-retries must be >= 0, got %d", choice.retries)
	}
	return choice, nil
}

// buildAdapter constructs the notifier for choice.
func buildAdapter(choice *adapterChoice) (adapter.Adapter, error) {
	switch choice.adapterType {
	case config.AdapterRedis:
		return redisadapter.New(redisadapter.Config{
			URL:     choice.url,
			Channel: choice.channel,
			Stream:  choice.stream,
			Timeout: choice.timeout,
			Retries: choice.retries,
		})
	default:
		return webhook.New(webhook.Config{
			URL:     choice.url,
			Headers: choice.headers,
			Timeout: choice.timeout,
			Retries: choice.retries,
		})
	}
}
