package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/adapter"
	"github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/policy"
	"github.com/pithecene-io/ferry/runtime"
)

// shutdownTimeout bounds the final stats read and metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// ReceiveCommand returns the receive command.
func ReceiveCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "redis-group",
			Usage: "Redis consumer group (default ferry)",
		},
		&cli.StringFlag{
			Name:  "redis-consumer",
			Usage: "Consumer name within the group (default host-pid)",
		},
		&cli.IntFlag{
			Name:  "shards",
			Usage: "Number of assemblers; limits apply per shard",
			Value: runtime.DefaultShards,
		},
		&cli.IntFlag{
			Name:  "consumers",
			Usage: "Concurrent bus consumers (redis bus only)",
			Value: runtime.DefaultConsumers,
		},
		&cli.DurationFlag{
			Name:  "sweep-interval",
			Usage: "TTL sweep interval (0 = derived from --ttl)",
		},
		&cli.StringFlag{
			Name:  "max-upload-size",
			Usage: "Largest declared upload accepted, e.g. 100MB",
		},
		&cli.IntFlag{
			Name:  "max-chunk-count",
			Usage: "Largest declared chunk count accepted",
		},
		&cli.IntFlag{
			Name:  "max-inflight-uploads",
			Usage: "Pending uploads per shard",
		},
		&cli.StringFlag{
			Name:  "max-inflight-bytes",
			Usage: "Buffered bytes per shard, e.g. 500MB",
		},
		&cli.StringFlag{
			Name:  "max-chunk-size",
			Usage: "Largest fragment accepted, e.g. 8MB",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Idle time before a pending upload is discarded",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "Serve Prometheus metrics on this address (e.g. :9090)",
		},
		&cli.StringFlag{
			Name:  "metrics-namespace",
			Usage: "Prometheus metric name prefix",
			Value: metrics.DefaultNamespace,
		},
		ConfigFlag,
		LogLevelFlag,
		ReportFlag,
	}
	flags = append(flags, busFlags()...)
	flags = append(flags, storeFlags()...)
	flags = append(flags, adapterFlags()...)

	return &cli.Command{
		Name:   "receive",
		Usage:  "Reassemble uploads from the bus, store them and notify",
		Flags:  flags,
		Action: receiveAction,
	}
}

// parseLimits resolves receiver budgets from flags over config. Unset
// fields take policy defaults.
func parseLimits(c *cli.Context, cfg *config.Config) (policy.Limits, error) {
	lc := configVal(cfg, func(c *config.Config) config.LimitsConfig { return c.Limits })

	maxUpload, err := resolveByteSize(c, "max-upload-size", lc.MaxUploadSize)
	if err != nil {
		return policy.Limits{}, err
	}
	maxInflight, err := resolveByteSize(c, "max-inflight-bytes", lc.MaxInflightBytes)
	if err != nil {
		return policy.Limits{}, err
	}
	maxChunk, err := resolveByteSize(c, "max-chunk-size", lc.MaxChunkSize)
	if err != nil {
		return policy.Limits{}, err
	}
	if maxChunk > int64(policy.DefaultMaxChunkSize) {
		return policy.Limits{}, fmt.Errorf("--max-chunk-size %d exceeds max %d", maxChunk, policy.DefaultMaxChunkSize)
	}

	limits := policy.Limits{
		MaxUploadSize:      maxUpload,
		MaxChunkCount:      resolveInt(c, "max-chunk-count", lc.MaxChunkCount),
		MaxInflightUploads: resolveInt(c, "max-inflight-uploads", lc.MaxInflightUploads),
		MaxInflightBytes:   maxInflight,
		MaxChunkSize:       int(maxChunk),
		TTL:                resolveDuration(c, "ttl", lc.TTL.Duration),
	}.WithDefaults()
	if err := limits.Validate(); err != nil {
		return policy.Limits{}, err
	}
	return limits, nil
}

func receiveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	bc, err := parseBusChoice(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	limits, err := parseLimits(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid limits: %v", err), exitConfigError)
	}
	storeCfg, err := parseStoreChoice(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	var notifyCfg *adapterChoice
	if adapterType := resolveString(c, "adapter", configVal(cfg, func(c *config.Config) string { return c.Adapter.Type })); adapterType != "" {
		notifyCfg, err = parseAdapterConfigWithPrecedence(c, cfg, adapterType)
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
	}

	rc := configVal(cfg, func(c *config.Config) config.ReceiverConfig { return c.Receiver })
	shards := resolveInt(c, "shards", rc.Shards)
	consumers := resolveInt(c, "consumers", rc.Consumers)
	if bc.kind == config.BusStdio {
		// A stream has a single reader.
		consumers = 1
	}

	logger := newLogger(c, cfg, "receiver")
	defer iox.DiscardErr(logger.Sync)
	collector := metrics.NewCollector(bc.kind, storeCfg.backend, bc.subject)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := buildSink(ctx, storeCfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open store: %v", err), exitFailure)
	}

	var notifier adapter.Adapter
	if notifyCfg != nil {
		notifier, err = buildAdapter(notifyCfg)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to create adapter: %v", err), exitConfigError)
		}
	}

	mc := configVal(cfg, func(c *config.Config) config.MetricsConfig { return c.Metrics })
	if listen := resolveString(c, "metrics-listen", mc.Listen); listen != "" {
		srv, err := metrics.NewServer(listen, collector, resolveString(c, "metrics-namespace", mc.Namespace))
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to start metrics listener: %v", err), exitFailure)
		}
		srv.Start()
		logger.Info("serving metrics", map[string]any{"addr": srv.Addr(), "path": metrics.MetricsPath})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sub, closeSub, err := openSubscriber(ctx, bc, stdioIn, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open bus: %v", err), exitFailure)
	}
	defer iox.DiscardErr(closeSub)

	recv, err := runtime.New(runtime.Options{
		Subject:       bc.subject,
		Shards:        shards,
		Consumers:     consumers,
		Limits:        limits,
		SweepInterval: resolveDuration(c, "sweep-interval", rc.SweepInterval.Duration),
		Sink:          sink,
		Notifier:      notifier,
		OnComplete:    announce(logger.Sugar()),
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		if notifier != nil {
			_ = notifier.Close()
		}
		return cli.Exit(fmt.Sprintf("invalid receiver config: %v", err), exitConfigError)
	}

	start := time.Now()
	runErr := recv.Run(ctx, sub)

	statsCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	stats, statsErr := recv.Stats(statsCtx)
	cancel()
	recv.Close()

	if path := c.String("report"); path != "" && statsErr == nil {
		report := runtime.BuildReceiveReport(stats, collector.Snapshot(), time.Since(start))
		if err := runtime.WriteReport(report, path); err != nil {
			logger.Warn("failed to write report", map[string]any{"error": err.Error()})
		}
	}

	if runErr != nil {
		return cli.Exit(fmt.Sprintf("receiver failed: %v", runErr), exitFailure)
	}
	return nil
}

// announce returns a completion hook printing one human-readable line per
// stored upload.
func announce(logger *log.SugaredLogger) func(context.Context, adapter.Completion) {
	return func(_ context.Context, done adapter.Completion) {
		logger.Infof("received %s (%s, %d chunks) -> %s",
			done.Payload.FilenameOr(done.Payload.UploadID),
			humanize.Bytes(uint64(len(done.Payload.Data))),
			done.ChunkCount,
			done.StoragePath)
	}
}
