package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/chunk"
	"github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/cli/render"
	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/runtime"
	"github.com/pithecene-io/ferry/sender"
	"github.com/pithecene-io/ferry/types"
)

// SendCommand returns the send command.
func SendCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Usage:    "Path of the file to send",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "filename",
			Usage: "Filename announced to receivers (default: base name of --file)",
		},
		&cli.StringFlag{
			Name:  "content-type",
			Usage: "MIME type announced to receivers",
		},
		&cli.StringFlag{
			Name:  "chunk-size",
			Usage: "Fragment size, e.g. 2MB, 512KiB (max 8MB)",
		},
		&cli.BoolFlag{
			Name:  "digest",
			Usage: "Attach a BLAKE3 digest so receivers verify the assembled payload",
		},
		&cli.DurationFlag{
			Name:  "publish-timeout",
			Usage: "Per-fragment publish timeout (0 = none)",
		},
		&cli.StringFlag{
			Name:  "max-upload-size",
			Usage: "Refuse files larger than this (default 100MB)",
		},
		ConfigFlag,
		LogLevelFlag,
		ReportFlag,
	}
	flags = append(flags, busFlags()...)
	flags = append(flags, OutputFlags()...)

	return &cli.Command{
		Name:   "send",
		Usage:  "Publish a file as a chunked upload",
		Flags:  flags,
		Action: sendAction,
	}
}

// sendChoice holds the resolved sender settings.
type sendChoice struct {
	chunk          chunk.ChunkConfig
	digest         bool
	publishTimeout time.Duration
	maxUploadSize  int64
	meta           types.UploadMetadata
}

func parseSendChoice(c *cli.Context, cfg *config.Config) (sendChoice, error) {
	cc := configVal(cfg, func(c *config.Config) config.ChunkConfig { return c.Chunk })

	size, err := resolveByteSize(c, "chunk-size", cc.Size)
	if err != nil {
		return sendChoice{}, err
	}
	if size == 0 {
		size = chunk.DefaultChunkSize
	}
	if size > chunk.MaxChunkSize {
		return sendChoice{}, fmt.Errorf("--chunk-size %d exceeds max %d", size, chunk.MaxChunkSize)
	}
	// size fits in an int once bounded by MaxChunkSize.
	chunkCfg, err := chunk.NewChunkConfig(int(size))
	if err != nil {
		return sendChoice{}, err
	}

	maxUpload, err := resolveByteSize(c, "max-upload-size",
		configVal(cfg, func(c *config.Config) config.ByteSize { return c.Limits.MaxUploadSize }))
	if err != nil {
		return sendChoice{}, err
	}

	digest := c.Bool("digest")
	if !c.IsSet("digest") && cc.Digest != nil {
		digest = *cc.Digest
	}

	return sendChoice{
		chunk:          chunkCfg,
		digest:         digest,
		publishTimeout: resolveDuration(c, "publish-timeout", cc.PublishTimeout.Duration),
		maxUploadSize:  maxUpload,
		meta:           types.NewUploadMetadata(c.String("filename"), c.String("content-type")),
	}, nil
}

func sendAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	bc, err := parseBusChoice(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	choice, err := parseSendChoice(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	// stdout carries frames on the stdio bus, so results go to stderr.
	out := os.Stdout
	if bc.kind == config.BusStdio {
		out = os.Stderr
	}
	r, err := render.NewRendererTo(c, out)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logger := newLogger(c, cfg, "sender")
	defer iox.DiscardErr(logger.Sync)
	collector := metrics.NewCollector(bc.kind, "", bc.subject)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, closePub, err := openPublisher(ctx, bc, stdioOut)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open bus: %v", err), exitFailure)
	}
	defer iox.DiscardErr(closePub)

	s, err := sender.New(pub, sender.Options{
		Subject:        bc.subject,
		PublishTimeout: choice.publishTimeout,
		Digest:         choice.digest,
		MaxUploadSize:  choice.maxUploadSize,
		Logger:         logger,
		Metrics:        collector,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	start := time.Now()
	result, sendErr := s.SendFile(ctx, c.String("file"), choice.meta, choice.chunk)

	if path := c.String("report"); path != "" {
		var res *types.UploadResult
		if sendErr == nil {
			res = &result
		}
		report := runtime.BuildSendReport(res, sendErr, collector.Snapshot(), time.Since(start))
		if err := runtime.WriteReport(report, path); err != nil {
			logger.Warn("failed to write report", map[string]any{"error": err.Error()})
		}
	}

	if sendErr != nil {
		return cli.Exit(fmt.Sprintf("send failed: %v", sendErr), sendExitCode(sendErr))
	}
	return r.Render(result)
}

// sendExitCode maps a send error to an exit code: configuration problems
// (bad chunk size, oversized file) exit 2, everything else 1.
func sendExitCode(err error) int {
	if chunk.IsConfigError(err) {
		return exitConfigError
	}
	return exitFailure
}
