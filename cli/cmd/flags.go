// Package cmd provides CLI commands for the ferry binary.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/log"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitConfigError = 2
)

// DefaultSubject is the bus subject used when none is configured.
const DefaultSubject = "ferry.uploads"

// RedisURLEnv supplies --redis-url when neither the flag nor the config file
// sets it.
const RedisURLEnv = "FERRY_REDIS_URL"

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// RawBytesFlag disables humanized sizes in table output.
	RawBytesFlag = &cli.BoolFlag{
		Name:  "raw-bytes",
		Usage: "Print sizes in bytes in table output",
	}

	// ConfigFlag points at a ferry.yaml file. CLI flags override its values.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to ferry.yaml config file",
	}

	// LogLevelFlag sets the log level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
		Value: "info",
	}

	// ReportFlag writes a JSON report on exit ("-" for stderr).
	ReportFlag = &cli.StringFlag{
		Name:  "report",
		Usage: "Write a JSON report to this path on exit (- for stderr)",
	}
)

// OutputFlags returns the flags shared by commands that render results.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		RawBytesFlag,
	}
}

// busFlags returns the bus selection flags shared by send and receive.
func busFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "subject",
			Usage: "Bus subject carrying fragments",
			Value: DefaultSubject,
		},
		&cli.StringFlag{
			Name:  "bus",
			Usage: "Bus: redis (Redis Streams) or stdio (frames on stdin/stdout)",
			Value: config.BusRedis,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the redis bus (redis://[:password@]host:port[/db])",
			EnvVars: []string{RedisURLEnv},
		},
		&cli.Int64Flag{
			Name:  "redis-max-len",
			Usage: "Approximate stream length kept by trimming (0 = default)",
		},
	}
}

// loadConfig loads --config when set. Returns nil without error when no
// config file was given. Unset environment references are warned about.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	cfg, missing, err := config.Load(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: config references unset environment variables: %s\n",
			strings.Join(missing, ", "))
	}
	return cfg, nil
}

// newLogger builds a stderr logger honouring --log-level over log.level.
func newLogger(c *cli.Context, cfg *config.Config, component string) *log.Logger {
	level := resolveString(c, "log-level", configVal(cfg, func(c *config.Config) string { return c.Log.Level }))
	return log.NewLoggerWithWriter(component, os.Stderr, log.Level(level))
}

// configVal reads a value from cfg, returning the zero value for a nil config.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// resolveString applies precedence: explicit flag, then config, then the
// flag default.
func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	if cfgVal != "" {
		return cfgVal
	}
	return c.String(name)
}

func resolveInt(c *cli.Context, name string, cfgVal int) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	if cfgVal != 0 {
		return cfgVal
	}
	return c.Int(name)
}

func resolveInt64(c *cli.Context, name string, cfgVal int64) int64 {
	if c.IsSet(name) {
		return c.Int64(name)
	}
	if cfgVal != 0 {
		return cfgVal
	}
	return c.Int64(name)
}

func resolveBool(c *cli.Context, name string, cfgVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return cfgVal || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	if cfgVal != 0 {
		return cfgVal
	}
	return c.Duration(name)
}

// resolveByteSize parses a humanized size flag ("2MB", "512KiB", "1048576")
// and falls back to cfgVal when the flag is unset.
func resolveByteSize(c *cli.Context, name string, cfgVal config.ByteSize) (int64, error) {
	if c.IsSet(name) {
		size, err := config.ParseByteSize(c.String(name))
		if err != nil {
			return 0, fmt.Errorf("--%s: %w", name, err)
		}
		return int64(size), nil
	}
	if cfgVal != 0 {
		return int64(cfgVal), nil
	}
	size, err := config.ParseByteSize(c.String(name))
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return int64(size), nil
}
