package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/config"
	"github.com/pithecene-io/ferry/store"
	"github.com/pithecene-io/ferry/store/fs"
	"github.com/pithecene-io/ferry/store/s3"
)

// storeFlags returns the payload storage flags.
func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "store",
			Usage: "Storage backend: fs or s3",
			Value: config.StoreFS,
		},
		&cli.StringFlag{
			Name:  "store-path",
			Usage: "Storage path (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "store-prefix",
			Usage: "Object name prefix for stored uploads",
		},
		&cli.StringFlag{
			Name:  "store-region",
			Usage: "AWS region for S3 backend (optional, uses default chain)",
		},
		&cli.StringFlag{
			Name:  "store-endpoint",
			Usage: "Custom S3 endpoint URL (R2, MinIO)",
		},
		&cli.BoolFlag{
			Name:  "store-s3-path-style",
			Usage: "Force path-style S3 addressing",
		},
	}
}

// storeChoice holds the resolved storage configuration.
type storeChoice struct {
	backend   string
	path      string
	prefix    string
	region    string
	endpoint  string
	pathStyle bool
}

func parseStoreChoice(c *cli.Context, cfg *config.Config) (storeChoice, error) {
	sc := configVal(cfg, func(c *config.Config) config.StoreConfig { return c.Store })
	choice := storeChoice{
		backend:   resolveString(c, "store", sc.Backend),
		path:      resolveString(c, "store-path", sc.Path),
		prefix:    resolveString(c, "store-prefix", sc.Prefix),
		region:    resolveString(c, "store-region", sc.Region),
		endpoint:  resolveString(c, "store-endpoint", sc.Endpoint),
		pathStyle: resolveBool(c, "store-s3-path-style", sc.S3PathStyle),
	}
	if err := validateStoreChoice(choice); err != nil {
		return storeChoice{}, err
	}
	return choice, nil
}

func validateStoreChoice(choice storeChoice) error {
	switch choice.backend {
	case config.StoreFS, config.StoreS3:
	default:
		return fmt.Errorf("unknown storage backend %q (must be %s or %s)", choice.backend, config.StoreFS, config.StoreS3)
	}
	if choice.path == "" {
		return fmt.Errorf("--store-path is required (fs: directory, s3: bucket/prefix)")
	}
	if choice.backend == config.StoreFS && (choice.region != "" || choice.endpoint != "" || choice.pathStyle) {
		return fmt.Errorf("--store-region, --store-endpoint and --store-s3-path-style apply to the s3 backend only")
	}
	return nil
}

// openStore opens the backing store for choice.
func openStore(ctx context.Context, choice storeChoice) (store.Store, error) {
	switch choice.backend {
	case config.StoreS3:
		bucket, prefix := s3.ParsePath(choice.path)
		return s3.New(ctx, s3.Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       choice.region,
			Endpoint:     choice.endpoint,
			UsePathStyle: choice.pathStyle,
		})
	default:
		return fs.New(choice.path)
	}
}

// buildSink opens the store and wraps it in a Sink.
func buildSink(ctx context.Context, choice storeChoice) (*store.Sink, error) {
	st, err := openStore(ctx, choice)
	if err != nil {
		return nil, err
	}
	return store.NewSink(st, choice.prefix), nil
}
