package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ferry/cli/render"
	"github.com/pithecene-io/ferry/store"
)

// InspectCommand returns the inspect command. It reads the metadata of a
// stored upload without downloading it.
func InspectCommand() *cli.Command {
	flags := []cli.Flag{ConfigFlag}
	flags = append(flags, storeFlags()...)
	flags = append(flags, OutputFlags()...)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show metadata of a stored upload",
		ArgsUsage: "<object-name>  (e.g. <prefix>/<upload-id>/<filename>)",
		Flags:     flags,
		Action:    inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("object name required", exitConfigError)
	}
	name := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	choice, err := parseStoreChoice(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	st, err := openStore(c.Context, choice)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open store: %v", err), exitFailure)
	}
	info, err := st.Info(c.Context, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("%s: not found in %s store", name, st.Backend()), exitFailure)
		}
		return cli.Exit(err.Error(), exitFailure)
	}
	return r.Render(info)
}
