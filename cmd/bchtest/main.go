package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/nadalle/bcachefs-tools/internal/checks"
	"github.com/nadalle/bcachefs-tools/internal/config"
	"github.com/nadalle/bcachefs-tools/internal/harness"
	"github.com/nadalle/bcachefs-tools/internal/log"
	"github.com/nadalle/bcachefs-tools/internal/version"
)

// valgrindEnv is the switch the harness has historically honored, with
// yes/no values. Flag parsing only understands strconv.ParseBool input,
// so the legacy spellings are rewritten before the flags are read.
const valgrindEnv = "BCACHEFS_TEST_USE_VALGRIND"

func normalizeValgrindEnv() {
	v, ok := os.LookupEnv(valgrindEnv)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "on":
		os.Setenv(valgrindEnv, "true")
	case "no", "n", "off":
		os.Setenv(valgrindEnv, "false")
	}
}

func main() {
	normalizeValgrindEnv()

	cmd := &cli.Command{
		Name:  "bchtest",
		Usage: "Exercise a bcachefs FUSE mount and audit it for memory-safety violations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bcachefs",
				Aliases: []string{"b"},
				Usage:   "Path to the bcachefs binary under test",
			},
			&cli.StringFlag{
				Name:  "fusermount",
				Usage: "Unmount tool invoked at teardown",
			},
			&cli.BoolFlag{
				Name:    "valgrind",
				Usage:   "Wrap supervised processes with valgrind",
				Value:   true,
				Sources: cli.EnvVars(valgrindEnv),
			},
			&cli.StringFlag{
				Name:    "size",
				Aliases: []string{"s"},
				Usage:   "Device image size (e.g. 1GiB)",
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "Work directory for device images and mountpoints",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	// Setup logging
	log.Setup(cmd.Bool("verbose"))

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence). The valgrind flag only
	// overrides when set explicitly on the command line or via env.
	var valgrind *bool
	if cmd.IsSet("valgrind") {
		v := cmd.Bool("valgrind")
		valgrind = &v
	}
	cfg.Merge(
		cmd.String("bcachefs"),
		cmd.String("fusermount"),
		cmd.String("size"),
		cmd.String("dir"),
		valgrind,
	)

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info("starting fuse test run",
		"bcachefs", cfg.Bcachefs,
		"device_size", cfg.DeviceSize,
		"valgrind", cfg.ValgrindEnabled(),
	)

	h := harness.New(cfg)

	// Bail out early when the binary has no fuse support at all.
	hasFuse, err := h.Probe(ctx)
	if err != nil {
		return err
	}
	if !hasFuse {
		return fmt.Errorf("%s is not built with fuse support", cfg.Bcachefs)
	}

	if err := h.Run(ctx, checks.All()); err != nil {
		return err
	}

	log.Info("all checks passed")
	return nil
}
