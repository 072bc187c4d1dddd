package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env is filled in by the app's Before hook and shared by every command.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func newApp() *cli.App {
	var configPath string
	e := &env{}

	return &cli.App{
		Name:  "aclrt",
		Usage: "Accelerator runtime: streams, events and shared device memory on a simulated platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config file; defaults are used when empty",
				EnvVars:     []string{"ACLRT_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if configPath == "" {
				e.cfg = config.Default()
			} else if e.cfg, err = config.LoadConfig(configPath); err != nil {
				return err
			}
			zapLogger, err := logger.New(e.cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			e.log = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(e),
			selftestCommand(e),
			serveCommand(e),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
