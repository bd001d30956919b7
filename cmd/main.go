package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/ferndale/cratesync/internal/shared"
	"github.com/urfave/cli/v3"
)

func main() {
	config := shared.DefaultConfig()
	if _, err := os.Stat("config.toml"); err == nil {
		if loadedConfig, err := shared.LoadConfig("config.toml"); err == nil {
			config = loadedConfig
		}
	}

	logger := newLogger(config)

	runner := NewRunner(RunnerOpts{
		Config: config,
		Logger: logger,
	})

	app := &cli.Command{
		Name:     "cratesync",
		Usage:    "Reconcile streaming playlists, local files, and the DJ catalog",
		Version:  "0.3.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		logger.Fatalf("application error: %v", err)
	}
}

// newLogger builds the application logger from config: level, plus an
// optional rotating file sink alongside stderr.
func newLogger(config *shared.Config) *log.Logger {
	var w io.Writer
	if config.Logging.File != "" {
		w = io.MultiWriter(os.Stderr, shared.NewRotatingWriter(config.Logging.File))
	}

	logger := shared.NewLogger(w)
	if level, err := log.ParseLevel(config.Logging.Level); err == nil {
		shared.SetLogLevel(logger, level)
	}
	return logger
}
