// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

// fetchCommand ingests the declared remote state.
func fetchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "fetch-remote",
		Aliases: []string{"fetch"},
		Usage:   "Fetch playlists and track lists from the streaming catalog",
		Flags:   []cli.Flag{configFlag()},
		Action:  r.FetchRemote,
	}
}

// scanCommand ingests the observed filesystem state.
func scanCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "scan-local",
		Aliases: []string{"scan"},
		Usage:   "Scan playlist directories and identify local audio files",
		Flags:   []cli.Flag{configFlag()},
		Action:  r.ScanLocal,
	}
}

// planCommand computes the action list without executing anything.
func planCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the actions a sync run would perform",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output the plan as JSON",
			},
		},
		Action: r.Plan,
	}
}

// syncCommand runs the full reconciliation pipeline.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Fetch, scan, plan, and execute in one run",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Plan and report without touching files",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Concurrent action workers",
			},
			&cli.FloatFlag{
				Name:  "rate-limit",
				Usage: "Download requests per second",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output the full report as JSON",
			},
		},
		Action: r.Sync,
	}
}

// statusCommand reports per-playlist sync state and store statistics.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show playlist sync statuses and library statistics",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Status,
	}
}

// catalogCommand pushes playlist membership into the DJ catalog as tags.
func catalogCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "DJ catalog operations",
		Commands: []*cli.Command{
			{
				Name:   "export",
				Usage:  "Tag downloaded tracks with their playlist names in the DJ catalog",
				Flags:  []cli.Flag{configFlag()},
				Action: r.CatalogExport,
			},
		},
	}
}

// setupCommand handles setup operations for configuration and the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Initialize database and run migrations",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupDatabase,
			},
			{
				Name:   "config",
				Usage:  "Write a config.toml template to the working directory",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupConfig,
			},
		},
	}
}
