package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ferndale/cratesync/internal/formatter"
	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/repositories"
	"github.com/ferndale/cratesync/internal/services"
	"github.com/ferndale/cratesync/internal/shared"
	"github.com/ferndale/cratesync/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Exit codes: 0 on success, 1 when any planned action failed, 2 for
// configuration or connectivity failures before any action ran.
const (
	exitActionError = 1
	exitConfigError = 2
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config *shared.Config
	logger *log.Logger
	output io.Writer

	db         *sql.DB
	engine     *tasks.SyncEngine
	catalog    services.CatalogClient
	downloader services.Downloader
	prober     services.Prober
	djcatalog  services.DJCatalog

	tracks      *repositories.TrackRepository
	playlists   *repositories.PlaylistRepository
	memberships *repositories.MembershipRepository
	runs        *repositories.SyncRunRepository
}

// RunnerOpts contains configuration options for creating a Runner. The
// collaborator and DB fields exist for tests; when nil they are built from
// config on first use.
type RunnerOpts struct {
	Config     *shared.Config
	Logger     *log.Logger
	Output     io.Writer
	DB         *sql.DB
	Catalog    services.CatalogClient
	Downloader services.Downloader
	Prober     services.Prober
	DJCatalog  services.DJCatalog
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	r := &Runner{
		config:     opts.Config,
		logger:     opts.Logger,
		output:     opts.Output,
		catalog:    opts.Catalog,
		downloader: opts.Downloader,
		prober:     opts.Prober,
		djcatalog:  opts.DJCatalog,
	}

	if opts.DB != nil {
		r.bind(opts.DB)
	}
	return r
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, fetchCommand, scanCommand, planCommand, syncCommand, statusCommand, catalogCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// bind wires the engine and repositories onto an open database.
func (r *Runner) bind(db *sql.DB) {
	if r.prober == nil {
		r.prober = services.NewFilesystemProber()
	}
	r.db = db
	r.engine = tasks.NewSyncEngine(db, r.config, shared.WithLogger(r.logger, "component", "engine"), r.catalog, r.downloader, r.prober)
	r.tracks = repositories.NewTrackRepository(db)
	r.playlists = repositories.NewPlaylistRepository(db)
	r.memberships = repositories.NewMembershipRepository(db)
	r.runs = repositories.NewSyncRunRepository(db)
}

// ensureEngine validates config and opens the store on first use. Failures
// here happen before any action runs, so they carry the config exit code.
func (r *Runner) ensureEngine(cmd *cli.Command) error {
	if r.engine != nil {
		return nil
	}

	if path := cmd.String("config"); path != "" {
		if _, err := os.Stat(path); err == nil {
			config, err := shared.LoadConfig(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
			}
			r.config = config
		}
	}

	if err := r.config.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open database: %v", err), exitConfigError)
	}
	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)
	if err := shared.RunMigrations(db); err != nil {
		return cli.Exit(fmt.Sprintf("failed to run migrations: %v", err), exitConfigError)
	}

	if r.catalog == nil {
		r.catalog = services.NewHTTPCatalogClient(r.config.Remote.BaseURL, r.config.Remote.Token, nil)
	}
	if r.downloader == nil {
		r.downloader = services.NewHTTPDownloader(r.config.Remote.BaseURL, r.config.Remote.Token, nil)
	}

	r.bind(db)
	return nil
}

// progressPrinter drains engine progress updates onto the output writer.
// The returned stop function must be called after the engine call returns.
func (r *Runner) progressPrinter() (chan tasks.ProgressUpdate, func()) {
	updates := make(chan tasks.ProgressUpdate, 64)
	done := make(chan struct{})

	go func() {
		for u := range updates {
			r.writePlain("%s\n", u.Message)
		}
		close(done)
	}()

	return updates, func() {
		close(updates)
		<-done
	}
}

// FetchRemote ingests the declared remote state into the entity store.
func (r *Runner) FetchRemote(ctx context.Context, cmd *cli.Command) error {
	if err := r.ensureEngine(cmd); err != nil {
		return err
	}

	progress, stop := r.progressPrinter()
	result, err := r.engine.FetchRemote(ctx, progress)
	stop()
	if err != nil {
		return cli.Exit(fmt.Sprintf("fetch failed: %v", err), exitConfigError)
	}

	return r.writePlain("%s", formatter.FormatFetch(result))
}

// ScanLocal ingests the observed filesystem state into the entity store.
func (r *Runner) ScanLocal(ctx context.Context, cmd *cli.Command) error {
	if err := r.ensureEngine(cmd); err != nil {
		return err
	}

	progress, stop := r.progressPrinter()
	result, err := r.engine.ScanLocal(ctx, progress)
	stop()
	if err != nil {
		return cli.Exit(fmt.Sprintf("scan failed: %v", err), exitConfigError)
	}

	return r.writePlain("%s", formatter.FormatScan(result))
}

// Plan resolves primaries and prints the action list without executing it.
func (r *Runner) Plan(ctx context.Context, cmd *cli.Command) error {
	if err := r.ensureEngine(cmd); err != nil {
		return err
	}

	if _, err := r.engine.ResolvePrimaries(ctx, nil); err != nil {
		return cli.Exit(fmt.Sprintf("resolve failed: %v", err), exitConfigError)
	}

	plan, err := r.engine.Plan(ctx, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("planning failed: %v", err), exitConfigError)
	}

	if cmd.Bool("json") {
		data, err := formatter.PlanToJSON(plan)
		if err != nil {
			return err
		}
		return r.writePlain("%s\n", data)
	}
	return r.writePlain("%s", formatter.FormatPlan(plan))
}

// Sync runs the full pipeline and reports the outcome. Failed actions set
// the action-error exit code; the run itself still completes.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	if err := r.ensureEngine(cmd); err != nil {
		return err
	}

	opts := tasks.ExecuteOpts{
		DryRun:    cmd.Bool("dry-run"),
		Workers:   int(cmd.Int("workers")),
		RateLimit: cmd.Float("rate-limit"),
	}

	progress, stop := r.progressPrinter()
	report, err := r.engine.Sync(ctx, progress, opts)
	stop()
	if err != nil {
		return cli.Exit(fmt.Sprintf("sync failed: %v", err), exitConfigError)
	}

	if cmd.Bool("json") {
		data, jsonErr := formatter.ReportToJSON(report)
		if jsonErr != nil {
			return jsonErr
		}
		if err := r.writePlain("%s\n", data); err != nil {
			return err
		}
	} else if err := r.writePlain("%s", formatter.FormatReport(report)); err != nil {
		return err
	}

	if report.Run != nil && report.Run.Failed > 0 {
		return cli.Exit(fmt.Sprintf("sync completed with %d failed actions", report.Run.Failed), exitActionError)
	}
	return nil
}

// Status prints per-playlist sync statuses and store-wide statistics.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	if err := r.ensureEngine(cmd); err != nil {
		return err
	}

	playlists, err := r.playlists.List()
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to list playlists: %v", err), exitConfigError)
	}
	if err := r.writePlain("%s", formatter.FormatStatuses(playlists)); err != nil {
		return err
	}

	stats, err := r.runs.Stats()
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to compute statistics: %v", err), exitConfigError)
	}

	r.writePlain("\nTracks: %d total, %d downloaded, %d errored\n",
		stats.Tracks, stats.TracksDownloaded, stats.TracksErrored)
	r.writePlain("Memberships: %d total, %d broken links\n", stats.Memberships, stats.LinksBroken)
	if stats.PlaylistsRemoval > 0 {
		r.writePlain("%d playlists flagged for removal await manual review\n", stats.PlaylistsRemoval)
	}

	if stats.TracksErrored > 0 {
		errored, err := r.tracks.ListByDownloadStatus(models.DownloadError)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to list errored tracks: %v", err), exitConfigError)
		}
		r.writePlain("\nErrored downloads:\n")
		for _, t := range errored {
			r.writePlain("  %s - %s: %s\n", t.Artist, t.Title, t.DownloadError)
		}
	}
	return nil
}

// CatalogExport tags every downloaded, declared track with its playlist
// name in the DJ catalog and records the observation on the membership.
func (r *Runner) CatalogExport(ctx context.Context, cmd *cli.Command) error {
	if err := r.ensureEngine(cmd); err != nil {
		return err
	}

	if r.djcatalog == nil {
		if r.config.Catalog.CollectionPath == "" {
			return cli.Exit("catalog.collection_path is not configured", exitConfigError)
		}
		catalog, err := services.NewXMLCatalog(r.config.Catalog.CollectionPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to open DJ catalog: %v", err), exitConfigError)
		}
		r.djcatalog = catalog
	}

	states, err := r.memberships.ListSyncStates()
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load sync states: %v", err), exitConfigError)
	}

	now := time.Now().UTC()
	tags := make(map[string]services.TagRef)
	linked := 0

	for _, s := range states {
		if s.Playlist.SyncStatus == models.PlaylistNeedsRemoval {
			continue
		}
		if !s.Membership.DeclaredRemote || !s.Track.Downloaded() {
			continue
		}

		tag, ok := tags[s.Playlist.ID]
		if !ok {
			tag, err = r.djcatalog.EnsureTag(ctx, "Playlist", s.Playlist.Name)
			if err != nil {
				return fmt.Errorf("failed to ensure tag for %q: %w", s.Playlist.Name, err)
			}
			tags[s.Playlist.ID] = tag
		}

		trackRef := s.Track.RemoteID
		if trackRef == "" {
			trackRef = s.Track.ID
		}
		if err := r.djcatalog.Link(ctx, trackRef, tag); err != nil {
			return fmt.Errorf("failed to link %q: %w", s.Track.Title, err)
		}
		if err := r.memberships.SetPresence(nil, s.Playlist.ID, s.Track.ID, models.SourceCatalog, true, now); err != nil {
			return fmt.Errorf("failed to record catalog presence: %w", err)
		}
		linked++
	}

	return r.writePlain("Exported %d playlist tags, %d track links\n", len(tags), linked)
}

// SetupDatabase initializes the database and runs migrations.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	var config *shared.Config
	if _, err := os.Stat(configPath); err == nil {
		if config, err = shared.LoadConfig(configPath); err != nil {
			r.logger.Warn("failed to load config, using defaults", "error", err)
			config = shared.DefaultConfig()
		}
	} else {
		r.logger.Info("config file not found, using defaults", "path", configPath)
		config = shared.DefaultConfig()
	}

	r.logger.Info("initializing database", "path", config.Database.Path)

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create database: %v", err), exitConfigError)
	}
	defer db.Close()

	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	r.logger.Info("running database migrations")
	if err := shared.RunMigrations(db); err != nil {
		return cli.Exit(fmt.Sprintf("failed to run migrations: %v", err), exitConfigError)
	}
	r.logger.Infof("setup complete for database: %v", config.Database.Path)
	return nil
}

// SetupConfig writes the example config template to the config path.
func (r *Runner) SetupConfig(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	if err := shared.CreateConfigFile(configPath); err != nil {
		return cli.Exit(fmt.Sprintf("failed to create config: %v", err), exitConfigError)
	}

	r.writePlain("Config template written to %s\n", configPath)
	r.writePlain("Set remote.base_url, remote.token, and library.music_root before syncing\n")
	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
