package tasks

import (
	"database/sql"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ferndale/cratesync/internal/repositories"
	"github.com/ferndale/cratesync/internal/services"
	"github.com/ferndale/cratesync/internal/shared"
)

// SyncEngine owns the reconciliation pipeline. It is the only component that
// talks to both the entity store and the external collaborators; everything
// it learns flows through the store's transactional operations.
type SyncEngine struct {
	db     *sql.DB
	cfg    *shared.Config
	logger *log.Logger

	catalog    services.CatalogClient
	downloader services.Downloader
	prober     services.Prober

	tracks      *repositories.TrackRepository
	playlists   *repositories.PlaylistRepository
	memberships *repositories.MembershipRepository
	runs        *repositories.SyncRunRepository
	lock        *repositories.RunLock
}

// NewSyncEngine creates a SyncEngine over the given store and collaborators.
func NewSyncEngine(
	db *sql.DB,
	cfg *shared.Config,
	logger *log.Logger,
	catalog services.CatalogClient,
	downloader services.Downloader,
	prober services.Prober,
) *SyncEngine {
	return &SyncEngine{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		catalog:     catalog,
		downloader:  downloader,
		prober:      prober,
		tracks:      repositories.NewTrackRepository(db),
		playlists:   repositories.NewPlaylistRepository(db),
		memberships: repositories.NewMembershipRepository(db),
		runs:        repositories.NewSyncRunRepository(db),
		lock:        repositories.NewRunLock(db),
	}
}

// retryCooldown returns how long an errored download stays ineligible.
func (e *SyncEngine) retryCooldown() time.Duration {
	hours := e.cfg.Sync.RetryCooldownHours
	if hours <= 0 {
		hours = 6
	}
	return time.Duration(hours) * time.Hour
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default to ensure progress reporting never blocks execution.
func (e *SyncEngine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
		// Sent successfully
	default:
		// Channel full or closed, skip this update
	}
}
