package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/shared"
)

// SyncRunRepository persists append-only [models.SyncRun] audit records.
// Runs are written at start, finalized once at completion, and never read
// for control flow.
type SyncRunRepository struct {
	db *sql.DB
}

// NewSyncRunRepository creates a new SyncRunRepository with the given database connection
func NewSyncRunRepository(db *sql.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Begin inserts a new run record and returns it.
func (r *SyncRunRepository) Begin(at time.Time) (*models.SyncRun, error) {
	run := &models.SyncRun{
		ID:           shared.GenerateID(),
		StartedAt:    at,
		CountsByKind: map[string]int{},
	}

	query := `INSERT INTO sync_runs (id, started_at) VALUES (?, ?)`
	if _, err := r.db.Exec(query, run.ID, run.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to insert sync run: %w", err)
	}
	return run, nil
}

// Complete finalizes a run record. The record is never touched again.
func (r *SyncRunRepository) Complete(run *models.SyncRun, at time.Time) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	counts, err := json.Marshal(run.CountsByKind)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	run.CompletedAt = &at

	query := `
		UPDATE sync_runs
		SET completed_at = ?, planned = ?, succeeded = ?, failed = ?, skipped = ?,
			counts_json = ?, errors_json = ?
		WHERE id = ? AND completed_at IS NULL
	`
	return execOne(r.db, query,
		at, run.Planned, run.Succeeded, run.Failed, run.Skipped,
		string(counts), string(errs), run.ID,
	)
}

// List returns the most recent runs, newest first.
func (r *SyncRunRepository) List(limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, started_at, completed_at, planned, succeeded, failed, skipped, counts_json, errors_json
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		var (
			run         models.SyncRun
			completedAt sql.NullTime
			countsJSON  string
			errorsJSON  string
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Planned,
			&run.Succeeded, &run.Failed, &run.Skipped, &countsJSON, &errorsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}

		run.CompletedAt = timePtr(completedAt)
		if err := json.Unmarshal([]byte(countsJSON), &run.CountsByKind); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
		}
		if err := json.Unmarshal([]byte(errorsJSON), &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal errors: %w", err)
		}

		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// Statistics summarizes the entity store for the status command.
type Statistics struct {
	Playlists        int
	PlaylistsRemoval int
	Tracks           int
	TracksDownloaded int
	TracksErrored    int
	Memberships      int
	LinksBroken      int
}

// Stats computes store-wide counts in a single pass per table.
func (r *SyncRunRepository) Stats() (*Statistics, error) {
	s := &Statistics{}

	row := r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN sync_status = 'needs_removal' THEN 1 ELSE 0 END), 0)
		FROM playlists
	`)
	if err := row.Scan(&s.Playlists, &s.PlaylistsRemoval); err != nil {
		return nil, fmt.Errorf("failed to count playlists: %w", err)
	}

	row = r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN download_status = 'downloaded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN download_status = 'error' THEN 1 ELSE 0 END), 0)
		FROM tracks
	`)
	if err := row.Scan(&s.Tracks, &s.TracksDownloaded, &s.TracksErrored); err != nil {
		return nil, fmt.Errorf("failed to count tracks: %w", err)
	}

	row = r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN link_path != '' AND link_valid = 0 THEN 1 ELSE 0 END), 0)
		FROM memberships
	`)
	if err := row.Scan(&s.Memberships, &s.LinksBroken); err != nil {
		return nil, fmt.Errorf("failed to count memberships: %w", err)
	}

	return s, nil
}
