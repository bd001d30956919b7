package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/shared"
)

const trackColumns = `id, sequence, remote_id, fingerprint, title, artist, album, duration, explicit,
	quality, isrc, normalized_name, download_status, download_error, primary_path, file_hash,
	file_size, file_format, downloaded_at, last_verified_at, last_seen_remote, created_at, updated_at`

// TrackRepository persists [models.Track] rows.
//
// Upsert implements the identity match ladder from the reconciliation design:
// remote catalog ID first, then normalized name, then content fingerprint.
// Tracks are never hard-deleted; absence is recorded on memberships.
type TrackRepository struct {
	db *sql.DB
}

// NewTrackRepository creates a new TrackRepository with the given database connection
func NewTrackRepository(db *sql.DB) *TrackRepository {
	return &TrackRepository{db: db}
}

func (r *TrackRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Upsert finds an existing track for the given identity and merges attributes
// into it, or creates a new track when nothing matches. Merging never
// replaces a known non-empty field with an empty one from a lower-confidence
// source.
func (r *TrackRepository) Upsert(q Querier, t *models.Track) (*models.Track, error) {
	if t.NormalizedName == "" {
		t.NormalizedName = shared.NormalizeTrackName(t.Title, t.Artist)
	}

	existing, err := r.match(r.q(q), t)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return r.create(r.q(q), t)
	}

	mergeTrack(existing, t)
	if err := r.update(r.q(q), existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// match walks the identity ladder: remote ID, then normalized name, then fingerprint.
func (r *TrackRepository) match(q Querier, t *models.Track) (*models.Track, error) {
	if t.RemoteID != "" {
		found, err := r.getWhere(q, "remote_id = ?", t.RemoteID)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}

	found, err := r.getWhere(q, "normalized_name = ?", t.NormalizedName)
	if err != nil {
		return nil, err
	}
	if found != nil {
		// A remote-identified incoming track must not steal a row already
		// bound to a different remote identity.
		if t.RemoteID == "" || found.RemoteID == "" || found.RemoteID == t.RemoteID {
			return found, nil
		}
	}

	if t.Fingerprint != "" {
		found, err := r.getWhere(q, "fingerprint = ?", t.Fingerprint)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}

	return nil, nil
}

// mergeTrack copies incoming attributes onto dst without erasing known values.
func mergeTrack(dst, src *models.Track) {
	if src.RemoteID != "" {
		dst.RemoteID = src.RemoteID
	}
	if src.Fingerprint != "" {
		dst.Fingerprint = src.Fingerprint
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Artist != "" {
		dst.Artist = src.Artist
	}
	if src.Album != "" {
		dst.Album = src.Album
	}
	if src.Duration > 0 {
		dst.Duration = src.Duration
	}
	if src.Explicit {
		dst.Explicit = true
	}
	if src.Quality != "" {
		dst.Quality = src.Quality
	}
	if src.ISRC != "" {
		dst.ISRC = src.ISRC
	}
	if src.NormalizedName != "" {
		dst.NormalizedName = src.NormalizedName
	}
	if src.LastSeenRemote != nil {
		dst.LastSeenRemote = src.LastSeenRemote
	}
}

func (r *TrackRepository) create(q Querier, t *models.Track) (*models.Track, error) {
	sequence, err := NextSequence(q, "tracks")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	t.ID = shared.GenerateID()
	t.Sequence = sequence
	if t.DownloadStatus == "" {
		t.DownloadStatus = models.DownloadNotDownloaded
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO tracks (` + trackColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.Exec(query,
		t.ID, t.Sequence, nullString(t.RemoteID), nullString(t.Fingerprint),
		t.Title, t.Artist, t.Album, t.Duration, t.Explicit,
		t.Quality, t.ISRC, t.NormalizedName, string(t.DownloadStatus), t.DownloadError,
		t.PrimaryPath, t.FileHash, t.FileSize, t.FileFormat,
		nullTime(t.DownloadedAt), nullTime(t.LastVerifiedAt), nullTime(t.LastSeenRemote),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert track: %w", err)
	}

	return t, nil
}

func (r *TrackRepository) update(q Querier, t *models.Track) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	t.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE tracks
		SET remote_id = ?, fingerprint = ?, title = ?, artist = ?, album = ?, duration = ?,
			explicit = ?, quality = ?, isrc = ?, normalized_name = ?, download_status = ?,
			download_error = ?, primary_path = ?, file_hash = ?, file_size = ?, file_format = ?,
			downloaded_at = ?, last_verified_at = ?, last_seen_remote = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := q.Exec(query,
		nullString(t.RemoteID), nullString(t.Fingerprint), t.Title, t.Artist, t.Album, t.Duration,
		t.Explicit, t.Quality, t.ISRC, t.NormalizedName, string(t.DownloadStatus),
		t.DownloadError, t.PrimaryPath, t.FileHash, t.FileSize, t.FileFormat,
		nullTime(t.DownloadedAt), nullTime(t.LastVerifiedAt), nullTime(t.LastSeenRemote), t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update track: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("track not found: %s", t.ID)
	}

	return nil
}

// Get retrieves a track by ID.
func (r *TrackRepository) Get(id string) (*models.Track, error) {
	t, err := r.getWhere(r.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("track not found: %s", id)
	}
	return t, nil
}

// GetByRemoteID retrieves a track by its remote catalog identifier.
func (r *TrackRepository) GetByRemoteID(remoteID string) (*models.Track, error) {
	t, err := r.getWhere(r.db, "remote_id = ?", remoteID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("track not found for remote ID %s", remoteID)
	}
	return t, nil
}

// GetByNormalizedName retrieves a track by its canonical "artist - title"
// key, or nil when no track carries it.
func (r *TrackRepository) GetByNormalizedName(name string) (*models.Track, error) {
	return r.getWhere(r.db, "normalized_name = ?", name)
}

// GetByPrimaryPath retrieves the track owning the given on-disk path, if any.
func (r *TrackRepository) GetByPrimaryPath(path string) (*models.Track, error) {
	return r.getWhere(r.db, "primary_path = ? AND primary_path != ''", path)
}

// List retrieves all tracks ordered by sequence.
func (r *TrackRepository) List() ([]*models.Track, error) {
	return r.listWhere(r.db, "1 = 1")
}

// ListByDownloadStatus retrieves tracks in the given download state.
func (r *TrackRepository) ListByDownloadStatus(status models.DownloadStatus) ([]*models.Track, error) {
	return r.listWhere(r.db, "download_status = ?", string(status))
}

// MarkDownloading transitions a track into the downloading state.
func (r *TrackRepository) MarkDownloading(q Querier, id string, at time.Time) error {
	return r.setStatus(q, id, models.DownloadInProgress, "", at)
}

// MarkDownloaded records a completed download: primary path, hash, size,
// format, and timestamps, clearing any previous error.
func (r *TrackRepository) MarkDownloaded(q Querier, id, path, hash string, size int64, format string, at time.Time) error {
	query := `
		UPDATE tracks
		SET download_status = ?, download_error = '', primary_path = ?, file_hash = ?,
			file_size = ?, file_format = ?, downloaded_at = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ?
	`
	return execOne(r.q(q), query,
		string(models.DownloadComplete), path, hash, size, format, at, at, at, id)
}

// MarkDownloadError records a failed download without touching the primary path.
func (r *TrackRepository) MarkDownloadError(q Querier, id, message string, at time.Time) error {
	query := `
		UPDATE tracks
		SET download_status = ?, download_error = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ?
	`
	return execOne(r.q(q), query, string(models.DownloadError), message, at, at, id)
}

// ResetStaleDownloads flags tracks stuck in the downloading state since
// before cutoff as errored, making them eligible for rescheduling. Covers
// runs that died between claiming a download and recording its result.
// The last verification time is left alone so the retry cooldown counts
// from the original failure, not the cleanup.
func (r *TrackRepository) ResetStaleDownloads(q Querier, cutoff, at time.Time) (int, error) {
	query := `
		UPDATE tracks
		SET download_status = ?, download_error = ?, updated_at = ?
		WHERE download_status = ? AND updated_at < ?
	`
	result, err := r.q(q).Exec(query,
		string(models.DownloadError), "download interrupted", at,
		string(models.DownloadInProgress), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale downloads: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(rows), nil
}

// MarkFileMissing resets a track whose primary bytes disappeared from disk,
// making it eligible for download again.
func (r *TrackRepository) MarkFileMissing(q Querier, id string, at time.Time) error {
	query := `
		UPDATE tracks
		SET download_status = ?, primary_path = '', file_hash = '', file_size = 0,
			downloaded_at = NULL, updated_at = ?
		WHERE id = ?
	`
	return execOne(r.q(q), query, string(models.DownloadNotDownloaded), at, id)
}

// SetPrimaryPath moves a track's primary location (relocation case).
func (r *TrackRepository) SetPrimaryPath(q Querier, id, path string, at time.Time) error {
	query := `UPDATE tracks SET primary_path = ?, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, path, at, id)
}

// Verify records a fresh integrity check of the primary file.
func (r *TrackRepository) Verify(q Querier, id, hash string, size int64, at time.Time) error {
	query := `UPDATE tracks SET file_hash = ?, file_size = ?, last_verified_at = ?, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, hash, size, at, at, id)
}

func (r *TrackRepository) setStatus(q Querier, id string, status models.DownloadStatus, message string, at time.Time) error {
	query := `UPDATE tracks SET download_status = ?, download_error = ?, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, string(status), message, at, id)
}

func (r *TrackRepository) getWhere(q Querier, where string, args ...any) (*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE ` + where + ` LIMIT 1`
	row := q.QueryRow(query, args...)

	t, err := scanTrack(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan track: %w", err)
	}
	return t, nil
}

func (r *TrackRepository) listWhere(q Querier, where string, args ...any) ([]*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE ` + where + ` ORDER BY sequence ASC`
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*models.Track
	for rows.Next() {
		t, err := scanTrack(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tracks, nil
}

// scanTrack reads one tracks row via the provided scan function.
func scanTrack(scan func(...any) error) (*models.Track, error) {
	var (
		t            models.Track
		remoteID     sql.NullString
		fingerprint  sql.NullString
		status       string
		downloadedAt sql.NullTime
		verifiedAt   sql.NullTime
		seenRemote   sql.NullTime
	)

	err := scan(
		&t.ID, &t.Sequence, &remoteID, &fingerprint, &t.Title, &t.Artist, &t.Album,
		&t.Duration, &t.Explicit, &t.Quality, &t.ISRC, &t.NormalizedName, &status,
		&t.DownloadError, &t.PrimaryPath, &t.FileHash, &t.FileSize, &t.FileFormat,
		&downloadedAt, &verifiedAt, &seenRemote, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.RemoteID = remoteID.String
	t.Fingerprint = fingerprint.String
	t.DownloadStatus = models.DownloadStatus(status)
	t.DownloadedAt = timePtr(downloadedAt)
	t.LastVerifiedAt = timePtr(verifiedAt)
	t.LastSeenRemote = timePtr(seenRemote)

	return &t, nil
}

// execOne runs an UPDATE that must affect exactly one row.
func execOne(q Querier, query string, args ...any) error {
	result, err := q.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no row matched update")
	}
	return nil
}
