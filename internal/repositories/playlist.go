package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/shared"
)

const playlistColumns = `id, sequence, remote_id, name, description, track_count, directory,
	sync_status, last_declared_at, last_reconciled_at, last_seen_remote, created_at, updated_at`

// PlaylistRepository persists [models.Playlist] rows. Playlists are keyed by
// remote identifier only; they are never fuzzy-matched.
type PlaylistRepository struct {
	db *sql.DB
}

// NewPlaylistRepository creates a new PlaylistRepository with the given database connection
func NewPlaylistRepository(db *sql.DB) *PlaylistRepository {
	return &PlaylistRepository{db: db}
}

func (r *PlaylistRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Upsert creates or updates a playlist keyed by remote ID. The filesystem
// directory mapping is derived deterministically from the name.
func (r *PlaylistRepository) Upsert(q Querier, p *models.Playlist) (*models.Playlist, error) {
	if p.Directory == "" {
		p.Directory = shared.SanitizeName(p.Name)
	}

	existing, err := r.getWhere(r.q(q), "remote_id = ?", p.RemoteID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return r.create(r.q(q), p)
	}

	existing.Name = p.Name
	existing.Directory = p.Directory
	if p.Description != "" {
		existing.Description = p.Description
	}
	if p.TrackCount > 0 {
		existing.TrackCount = p.TrackCount
	}
	if p.LastDeclaredAt != nil {
		existing.LastDeclaredAt = p.LastDeclaredAt
	}
	if p.LastSeenRemote != nil {
		existing.LastSeenRemote = p.LastSeenRemote
	}
	if p.SyncStatus != "" && p.SyncStatus != models.PlaylistUnknown {
		existing.SyncStatus = p.SyncStatus
	}

	if err := r.update(r.q(q), existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (r *PlaylistRepository) create(q Querier, p *models.Playlist) (*models.Playlist, error) {
	sequence, err := NextSequence(q, "playlists")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	p.ID = shared.GenerateID()
	p.Sequence = sequence
	if p.SyncStatus == "" {
		p.SyncStatus = models.PlaylistUnknown
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO playlists (` + playlistColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.Exec(query,
		p.ID, p.Sequence, p.RemoteID, p.Name, p.Description, p.TrackCount, p.Directory,
		string(p.SyncStatus), nullTime(p.LastDeclaredAt), nullTime(p.LastReconciledAt),
		nullTime(p.LastSeenRemote), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert playlist: %w", err)
	}

	return p, nil
}

func (r *PlaylistRepository) update(q Querier, p *models.Playlist) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	p.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE playlists
		SET name = ?, description = ?, track_count = ?, directory = ?, sync_status = ?,
			last_declared_at = ?, last_reconciled_at = ?, last_seen_remote = ?, updated_at = ?
		WHERE id = ?
	`

	return execOne(q, query,
		p.Name, p.Description, p.TrackCount, p.Directory, string(p.SyncStatus),
		nullTime(p.LastDeclaredAt), nullTime(p.LastReconciledAt), nullTime(p.LastSeenRemote),
		p.UpdatedAt, p.ID,
	)
}

// Get retrieves a playlist by ID.
func (r *PlaylistRepository) Get(id string) (*models.Playlist, error) {
	p, err := r.getWhere(r.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("playlist not found: %s", id)
	}
	return p, nil
}

// GetByRemoteID retrieves a playlist by its remote identifier.
func (r *PlaylistRepository) GetByRemoteID(remoteID string) (*models.Playlist, error) {
	return r.getWhere(r.db, "remote_id = ?", remoteID)
}

// List retrieves all playlists ordered by sequence.
func (r *PlaylistRepository) List() ([]*models.Playlist, error) {
	return r.listWhere(r.db, "1 = 1")
}

// SetSyncStatus updates a playlist's sync status.
func (r *PlaylistRepository) SetSyncStatus(q Querier, id string, status models.PlaylistSyncStatus, at time.Time) error {
	query := `UPDATE playlists SET sync_status = ?, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, string(status), at, id)
}

// MarkReconciled stamps last_reconciled_at after an orchestrator pass.
func (r *PlaylistRepository) MarkReconciled(q Querier, id string, at time.Time) error {
	query := `UPDATE playlists SET last_reconciled_at = ?, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, at, at, id)
}

// MarkAbsent flags every playlist previously seen in the remote source but
// missing from observedRemoteIDs as needs_removal, and returns how many were
// flagged.
//
// Callers must pass the identifier set of a COMPLETE remote fetch. Calling
// this after a partial or filtered fetch will falsely mark live playlists
// for removal; the remote ingestor partitions successfully observed IDs from
// merely attempted ones for exactly this reason.
func (r *PlaylistRepository) MarkAbsent(q Querier, observedRemoteIDs []string, at time.Time) (int, error) {
	query := `
		UPDATE playlists
		SET sync_status = ?, updated_at = ?
		WHERE last_seen_remote IS NOT NULL
		  AND sync_status != ?
	`
	args := []any{string(models.PlaylistNeedsRemoval), at, string(models.PlaylistNeedsRemoval)}

	if len(observedRemoteIDs) > 0 {
		placeholders := strings.Repeat("?, ", len(observedRemoteIDs))
		query += " AND remote_id NOT IN (" + placeholders[:len(placeholders)-2] + ")"
		for _, id := range observedRemoteIDs {
			args = append(args, id)
		}
	}

	result, err := r.q(q).Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark absent playlists: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(rows), nil
}

func (r *PlaylistRepository) getWhere(q Querier, where string, args ...any) (*models.Playlist, error) {
	query := `SELECT ` + playlistColumns + ` FROM playlists WHERE ` + where + ` LIMIT 1`
	row := q.QueryRow(query, args...)

	p, err := scanPlaylist(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan playlist: %w", err)
	}
	return p, nil
}

func (r *PlaylistRepository) listWhere(q Querier, where string, args ...any) ([]*models.Playlist, error) {
	query := `SELECT ` + playlistColumns + ` FROM playlists WHERE ` + where + ` ORDER BY sequence ASC`
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query playlists: %w", err)
	}
	defer rows.Close()

	var playlists []*models.Playlist
	for rows.Next() {
		p, err := scanPlaylist(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playlist: %w", err)
		}
		playlists = append(playlists, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return playlists, nil
}

func scanPlaylist(scan func(...any) error) (*models.Playlist, error) {
	var (
		p            models.Playlist
		status       string
		declaredAt   sql.NullTime
		reconciledAt sql.NullTime
		seenRemote   sql.NullTime
	)

	err := scan(
		&p.ID, &p.Sequence, &p.RemoteID, &p.Name, &p.Description, &p.TrackCount,
		&p.Directory, &status, &declaredAt, &reconciledAt, &seenRemote,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.SyncStatus = models.PlaylistSyncStatus(status)
	p.LastDeclaredAt = timePtr(declaredAt)
	p.LastReconciledAt = timePtr(reconciledAt)
	p.LastSeenRemote = timePtr(seenRemote)

	return &p, nil
}
