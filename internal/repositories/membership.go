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

const membershipColumns = `id, playlist_id, track_id, position, declared_remote, declared_remote_at,
	observed_local, observed_local_at, observed_catalog, observed_catalog_at,
	is_primary, link_path, link_valid, created_at, updated_at`

// MembershipRepository persists [models.Membership] rows: one track's
// participation in one playlist with per-source presence flags.
type MembershipRepository struct {
	db *sql.DB
}

// NewMembershipRepository creates a new MembershipRepository with the given database connection
func NewMembershipRepository(db *sql.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) q(q Querier) Querier {
	if q == nil {
		return r.db
	}
	return q
}

// Ensure returns the membership for (playlist, track), creating it if absent.
func (r *MembershipRepository) Ensure(q Querier, playlistID, trackID string) (*models.Membership, error) {
	m, err := r.getWhere(r.q(q), "playlist_id = ? AND track_id = ?", playlistID, trackID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}

	m = &models.Membership{
		ID:         shared.GenerateID(),
		PlaylistID: playlistID,
		TrackID:    trackID,
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO memberships (` + membershipColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.q(q).Exec(query,
		m.ID, m.PlaylistID, m.TrackID, m.Position,
		m.DeclaredRemote, nullTime(m.DeclaredRemoteAt),
		m.ObservedLocal, nullTime(m.ObservedLocalAt),
		m.ObservedCatalog, nullTime(m.ObservedCatalogAt),
		m.IsPrimary, m.LinkPath, m.LinkValid, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert membership: %w", err)
	}

	return m, nil
}

// SetPresence records that a source does (or does not) assert this
// membership. Idempotent: setting an unchanged flag only refreshes its
// timestamp.
func (r *MembershipRepository) SetPresence(q Querier, playlistID, trackID string, source models.PresenceSource, present bool, at time.Time) error {
	m, err := r.Ensure(q, playlistID, trackID)
	if err != nil {
		return err
	}

	var flagCol, atCol string
	switch source {
	case models.SourceRemote:
		flagCol, atCol = "declared_remote", "declared_remote_at"
	case models.SourceLocal:
		flagCol, atCol = "observed_local", "observed_local_at"
	case models.SourceCatalog:
		flagCol, atCol = "observed_catalog", "observed_catalog_at"
	default:
		return fmt.Errorf("%w: unknown presence source %q", shared.ErrInvalidArgument, source)
	}

	query := fmt.Sprintf(
		`UPDATE memberships SET %s = ?, %s = ?, updated_at = ? WHERE id = ?`,
		flagCol, atCol,
	)
	return execOne(r.q(q), query, present, at, at, m.ID)
}

// SetPosition records the declared position of a track within its playlist.
func (r *MembershipRepository) SetPosition(q Querier, membershipID string, position int, at time.Time) error {
	query := `UPDATE memberships SET position = ?, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, position, at, membershipID)
}

// ClearRemoteExcept drops the declared_remote flag for every membership of
// the playlist whose track is not in keepTrackIDs. Used after a full
// track-list refetch so tracks removed remotely stop being declared.
func (r *MembershipRepository) ClearRemoteExcept(q Querier, playlistID string, keepTrackIDs []string, at time.Time) (int, error) {
	query := `
		UPDATE memberships
		SET declared_remote = 0, declared_remote_at = ?, updated_at = ?
		WHERE playlist_id = ? AND declared_remote = 1
	`
	args := []any{at, at, playlistID}

	if len(keepTrackIDs) > 0 {
		placeholders := strings.Repeat("?, ", len(keepTrackIDs))
		query += " AND track_id NOT IN (" + placeholders[:len(placeholders)-2] + ")"
		for _, id := range keepTrackIDs {
			args = append(args, id)
		}
	}

	result, err := r.q(q).Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear remote declarations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(rows), nil
}

// SetPrimary marks or unmarks a membership as owner of the track's primary
// file. Marking primary clears any link bookkeeping, since the primary file
// is never a link.
func (r *MembershipRepository) SetPrimary(q Querier, membershipID string, primary bool, at time.Time) error {
	var query string
	if primary {
		query = `UPDATE memberships SET is_primary = 1, link_path = '', link_valid = 0, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE memberships SET is_primary = 0, updated_at = ? WHERE id = ?`
	}
	return execOne(r.q(q), query, at, membershipID)
}

// SetLink records a non-primary membership's link path and validity.
func (r *MembershipRepository) SetLink(q Querier, membershipID, linkPath string, valid bool, at time.Time) error {
	query := `UPDATE memberships SET link_path = ?, link_valid = ?, is_primary = 0, updated_at = ? WHERE id = ?`
	return execOne(r.q(q), query, linkPath, valid, at, membershipID)
}

// Get retrieves a membership by ID.
func (r *MembershipRepository) Get(id string) (*models.Membership, error) {
	m, err := r.getWhere(r.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("membership not found: %s", id)
	}
	return m, nil
}

// GetByPair retrieves the membership for (playlist, track), or nil.
func (r *MembershipRepository) GetByPair(q Querier, playlistID, trackID string) (*models.Membership, error) {
	return r.getWhere(r.q(q), "playlist_id = ? AND track_id = ?", playlistID, trackID)
}

// ListByPlaylist retrieves all memberships of a playlist in declared order.
func (r *MembershipRepository) ListByPlaylist(playlistID string) ([]*models.Membership, error) {
	return r.listWhere(r.db, "playlist_id = ?", playlistID)
}

// ListByTrack retrieves all memberships referencing a track.
func (r *MembershipRepository) ListByTrack(trackID string) ([]*models.Membership, error) {
	return r.listWhere(r.db, "track_id = ?", trackID)
}

// PrimaryForTrack returns the single membership holding the track's primary
// file, nil when the track has none yet, or [shared.ErrPrimaryConflict] when
// more than one membership claims it. The conflict is an integrity failure:
// the caller must exclude the track from the run rather than guess.
func (r *MembershipRepository) PrimaryForTrack(trackID string) (*models.Membership, error) {
	memberships, err := r.listWhere(r.db, "track_id = ? AND is_primary = 1", trackID)
	if err != nil {
		return nil, err
	}
	switch len(memberships) {
	case 0:
		return nil, nil
	case 1:
		return memberships[0], nil
	}
	return nil, fmt.Errorf("%w: track %s has %d primary memberships", shared.ErrPrimaryConflict, trackID, len(memberships))
}

func (r *MembershipRepository) getWhere(q Querier, where string, args ...any) (*models.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE ` + where + ` LIMIT 1`
	row := q.QueryRow(query, args...)

	m, err := scanMembership(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan membership: %w", err)
	}
	return m, nil
}

func (r *MembershipRepository) listWhere(q Querier, where string, args ...any) ([]*models.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE ` + where + ` ORDER BY position ASC, created_at ASC`
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*models.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return memberships, nil
}

func scanMembership(scan func(...any) error) (*models.Membership, error) {
	var (
		m          models.Membership
		declaredAt sql.NullTime
		localAt    sql.NullTime
		catalogAt  sql.NullTime
	)

	err := scan(
		&m.ID, &m.PlaylistID, &m.TrackID, &m.Position,
		&m.DeclaredRemote, &declaredAt,
		&m.ObservedLocal, &localAt,
		&m.ObservedCatalog, &catalogAt,
		&m.IsPrimary, &m.LinkPath, &m.LinkValid, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.DeclaredRemoteAt = timePtr(declaredAt)
	m.ObservedLocalAt = timePtr(localAt)
	m.ObservedCatalogAt = timePtr(catalogAt)

	return &m, nil
}

// SyncState is one joined (membership, track, playlist) row: the unit the
// resolver and decision engine reason over.
type SyncState struct {
	Membership models.Membership
	Track      models.Track
	Playlist   models.Playlist
}

// ListSyncStates returns every membership joined with its track and
// playlist, ordered by playlist name then declared position. The ordering is
// deterministic so repeated runs see rows in the same sequence.
func (r *MembershipRepository) ListSyncStates() ([]SyncState, error) {
	query := `
		SELECT
			` + prefixColumns(membershipColumns, "m") + `,
			` + prefixColumns(trackColumns, "t") + `,
			` + prefixColumns(playlistColumns, "p") + `
		FROM memberships m
		JOIN tracks t ON t.id = m.track_id
		JOIN playlists p ON p.id = m.playlist_id
		ORDER BY p.name ASC, p.remote_id ASC, m.position ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return states, nil
}

func scanSyncState(rows *sql.Rows) (*SyncState, error) {
	var (
		s SyncState

		mDeclaredAt, mLocalAt, mCatalogAt sql.NullTime

		tRemoteID, tFingerprint             sql.NullString
		tStatus                             string
		tDownloadedAt, tVerifiedAt, tSeenAt sql.NullTime

		pStatus                             string
		pDeclaredAt, pReconciledAt, pSeenAt sql.NullTime
	)

	err := rows.Scan(
		&s.Membership.ID, &s.Membership.PlaylistID, &s.Membership.TrackID, &s.Membership.Position,
		&s.Membership.DeclaredRemote, &mDeclaredAt,
		&s.Membership.ObservedLocal, &mLocalAt,
		&s.Membership.ObservedCatalog, &mCatalogAt,
		&s.Membership.IsPrimary, &s.Membership.LinkPath, &s.Membership.LinkValid,
		&s.Membership.CreatedAt, &s.Membership.UpdatedAt,

		&s.Track.ID, &s.Track.Sequence, &tRemoteID, &tFingerprint, &s.Track.Title, &s.Track.Artist,
		&s.Track.Album, &s.Track.Duration, &s.Track.Explicit, &s.Track.Quality, &s.Track.ISRC,
		&s.Track.NormalizedName, &tStatus, &s.Track.DownloadError, &s.Track.PrimaryPath,
		&s.Track.FileHash, &s.Track.FileSize, &s.Track.FileFormat,
		&tDownloadedAt, &tVerifiedAt, &tSeenAt, &s.Track.CreatedAt, &s.Track.UpdatedAt,

		&s.Playlist.ID, &s.Playlist.Sequence, &s.Playlist.RemoteID, &s.Playlist.Name,
		&s.Playlist.Description, &s.Playlist.TrackCount, &s.Playlist.Directory, &pStatus,
		&pDeclaredAt, &pReconciledAt, &pSeenAt, &s.Playlist.CreatedAt, &s.Playlist.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync state: %w", err)
	}

	s.Membership.DeclaredRemoteAt = timePtr(mDeclaredAt)
	s.Membership.ObservedLocalAt = timePtr(mLocalAt)
	s.Membership.ObservedCatalogAt = timePtr(mCatalogAt)

	s.Track.RemoteID = tRemoteID.String
	s.Track.Fingerprint = tFingerprint.String
	s.Track.DownloadStatus = models.DownloadStatus(tStatus)
	s.Track.DownloadedAt = timePtr(tDownloadedAt)
	s.Track.LastVerifiedAt = timePtr(tVerifiedAt)
	s.Track.LastSeenRemote = timePtr(tSeenAt)

	s.Playlist.SyncStatus = models.PlaylistSyncStatus(pStatus)
	s.Playlist.LastDeclaredAt = timePtr(pDeclaredAt)
	s.Playlist.LastReconciledAt = timePtr(pReconciledAt)
	s.Playlist.LastSeenRemote = timePtr(pSeenAt)

	return &s, nil
}
