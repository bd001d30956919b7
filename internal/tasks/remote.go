package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/repositories"
	"github.com/ferndale/cratesync/internal/services"
	"github.com/ferndale/cratesync/internal/shared"
	"golang.org/x/time/rate"
)

// RemoteFetchResult contains per-run statistics from a remote ingest pass.
type RemoteFetchResult struct {
	PlaylistsSeen    int      `json:"playlists_seen"`
	PlaylistsUpdated int      `json:"playlists_updated"`
	PlaylistsSkipped int      `json:"playlists_skipped"`
	PlaylistsFailed  int      `json:"playlists_failed"`
	PlaylistsRemoved int      `json:"playlists_removed"`
	TracksDeclared   int      `json:"tracks_declared"`
	Errors           []string `json:"errors,omitempty"`
}

// FetchRemote ingests the declared remote state: every playlist the catalog
// reports, with full track lists for playlists whose declared modification
// time moved past the stored one. Each playlist's track list is committed in
// its own transaction, so one failure never rolls back another playlist.
//
// The removal-marking set includes every identifier the listing returned,
// even for playlists whose track fetch failed. A transient per-playlist
// error must never flag a live playlist for removal.
func (e *SyncEngine) FetchRemote(ctx context.Context, progress chan<- ProgressUpdate) (*RemoteFetchResult, error) {
	if e.catalog == nil {
		return nil, fmt.Errorf("%w: catalog client not initialized", shared.ErrServiceUnavailable)
	}

	e.sendProgress(progress, listingPlaylistsUpdate())

	remotes, err := e.catalog.ListPlaylists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote playlists: %w", err)
	}

	result := &RemoteFetchResult{PlaylistsSeen: len(remotes)}
	limiter := rate.NewLimiter(rate.Limit(e.rateLimit()), 1)
	now := time.Now().UTC()

	listedIDs := make([]string, 0, len(remotes))
	for _, rp := range remotes {
		listedIDs = append(listedIDs, rp.ID)
	}

	for i, rp := range remotes {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		existing, err := e.playlists.GetByRemoteID(rp.ID)
		if err != nil {
			result.PlaylistsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("playlist %s: %v", rp.ID, err))
			continue
		}

		if unchanged(existing, rp) {
			result.PlaylistsSkipped++
			e.sendProgress(progress, skippedPlaylistUpdate(i+1, len(remotes), rp.Name))

			if err := e.touchPlaylist(existing, rp, now); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("playlist %s: %v", rp.ID, err))
			}
			continue
		}

		e.sendProgress(progress, fetchingPlaylistUpdate(i+1, len(remotes), rp.Name))

		if err := limiter.Wait(ctx); err != nil {
			return result, err
		}

		tracks, err := e.catalog.ListTracks(ctx, rp.ID)
		if err != nil {
			result.PlaylistsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("playlist %s: %v", rp.ID, err))
			e.sendProgress(progress, fetchFailedUpdate(i+1, len(remotes), rp.Name, err))
			e.logger.Warn("playlist fetch failed", "playlist", rp.Name, "error", err)
			continue
		}

		if err := e.ingestPlaylist(rp, tracks, now); err != nil {
			result.PlaylistsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("playlist %s: %v", rp.ID, err))
			e.logger.Warn("playlist ingest failed", "playlist", rp.Name, "error", err)
			continue
		}

		result.PlaylistsUpdated++
		result.TracksDeclared += len(tracks)
	}

	removed, err := e.playlists.MarkAbsent(nil, listedIDs, now)
	if err != nil {
		return result, fmt.Errorf("failed to mark absent playlists: %w", err)
	}
	result.PlaylistsRemoved = removed

	e.logger.Info("remote fetch complete",
		"seen", result.PlaylistsSeen,
		"updated", result.PlaylistsUpdated,
		"skipped", result.PlaylistsSkipped,
		"failed", result.PlaylistsFailed,
		"removed", result.PlaylistsRemoved,
	)
	return result, nil
}

// unchanged reports whether the declared modification time has not moved
// past the stored last_declared_at. A zero modified_at always refetches.
func unchanged(existing *models.Playlist, rp services.RemotePlaylist) bool {
	if existing == nil || existing.LastDeclaredAt == nil || rp.ModifiedAt.IsZero() {
		return false
	}
	return !rp.ModifiedAt.After(*existing.LastDeclaredAt)
}

// touchPlaylist refreshes last_seen_remote on a skipped playlist so the
// removal marker still counts it as observed. A playlist flagged for
// removal that shows up in the listing again is reinstated.
func (e *SyncEngine) touchPlaylist(existing *models.Playlist, rp services.RemotePlaylist, now time.Time) error {
	return repositories.WithTx(e.db, func(tx *sql.Tx) error {
		existing.Name = rp.Name
		existing.LastSeenRemote = &now
		if _, err := e.playlists.Upsert(tx, existing); err != nil {
			return err
		}
		if existing.SyncStatus == models.PlaylistNeedsRemoval {
			return e.playlists.SetSyncStatus(tx, existing.ID, models.PlaylistUnknown, now)
		}
		return nil
	})
}

// ingestPlaylist commits one playlist's declared state as a single unit:
// the playlist row, every declared track, every presence flag and position,
// and the clearing of declarations the remote no longer makes.
func (e *SyncEngine) ingestPlaylist(rp services.RemotePlaylist, remoteTracks []services.RemoteTrack, now time.Time) error {
	declaredAt := rp.ModifiedAt
	if declaredAt.IsZero() {
		declaredAt = now
	}

	return repositories.WithTx(e.db, func(tx *sql.Tx) error {
		playlist, err := e.playlists.Upsert(tx, &models.Playlist{
			RemoteID:       rp.ID,
			Name:           rp.Name,
			Description:    rp.Description,
			TrackCount:     len(remoteTracks),
			LastDeclaredAt: &declaredAt,
			LastSeenRemote: &now,
		})
		if err != nil {
			return err
		}

		// A re-declared playlist is alive again: the removal flag must not
		// survive, or its memberships could never win primary election and
		// their valid links would be scheduled for removal.
		if playlist.SyncStatus == models.PlaylistNeedsRemoval {
			if err := e.playlists.SetSyncStatus(tx, playlist.ID, models.PlaylistUnknown, now); err != nil {
				return err
			}
			playlist.SyncStatus = models.PlaylistUnknown
		}

		keep := make([]string, 0, len(remoteTracks))
		for _, rt := range remoteTracks {
			track, err := e.tracks.Upsert(tx, &models.Track{
				RemoteID:       rt.ID,
				Title:          rt.Title,
				Artist:         rt.Artist,
				Album:          rt.Album,
				Duration:       rt.Duration,
				Explicit:       rt.Explicit,
				Quality:        rt.Quality,
				ISRC:           rt.ISRC,
				LastSeenRemote: &now,
			})
			if err != nil {
				return fmt.Errorf("track %s: %w", rt.ID, err)
			}
			keep = append(keep, track.ID)

			if err := e.memberships.SetPresence(tx, playlist.ID, track.ID, models.SourceRemote, true, now); err != nil {
				return fmt.Errorf("track %s: %w", rt.ID, err)
			}

			m, err := e.memberships.GetByPair(tx, playlist.ID, track.ID)
			if err != nil {
				return fmt.Errorf("track %s: %w", rt.ID, err)
			}
			if err := e.memberships.SetPosition(tx, m.ID, rt.Position, now); err != nil {
				return fmt.Errorf("track %s: %w", rt.ID, err)
			}
		}

		if _, err := e.memberships.ClearRemoteExcept(tx, playlist.ID, keep, now); err != nil {
			return err
		}
		return nil
	})
}

func (e *SyncEngine) rateLimit() float64 {
	if e.cfg.Sync.RateLimit <= 0 {
		return 2.0
	}
	return e.cfg.Sync.RateLimit
}
