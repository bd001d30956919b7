package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/repositories"
	"github.com/ferndale/cratesync/internal/shared"
)

// playlistsDir is the per-playlist folder root relative to the music root.
const playlistsDir = "Playlists"

// Action priorities. Higher runs first.
const (
	priorityDownload = 10
	priorityMove     = 9
	priorityRemove   = 8
	priorityLink     = 6
	priorityRetry    = 5
)

// PlanOpts tunes the pure decision function.
type PlanOpts struct {
	// DefaultFormat names the audio format assumed for not-yet-downloaded
	// tracks when building target paths.
	DefaultFormat string
	// RetryCooldown is how long an errored download stays ineligible,
	// measured from the track's last verification time.
	RetryCooldown time.Duration
	// Now anchors all cooldown comparisons so the plan is reproducible.
	Now time.Time
}

// BuildPlan is the decision engine: a pure function from store state to an
// ordered action list. It performs no I/O and consults nothing but its
// arguments.
//
// A track gets at most one byte-level action per run (download or move);
// link creation and removal for its other memberships wait for the next run
// so two operations never race on one file. Tracks with conflicting primary
// claims are excluded entirely. Orphan files are reported by the scanner
// but never scheduled for removal without explicit confirmation.
func BuildPlan(states []repositories.SyncState, opts PlanOpts) []models.SyncAction {
	var actions []models.SyncAction

	for _, group := range groupByTrack(states) {
		if primaryCount(group) > 1 {
			continue
		}
		actions = append(actions, planTrack(group, opts)...)
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority > actions[j].Priority
	})
	return actions
}

func planTrack(group []repositories.SyncState, opts PlanOpts) []models.SyncAction {
	track := group[0].Track
	elected := electPrimary(group)

	if !track.Downloaded() {
		if a := planDownload(track, elected, opts); a != nil {
			return []models.SyncAction{*a}
		}
		return nil
	}

	if elected != nil {
		electedDir := filepath.Join(playlistsDir, elected.Playlist.Directory)
		if filepath.Dir(track.PrimaryPath) != electedDir {
			return []models.SyncAction{{
				Kind:         models.ActionMoveFile,
				TrackID:      track.ID,
				MembershipID: elected.Membership.ID,
				PlaylistID:   elected.Playlist.ID,
				SourcePath:   track.PrimaryPath,
				TargetPath:   filepath.Join(electedDir, filepath.Base(track.PrimaryPath)),
				Priority:     priorityMove,
				Reason:       fmt.Sprintf("primary ownership moved to %q", elected.Playlist.Name),
			}}
		}
	}

	var actions []models.SyncAction
	for _, s := range group {
		if a := planMembership(s, track); a != nil {
			actions = append(actions, *a)
		}
	}
	return actions
}

// planDownload schedules fetching the track's bytes into its elected
// primary location. Errored downloads re-enter the queue at low priority
// once the cooldown has elapsed.
func planDownload(track models.Track, elected *repositories.SyncState, opts PlanOpts) *models.SyncAction {
	if elected == nil || track.DownloadStatus == models.DownloadInProgress {
		return nil
	}

	priority := priorityDownload
	reason := fmt.Sprintf("declared in %q, not on disk", elected.Playlist.Name)

	if track.DownloadStatus == models.DownloadError {
		if track.LastVerifiedAt != nil && opts.Now.Sub(*track.LastVerifiedAt) < opts.RetryCooldown {
			return nil
		}
		priority = priorityRetry
		reason = fmt.Sprintf("retrying after error: %s", track.DownloadError)
	}

	dir := filepath.Join(playlistsDir, elected.Playlist.Directory)
	return &models.SyncAction{
		Kind:         models.ActionDownloadTrack,
		TrackID:      track.ID,
		MembershipID: elected.Membership.ID,
		PlaylistID:   elected.Playlist.ID,
		TargetPath:   filepath.Join(dir, trackFileName(track, opts.DefaultFormat)),
		Priority:     priority,
		Reason:       reason,
	}
}

// planMembership covers the link bookkeeping of one non-primary membership
// of a downloaded track.
func planMembership(s repositories.SyncState, track models.Track) *models.SyncAction {
	m := s.Membership
	if m.IsPrimary {
		return nil
	}

	if !liveDeclared(s) {
		// The link is always removable: the primary bytes live elsewhere.
		if m.ObservedLocal && m.LinkPath != "" {
			return &models.SyncAction{
				Kind:         models.ActionRemoveFile,
				TrackID:      track.ID,
				MembershipID: m.ID,
				PlaylistID:   s.Playlist.ID,
				SourcePath:   m.LinkPath,
				Priority:     priorityRemove,
				Reason:       fmt.Sprintf("no longer declared in %q", s.Playlist.Name),
			}
		}
		return nil
	}

	if m.LinkPath == "" || !m.LinkValid {
		dir := filepath.Join(playlistsDir, s.Playlist.Directory)
		reason := fmt.Sprintf("declared in %q, link missing", s.Playlist.Name)
		if m.LinkPath != "" {
			reason = fmt.Sprintf("declared in %q, link broken", s.Playlist.Name)
		}
		return &models.SyncAction{
			Kind:         models.ActionCreateLink,
			TrackID:      track.ID,
			MembershipID: m.ID,
			PlaylistID:   s.Playlist.ID,
			SourcePath:   track.PrimaryPath,
			TargetPath:   filepath.Join(dir, filepath.Base(track.PrimaryPath)),
			Priority:     priorityLink,
			Reason:       reason,
		}
	}
	return nil
}

// trackFileName builds the deterministic "Artist - Title.ext" file name.
func trackFileName(t models.Track, defaultFormat string) string {
	format := t.FileFormat
	if format == "" {
		format = defaultFormat
	}
	if format == "" {
		format = "mp3"
	}

	name := t.Title
	if t.Artist != "" {
		name = t.Artist + " - " + t.Title
	}
	return shared.SanitizeName(name) + "." + format
}

// PlaylistStatuses rolls the plan up into a per-playlist sync status.
// Playlists flagged for removal keep that status; otherwise a pending
// download marks needs_download, any other action needs_update, and a
// playlist with no actions is in_sync.
func PlaylistStatuses(states []repositories.SyncState, actions []models.SyncAction) map[string]models.PlaylistSyncStatus {
	statuses := make(map[string]models.PlaylistSyncStatus)
	for _, s := range states {
		if s.Playlist.SyncStatus == models.PlaylistNeedsRemoval {
			statuses[s.Playlist.ID] = models.PlaylistNeedsRemoval
		} else if _, ok := statuses[s.Playlist.ID]; !ok {
			statuses[s.Playlist.ID] = models.PlaylistInSync
		}
	}

	for _, a := range actions {
		if a.PlaylistID == "" || statuses[a.PlaylistID] == models.PlaylistNeedsRemoval {
			continue
		}
		if a.Kind == models.ActionDownloadTrack {
			statuses[a.PlaylistID] = models.PlaylistNeedsDownload
		} else if statuses[a.PlaylistID] != models.PlaylistNeedsDownload {
			statuses[a.PlaylistID] = models.PlaylistNeedsUpdate
		}
	}
	return statuses
}

// SyncPlan is one run's ordered action list with the playlist statuses it
// implies.
type SyncPlan struct {
	GeneratedAt time.Time                            `json:"generated_at"`
	Actions     []models.SyncAction                  `json:"actions"`
	Statuses    map[string]models.PlaylistSyncStatus `json:"statuses"`
}

// Plan loads the current store state, runs the decision engine, and
// persists the implied playlist statuses.
func (e *SyncEngine) Plan(ctx context.Context, progress chan<- ProgressUpdate) (*SyncPlan, error) {
	now := time.Now().UTC()

	// A run that died mid-download leaves its claim behind. Flag claims older
	// than the stale-lock horizon as errored so they are planned again instead
	// of being skipped as in-flight forever.
	if n, err := e.tracks.ResetStaleDownloads(nil, now.Add(-staleLockAge), now); err != nil {
		return nil, err
	} else if n > 0 {
		e.logger.Warn("rescheduling interrupted downloads", "tracks", n)
	}

	states, err := e.memberships.ListSyncStates()
	if err != nil {
		return nil, fmt.Errorf("failed to load sync states: %w", err)
	}
	actions := BuildPlan(states, PlanOpts{
		DefaultFormat: e.cfg.Library.Format,
		RetryCooldown: e.retryCooldown(),
		Now:           now,
	})
	statuses := PlaylistStatuses(states, actions)

	current := make(map[string]models.PlaylistSyncStatus)
	for _, s := range states {
		current[s.Playlist.ID] = s.Playlist.SyncStatus
	}

	err = repositories.WithTx(e.db, func(tx *sql.Tx) error {
		for id, status := range statuses {
			if current[id] == status {
				continue
			}
			if err := e.playlists.SetSyncStatus(tx, id, status, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist playlist statuses: %w", err)
	}

	e.sendProgress(progress, planningUpdate(len(actions)))
	e.logger.Info("plan built", "actions", len(actions))

	return &SyncPlan{GeneratedAt: now, Actions: actions, Statuses: statuses}, nil
}
