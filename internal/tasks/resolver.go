package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/repositories"
)

// ResolveResult contains statistics from a primary-election pass.
type ResolveResult struct {
	TracksConsidered int      `json:"tracks_considered"`
	PrimariesChanged int      `json:"primaries_changed"`
	Relocations      int      `json:"relocations"`
	Conflicts        []string `json:"conflicts,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// ResolvePrimaries ensures each track has exactly one primary storage
// location. Among memberships still declared by the remote source, the one
// whose playlist name sorts first lexicographically wins, with the remote
// identifier as tie-break, so repeated runs never flap the choice.
//
// When a track's bytes already live in a playlist that lost the election,
// the holder keeps the primary flag and the run counts a relocation; the
// decision engine turns that into a MOVE_FILE instead of a fresh download,
// and the flag follows the bytes once the move executes.
//
// A track with two primary claims is an integrity failure: it is recorded
// and excluded, never resolved by guessing.
func (e *SyncEngine) ResolvePrimaries(ctx context.Context, progress chan<- ProgressUpdate) (*ResolveResult, error) {
	states, err := e.memberships.ListSyncStates()
	if err != nil {
		return nil, fmt.Errorf("failed to load sync states: %w", err)
	}

	groups := groupByTrack(states)
	result := &ResolveResult{}
	now := time.Now().UTC()

	e.sendProgress(progress, resolvingUpdate(0, len(groups)))

	for _, group := range groups {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		result.TracksConsidered++
		track := group[0].Track

		if primaryCount(group) > 1 {
			msg := fmt.Sprintf("track %s (%s) has multiple primary claims", track.ID, track.Title)
			result.Conflicts = append(result.Conflicts, msg)
			e.logger.Error("primary conflict, track excluded from run", "track", track.Title, "id", track.ID)
			continue
		}

		elected := electPrimary(group)
		if elected == nil {
			continue
		}

		target := elected
		if track.Downloaded() {
			if holder := holderOfBytes(group, track.PrimaryPath); holder != nil {
				if holder.Membership.ID != elected.Membership.ID {
					result.Relocations++
					target = holder
				}
			}
		}

		changed, err := e.assignPrimary(group, target.Membership.ID, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("track %s: %v", track.ID, err))
			continue
		}
		if changed {
			result.PrimariesChanged++
		}
	}

	e.logger.Info("primary election complete",
		"tracks", result.TracksConsidered,
		"changed", result.PrimariesChanged,
		"relocations", result.Relocations,
		"conflicts", len(result.Conflicts),
	)
	return result, nil
}

// assignPrimary sets the primary flag on exactly one membership of the
// group, demoting the rest, in a single transaction. Returns whether any
// flag actually moved.
func (e *SyncEngine) assignPrimary(group []repositories.SyncState, membershipID string, now time.Time) (bool, error) {
	changed := false
	err := repositories.WithTx(e.db, func(tx *sql.Tx) error {
		for _, s := range group {
			want := s.Membership.ID == membershipID
			if s.Membership.IsPrimary == want {
				continue
			}
			if err := e.memberships.SetPrimary(tx, s.Membership.ID, want, now); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

// groupByTrack partitions states by track, preserving the deterministic
// playlist-name ordering within and across groups.
func groupByTrack(states []repositories.SyncState) [][]repositories.SyncState {
	byTrack := make(map[string][]repositories.SyncState)
	var order []string

	for _, s := range states {
		if _, ok := byTrack[s.Track.ID]; !ok {
			order = append(order, s.Track.ID)
		}
		byTrack[s.Track.ID] = append(byTrack[s.Track.ID], s)
	}

	groups := make([][]repositories.SyncState, 0, len(order))
	for _, id := range order {
		groups = append(groups, byTrack[id])
	}
	return groups
}

func primaryCount(group []repositories.SyncState) int {
	n := 0
	for _, s := range group {
		if s.Membership.IsPrimary {
			n++
		}
	}
	return n
}

// electPrimary picks the membership that should own the track's bytes: the
// first live declared membership in playlist-name order. Memberships of
// playlists flagged for removal never win.
func electPrimary(group []repositories.SyncState) *repositories.SyncState {
	for i := range group {
		if liveDeclared(group[i]) {
			return &group[i]
		}
	}
	return nil
}

// liveDeclared reports whether the remote source still asserts this
// membership through a playlist that is not pending removal.
func liveDeclared(s repositories.SyncState) bool {
	return s.Membership.DeclaredRemote && s.Playlist.SyncStatus != models.PlaylistNeedsRemoval
}

// holderOfBytes finds the membership whose playlist directory contains the
// track's primary file, if it is one of the group's playlists.
func holderOfBytes(group []repositories.SyncState, primaryPath string) *repositories.SyncState {
	dir := filepath.Dir(primaryPath)
	for i := range group {
		if filepath.Join(playlistsDir, group[i].Playlist.Directory) == dir {
			return &group[i]
		}
	}
	return nil
}
