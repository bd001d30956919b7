package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/repositories"
	"github.com/ferndale/cratesync/internal/services"
	"github.com/ferndale/cratesync/internal/shared"
)

// ScanResult contains per-run statistics from a filesystem scan pass.
type ScanResult struct {
	PlaylistsScanned int      `json:"playlists_scanned"`
	FilesSeen        int      `json:"files_seen"`
	FilesMatched     int      `json:"files_matched"`
	FilesHashed      int      `json:"files_hashed"`
	BrokenLinks      int      `json:"broken_links"`
	Orphans          []string `json:"orphans,omitempty"`
	Duplicates       []string `json:"duplicates,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// ScanLocal ingests the observed filesystem state. Every playlist directory
// is listed; each file is identified by stored path, then embedded tags,
// then fuzzy name matching. Orphans and duplicates are reported, never
// deleted. Each playlist's observations commit in their own transaction.
func (e *SyncEngine) ScanLocal(ctx context.Context, progress chan<- ProgressUpdate) (*ScanResult, error) {
	if e.prober == nil {
		return nil, fmt.Errorf("%w: filesystem prober not initialized", shared.ErrServiceUnavailable)
	}

	playlists, err := e.playlists.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list playlists: %w", err)
	}

	// The fuzzy rung compares against every known track; load once per pass.
	known, err := e.tracks.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	result := &ScanResult{}
	now := time.Now().UTC()

	for i, p := range playlists {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		e.sendProgress(progress, scanningPlaylistUpdate(i+1, len(playlists), p.Name))

		if err := e.scanPlaylist(p, known, now, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("playlist %s: %v", p.Name, err))
			e.logger.Warn("playlist scan failed", "playlist", p.Name, "error", err)
			continue
		}
		result.PlaylistsScanned++
	}

	e.logger.Info("local scan complete",
		"playlists", result.PlaylistsScanned,
		"files", result.FilesSeen,
		"matched", result.FilesMatched,
		"hashed", result.FilesHashed,
		"orphans", len(result.Orphans),
		"broken_links", result.BrokenLinks,
	)
	return result, nil
}

func (e *SyncEngine) scanPlaylist(p *models.Playlist, known []*models.Track, now time.Time, result *ScanResult) error {
	dir := filepath.Join(e.cfg.PlaylistsRoot(), p.Directory)

	files, err := e.prober.ListAudioFiles(dir)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)

	for _, f := range files {
		result.FilesSeen++

		track := e.identify(f, known)
		if track == nil {
			result.Orphans = append(result.Orphans, e.relPath(f.Path))
			if f.IsLink && f.Target == "" {
				result.BrokenLinks++
			}
			continue
		}

		result.FilesMatched++
		seen[track.ID] = true

		if err := e.recordObservation(p, track, f, now, result); err != nil {
			return err
		}
	}

	return e.clearMissing(p, seen, now)
}

// recordObservation commits one file's observed state in one transaction.
func (e *SyncEngine) recordObservation(p *models.Playlist, track *models.Track, f services.AudioFile, now time.Time, result *ScanResult) error {
	rel := e.relPath(f.Path)

	return repositories.WithTx(e.db, func(tx *sql.Tx) error {
		if err := e.memberships.SetPresence(tx, p.ID, track.ID, models.SourceLocal, true, now); err != nil {
			return err
		}

		m, err := e.memberships.GetByPair(tx, p.ID, track.ID)
		if err != nil {
			return err
		}

		if f.IsLink {
			valid := f.Target != ""
			if !valid {
				result.BrokenLinks++
			}
			if !m.IsPrimary {
				return e.memberships.SetLink(tx, m.ID, rel, valid, now)
			}
			return nil
		}

		switch {
		case track.PrimaryPath == "":
			// Bytes the store did not know about: claim them.
			hash, err := shared.HashFile(f.Path)
			if err != nil {
				return err
			}
			result.FilesHashed++
			format := strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Path)), ".")
			if err := e.tracks.MarkDownloaded(tx, track.ID, rel, hash, f.Size, format, now); err != nil {
				return err
			}
			track.PrimaryPath = rel
			track.DownloadStatus = models.DownloadComplete
			return e.memberships.SetPrimary(tx, m.ID, true, now)

		case track.PrimaryPath == rel:
			if staleHash(track, f) {
				hash, err := shared.HashFile(f.Path)
				if err != nil {
					return err
				}
				result.FilesHashed++
				if err := e.tracks.Verify(tx, track.ID, hash, f.Size, now); err != nil {
					return err
				}
			}
			if !m.IsPrimary {
				return e.memberships.SetPrimary(tx, m.ID, true, now)
			}
			return nil

		default:
			// A second full copy outside the primary location.
			result.Duplicates = append(result.Duplicates, rel)
			return nil
		}
	})
}

// clearMissing drops observed_local for memberships whose file disappeared
// and resets tracks whose primary bytes vanished from their playlist.
func (e *SyncEngine) clearMissing(p *models.Playlist, seen map[string]bool, now time.Time) error {
	memberships, err := e.memberships.ListByPlaylist(p.ID)
	if err != nil {
		return err
	}

	return repositories.WithTx(e.db, func(tx *sql.Tx) error {
		for _, m := range memberships {
			if !m.ObservedLocal || seen[m.TrackID] {
				continue
			}

			if err := e.memberships.SetPresence(tx, p.ID, m.TrackID, models.SourceLocal, false, now); err != nil {
				return err
			}

			if m.LinkPath != "" && m.LinkValid {
				if err := e.memberships.SetLink(tx, m.ID, m.LinkPath, false, now); err != nil {
					return err
				}
			}

			if m.IsPrimary {
				track, err := e.tracks.Get(m.TrackID)
				if err != nil {
					return err
				}
				if track.Downloaded() {
					if err := e.tracks.MarkFileMissing(tx, track.ID, now); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// identify walks the identification ladder: stored primary path, link path,
// embedded tags, then fuzzy name match against every known track.
func (e *SyncEngine) identify(f services.AudioFile, known []*models.Track) *models.Track {
	rel := e.relPath(f.Path)

	if t, err := e.tracks.GetByPrimaryPath(rel); err == nil && t != nil {
		return t
	}
	if f.IsLink && f.Target != "" {
		if t, err := e.tracks.GetByPrimaryPath(e.relPath(f.Target)); err == nil && t != nil {
			return t
		}
	}

	normalized := e.normalizedNameFor(f)
	if normalized == "" {
		return nil
	}

	if t, err := e.tracks.GetByNormalizedName(normalized); err == nil && t != nil {
		return t
	}

	return fuzzyMatch(normalized, known, e.fuzzyThreshold())
}

// normalizedNameFor derives the canonical name from embedded tags, falling
// back to the "Artist - Title" filename convention.
func (e *SyncEngine) normalizedNameFor(f services.AudioFile) string {
	if !f.IsLink {
		if tags, err := e.prober.ReadTags(f.Path); err == nil && tags.Title != "" {
			return shared.NormalizeTrackName(tags.Title, tags.Artist)
		}
	}

	base := strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
	if artist, title, ok := strings.Cut(base, " - "); ok {
		return shared.NormalizeTrackName(title, artist)
	}
	return shared.NormalizeTrackName(base, "")
}

// fuzzyMatch returns the best-scoring track at or above threshold. Ties go
// to the lowest sequence so repeated scans pick the same track.
func fuzzyMatch(normalized string, known []*models.Track, threshold int) *models.Track {
	var (
		best      *models.Track
		bestScore int
	)
	for _, t := range known {
		score := shared.Similarity(normalized, t.NormalizedName)
		if score < threshold {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && t.Sequence < best.Sequence) {
			best = t
			bestScore = score
		}
	}
	return best
}

// staleHash reports whether the primary file needs rehashing: never hashed,
// or modified since the last verification.
func staleHash(track *models.Track, f services.AudioFile) bool {
	if track.FileHash == "" || track.LastVerifiedAt == nil {
		return true
	}
	return f.ModTime.After(*track.LastVerifiedAt)
}

func (e *SyncEngine) relPath(path string) string {
	rel, err := filepath.Rel(e.cfg.Library.MusicRoot, path)
	if err != nil {
		return path
	}
	return rel
}

func (e *SyncEngine) absPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(e.cfg.Library.MusicRoot, rel)
}

func (e *SyncEngine) fuzzyThreshold() int {
	if e.cfg.Sync.FuzzyThreshold <= 0 {
		return 80
	}
	return e.cfg.Sync.FuzzyThreshold
}
