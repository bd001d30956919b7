package repositories

import (
	"errors"
	"testing"
	"time"

	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/shared"
	tu "github.com/ferndale/cratesync/internal/testing"
)

func seedPlaylist(t *testing.T, repo *PlaylistRepository, remoteID, name string, seen bool) *models.Playlist {
	t.Helper()

	p := &models.Playlist{RemoteID: remoteID, Name: name}
	if seen {
		now := time.Now().UTC()
		p.LastSeenRemote = &now
	}
	created, err := repo.Upsert(nil, p)
	if err != nil {
		t.Fatalf("failed to seed playlist %s: %v", name, err)
	}
	return created
}

func seedTrack(t *testing.T, repo *TrackRepository, remoteID, title, artist string) *models.Track {
	t.Helper()

	created, err := repo.Upsert(nil, &models.Track{RemoteID: remoteID, Title: title, Artist: artist})
	if err != nil {
		t.Fatalf("failed to seed track %s: %v", title, err)
	}
	return created
}

func TestTrackRepository(t *testing.T) {
	t.Run("matches by remote ID and merges", func(t *testing.T) {
		repo := NewTrackRepository(tu.NewTestDB(t))

		first, err := repo.Upsert(nil, &models.Track{RemoteID: "t1", Title: "One More Time", Artist: "Daft Punk"})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		second, err := repo.Upsert(nil, &models.Track{RemoteID: "t1", Title: "One More Time", Artist: "Daft Punk", Album: "Discovery"})
		if err != nil {
			t.Fatalf("second Upsert failed: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("remote ID match must return the same row")
		}
		if second.Album != "Discovery" {
			t.Errorf("album not merged: %+v", second)
		}

		// A later upsert with fewer attributes never erases known values.
		third, err := repo.Upsert(nil, &models.Track{RemoteID: "t1", Title: "One More Time", Artist: "Daft Punk"})
		if err != nil {
			t.Fatalf("third Upsert failed: %v", err)
		}
		if third.Album != "Discovery" {
			t.Errorf("merge erased album: %+v", third)
		}

		tracks, err := repo.List()
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(tracks) != 1 {
			t.Errorf("expected 1 track, got %d", len(tracks))
		}
	})

	t.Run("local discovery later claimed by remote identity", func(t *testing.T) {
		repo := NewTrackRepository(tu.NewTestDB(t))

		local, err := repo.Upsert(nil, &models.Track{Fingerprint: "abc123", Title: "Around the World", Artist: "Daft Punk"})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		remote, err := repo.Upsert(nil, &models.Track{RemoteID: "t2", Title: "Around the World", Artist: "Daft Punk"})
		if err != nil {
			t.Fatalf("remote Upsert failed: %v", err)
		}
		if remote.ID != local.ID {
			t.Errorf("normalized-name match must merge the local row")
		}
		if remote.RemoteID != "t2" || remote.Fingerprint != "abc123" {
			t.Errorf("identities not merged: %+v", remote)
		}
	})

	t.Run("remote identity is never stolen", func(t *testing.T) {
		repo := NewTrackRepository(tu.NewTestDB(t))

		a, err := repo.Upsert(nil, &models.Track{RemoteID: "a", Title: "Same Name", Artist: "Same Artist"})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		b, err := repo.Upsert(nil, &models.Track{RemoteID: "b", Title: "Same Name", Artist: "Same Artist"})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if a.ID == b.ID {
			t.Error("a track bound to one remote identity must not absorb another")
		}
	})

	t.Run("download lifecycle", func(t *testing.T) {
		repo := NewTrackRepository(tu.NewTestDB(t))
		track := seedTrack(t, repo, "t1", "Flashdance", "DJ Deep")
		now := time.Now().UTC()

		if err := repo.MarkDownloading(nil, track.ID, now); err != nil {
			t.Fatalf("MarkDownloading failed: %v", err)
		}
		got, _ := repo.Get(track.ID)
		if got.DownloadStatus != models.DownloadInProgress {
			t.Errorf("status = %s, want downloading", got.DownloadStatus)
		}

		if err := repo.MarkDownloaded(nil, track.ID, "Playlists/A/x.mp3", "hash", 42, "mp3", now); err != nil {
			t.Fatalf("MarkDownloaded failed: %v", err)
		}
		got, _ = repo.Get(track.ID)
		if !got.Downloaded() || got.FileHash != "hash" || got.FileSize != 42 {
			t.Errorf("download not recorded: %+v", got)
		}

		byPath, err := repo.GetByPrimaryPath("Playlists/A/x.mp3")
		if err != nil || byPath == nil || byPath.ID != track.ID {
			t.Errorf("GetByPrimaryPath failed: %v %+v", err, byPath)
		}

		if err := repo.MarkDownloadError(nil, track.ID, "boom", now); err != nil {
			t.Fatalf("MarkDownloadError failed: %v", err)
		}
		got, _ = repo.Get(track.ID)
		if got.DownloadStatus != models.DownloadError || got.DownloadError != "boom" {
			t.Errorf("error not recorded: %+v", got)
		}
		if got.LastVerifiedAt == nil {
			t.Error("error must stamp last_verified_at for the retry cooldown")
		}

		if err := repo.MarkFileMissing(nil, track.ID, now); err != nil {
			t.Fatalf("MarkFileMissing failed: %v", err)
		}
		got, _ = repo.Get(track.ID)
		if got.DownloadStatus != models.DownloadNotDownloaded || got.PrimaryPath != "" || got.FileHash != "" {
			t.Errorf("missing file not reset: %+v", got)
		}
	})

	t.Run("stale download claims are reset", func(t *testing.T) {
		repo := NewTrackRepository(tu.NewTestDB(t))
		now := time.Now().UTC()

		stale := seedTrack(t, repo, "t1", "Lost Run", "DJ Deep")
		if err := repo.MarkDownloading(nil, stale.ID, now.Add(-72*time.Hour)); err != nil {
			t.Fatalf("MarkDownloading failed: %v", err)
		}
		fresh := seedTrack(t, repo, "t2", "Live Run", "DJ Deep")
		if err := repo.MarkDownloading(nil, fresh.ID, now); err != nil {
			t.Fatalf("MarkDownloading failed: %v", err)
		}

		n, err := repo.ResetStaleDownloads(nil, now.Add(-2*time.Hour), now)
		if err != nil {
			t.Fatalf("ResetStaleDownloads failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 reset, got %d", n)
		}

		got, _ := repo.Get(stale.ID)
		if got.DownloadStatus != models.DownloadError || got.DownloadError == "" {
			t.Errorf("stale claim not errored: %+v", got)
		}
		if got.LastVerifiedAt != nil {
			t.Error("reset must not start a fresh retry cooldown")
		}

		got, _ = repo.Get(fresh.ID)
		if got.DownloadStatus != models.DownloadInProgress {
			t.Errorf("live claim must survive the reset: %+v", got)
		}
	})
}

func TestPlaylistRepository(t *testing.T) {
	t.Run("upsert derives a safe directory", func(t *testing.T) {
		repo := NewPlaylistRepository(tu.NewTestDB(t))

		p := seedPlaylist(t, repo, "r1", "House / Warmup: 2026", true)
		if p.Directory != "House - Warmup- 2026" {
			t.Errorf("unexpected directory %q", p.Directory)
		}
		if p.SyncStatus != models.PlaylistUnknown {
			t.Errorf("new playlist status = %s, want unknown", p.SyncStatus)
		}
	})

	t.Run("upsert updates by remote ID", func(t *testing.T) {
		repo := NewPlaylistRepository(tu.NewTestDB(t))

		first := seedPlaylist(t, repo, "r1", "Old Name", true)
		updated, err := repo.Upsert(nil, &models.Playlist{RemoteID: "r1", Name: "New Name", TrackCount: 9})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if updated.ID != first.ID || updated.Name != "New Name" || updated.TrackCount != 9 {
			t.Errorf("update lost identity or fields: %+v", updated)
		}
	})

	t.Run("mark absent flags only previously seen playlists", func(t *testing.T) {
		repo := NewPlaylistRepository(tu.NewTestDB(t))

		seedPlaylist(t, repo, "r1", "Alive", true)
		gone := seedPlaylist(t, repo, "r2", "Gone", true)
		seedPlaylist(t, repo, "r3", "Never Seen", false)

		count, err := repo.MarkAbsent(nil, []string{"r1"}, time.Now().UTC())
		if err != nil {
			t.Fatalf("MarkAbsent failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 flagged, got %d", count)
		}

		got, _ := repo.Get(gone.ID)
		if got.SyncStatus != models.PlaylistNeedsRemoval {
			t.Errorf("gone playlist status = %s", got.SyncStatus)
		}

		alive, _ := repo.GetByRemoteID("r1")
		if alive.SyncStatus == models.PlaylistNeedsRemoval {
			t.Error("observed playlist flagged for removal")
		}
		unseen, _ := repo.GetByRemoteID("r3")
		if unseen.SyncStatus == models.PlaylistNeedsRemoval {
			t.Error("never-seen playlist flagged for removal")
		}

		// Already-flagged playlists are not counted again.
		count, err = repo.MarkAbsent(nil, []string{"r1"}, time.Now().UTC())
		if err != nil {
			t.Fatalf("second MarkAbsent failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 on repeat, got %d", count)
		}
	})
}

func TestMembershipRepository(t *testing.T) {
	newStore := func(t *testing.T) (*MembershipRepository, *models.Playlist, *models.Track) {
		t.Helper()
		db := tu.NewTestDB(t)
		playlist := seedPlaylist(t, NewPlaylistRepository(db), "r1", "Alpha", true)
		track := seedTrack(t, NewTrackRepository(db), "t1", "Around the World", "Daft Punk")
		return NewMembershipRepository(db), playlist, track
	}

	t.Run("presence flags are independent and idempotent", func(t *testing.T) {
		repo, playlist, track := newStore(t)
		now := time.Now().UTC()

		for i := 0; i < 2; i++ {
			if err := repo.SetPresence(nil, playlist.ID, track.ID, models.SourceRemote, true, now); err != nil {
				t.Fatalf("SetPresence failed: %v", err)
			}
		}

		m, err := repo.GetByPair(nil, playlist.ID, track.ID)
		if err != nil || m == nil {
			t.Fatalf("GetByPair failed: %v", err)
		}
		if !m.DeclaredRemote || m.ObservedLocal || m.ObservedCatalog {
			t.Errorf("unexpected flags: %+v", m)
		}

		if err := repo.SetPresence(nil, playlist.ID, track.ID, models.SourceLocal, true, now); err != nil {
			t.Fatalf("SetPresence failed: %v", err)
		}
		m, _ = repo.GetByPair(nil, playlist.ID, track.ID)
		if !m.DeclaredRemote || !m.ObservedLocal {
			t.Errorf("setting one source touched another: %+v", m)
		}

		memberships, _ := repo.ListByTrack(track.ID)
		if len(memberships) != 1 {
			t.Errorf("repeated SetPresence created duplicates: %d rows", len(memberships))
		}
	})

	t.Run("primary flag clears link bookkeeping", func(t *testing.T) {
		repo, playlist, track := newStore(t)
		now := time.Now().UTC()

		m, err := repo.Ensure(nil, playlist.ID, track.ID)
		if err != nil {
			t.Fatalf("Ensure failed: %v", err)
		}

		if err := repo.SetLink(nil, m.ID, "Playlists/Alpha/x.mp3", true, now); err != nil {
			t.Fatalf("SetLink failed: %v", err)
		}
		if err := repo.SetPrimary(nil, m.ID, true, now); err != nil {
			t.Fatalf("SetPrimary failed: %v", err)
		}

		got, _ := repo.Get(m.ID)
		if !got.IsPrimary || got.LinkPath != "" {
			t.Errorf("primary must not carry a link path: %+v", got)
		}

		if err := repo.SetLink(nil, m.ID, "Playlists/Alpha/x.mp3", true, now); err != nil {
			t.Fatalf("SetLink failed: %v", err)
		}
		got, _ = repo.Get(m.ID)
		if got.IsPrimary {
			t.Error("recording a link must demote the primary flag")
		}
	})

	t.Run("clear remote except declared survivors", func(t *testing.T) {
		db := tu.NewTestDB(t)
		repo := NewMembershipRepository(db)
		tracks := NewTrackRepository(db)
		playlist := seedPlaylist(t, NewPlaylistRepository(db), "r1", "Alpha", true)
		keep := seedTrack(t, tracks, "t1", "Keep", "A")
		drop := seedTrack(t, tracks, "t2", "Drop", "B")
		now := time.Now().UTC()

		for _, tr := range []*models.Track{keep, drop} {
			if err := repo.SetPresence(nil, playlist.ID, tr.ID, models.SourceRemote, true, now); err != nil {
				t.Fatalf("SetPresence failed: %v", err)
			}
		}

		cleared, err := repo.ClearRemoteExcept(nil, playlist.ID, []string{keep.ID}, now)
		if err != nil {
			t.Fatalf("ClearRemoteExcept failed: %v", err)
		}
		if cleared != 1 {
			t.Errorf("expected 1 cleared, got %d", cleared)
		}

		kept, _ := repo.GetByPair(nil, playlist.ID, keep.ID)
		dropped, _ := repo.GetByPair(nil, playlist.ID, drop.ID)
		if !kept.DeclaredRemote || dropped.DeclaredRemote {
			t.Errorf("wrong rows cleared: keep=%v drop=%v", kept.DeclaredRemote, dropped.DeclaredRemote)
		}
	})

	t.Run("primary conflict is surfaced, not resolved", func(t *testing.T) {
		db := tu.NewTestDB(t)
		repo := NewMembershipRepository(db)
		playlists := NewPlaylistRepository(db)
		track := seedTrack(t, NewTrackRepository(db), "t1", "X", "Y")
		now := time.Now().UTC()

		alpha := seedPlaylist(t, playlists, "r1", "Alpha", true)
		beta := seedPlaylist(t, playlists, "r2", "Beta", true)

		if p, err := repo.PrimaryForTrack(track.ID); err != nil || p != nil {
			t.Fatalf("expected no primary yet, got %+v, %v", p, err)
		}

		for _, pl := range []*models.Playlist{alpha, beta} {
			m, err := repo.Ensure(nil, pl.ID, track.ID)
			if err != nil {
				t.Fatalf("Ensure failed: %v", err)
			}
			if err := repo.SetPrimary(nil, m.ID, true, now); err != nil {
				t.Fatalf("SetPrimary failed: %v", err)
			}
		}

		_, err := repo.PrimaryForTrack(track.ID)
		if !errors.Is(err, shared.ErrPrimaryConflict) {
			t.Fatalf("expected ErrPrimaryConflict, got %v", err)
		}
	})

	t.Run("sync states ordered by playlist name", func(t *testing.T) {
		db := tu.NewTestDB(t)
		repo := NewMembershipRepository(db)
		playlists := NewPlaylistRepository(db)
		track := seedTrack(t, NewTrackRepository(db), "t1", "X", "Y")
		now := time.Now().UTC()

		// Insert Beta first so ordering cannot come from insertion order.
		beta := seedPlaylist(t, playlists, "r2", "Beta", true)
		alpha := seedPlaylist(t, playlists, "r1", "Alpha", true)
		for _, pl := range []*models.Playlist{beta, alpha} {
			if err := repo.SetPresence(nil, pl.ID, track.ID, models.SourceRemote, true, now); err != nil {
				t.Fatalf("SetPresence failed: %v", err)
			}
		}

		states, err := repo.ListSyncStates()
		if err != nil {
			t.Fatalf("ListSyncStates failed: %v", err)
		}
		if len(states) != 2 {
			t.Fatalf("expected 2 states, got %d", len(states))
		}
		if states[0].Playlist.Name != "Alpha" || states[1].Playlist.Name != "Beta" {
			t.Errorf("wrong ordering: %s then %s", states[0].Playlist.Name, states[1].Playlist.Name)
		}
		if states[0].Track.ID != track.ID {
			t.Errorf("track not joined: %+v", states[0].Track)
		}
	})
}

func TestRunLock(t *testing.T) {
	t.Run("second acquire fails while held", func(t *testing.T) {
		lock := NewRunLock(tu.NewTestDB(t))

		if err := lock.Acquire("run1", time.Hour); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if err := lock.Acquire("run2", time.Hour); !errors.Is(err, shared.ErrRunActive) {
			t.Fatalf("expected ErrRunActive, got %v", err)
		}

		if err := lock.Release("run1"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if err := lock.Acquire("run2", time.Hour); err != nil {
			t.Fatalf("Acquire after release failed: %v", err)
		}
	})

	t.Run("stale lock is broken", func(t *testing.T) {
		lock := NewRunLock(tu.NewTestDB(t))

		if err := lock.Acquire("dead-run", time.Hour); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)

		if err := lock.Acquire("new-run", time.Millisecond); err != nil {
			t.Fatalf("stale lock not broken: %v", err)
		}
	})

	t.Run("release by non-holder is a no-op", func(t *testing.T) {
		lock := NewRunLock(tu.NewTestDB(t))

		if err := lock.Acquire("run1", time.Hour); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if err := lock.Release("someone-else"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if err := lock.Acquire("run2", time.Hour); !errors.Is(err, shared.ErrRunActive) {
			t.Fatalf("lock released by non-holder: %v", err)
		}
	})
}

func TestSyncRunRepository(t *testing.T) {
	t.Run("complete round trip", func(t *testing.T) {
		repo := NewSyncRunRepository(tu.NewTestDB(t))

		run, err := repo.Begin(time.Now().UTC())
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}

		run.Planned = 3
		run.Succeeded = 2
		run.Failed = 1
		run.CountsByKind["DOWNLOAD_TRACK"] = 3
		run.Errors = append(run.Errors, "DOWNLOAD_TRACK t9: network failure")

		if err := repo.Complete(run, time.Now().UTC()); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}

		runs, err := repo.List(5)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("expected 1 run, got %d", len(runs))
		}
		got := runs[0]
		if got.Planned != 3 || got.Succeeded != 2 || got.Failed != 1 {
			t.Errorf("counts lost: %+v", got)
		}
		if got.CountsByKind["DOWNLOAD_TRACK"] != 3 {
			t.Errorf("kind counts lost: %+v", got.CountsByKind)
		}
		if len(got.Errors) != 1 {
			t.Errorf("errors lost: %+v", got.Errors)
		}
		if got.CompletedAt == nil {
			t.Error("completion time missing")
		}
	})

	t.Run("records are append-only", func(t *testing.T) {
		repo := NewSyncRunRepository(tu.NewTestDB(t))

		run, err := repo.Begin(time.Now().UTC())
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if err := repo.Complete(run, time.Now().UTC()); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if err := repo.Complete(run, time.Now().UTC()); err == nil {
			t.Error("completing a finalized run must fail")
		}
	})

	t.Run("statistics roll up the store", func(t *testing.T) {
		db := tu.NewTestDB(t)
		repo := NewSyncRunRepository(db)
		tracks := NewTrackRepository(db)
		memberships := NewMembershipRepository(db)
		playlist := seedPlaylist(t, NewPlaylistRepository(db), "r1", "Alpha", true)
		now := time.Now().UTC()

		downloaded := seedTrack(t, tracks, "t1", "Done", "A")
		if err := tracks.MarkDownloaded(nil, downloaded.ID, "Playlists/Alpha/a.mp3", "h", 1, "mp3", now); err != nil {
			t.Fatalf("MarkDownloaded failed: %v", err)
		}
		errored := seedTrack(t, tracks, "t2", "Broken", "B")
		if err := tracks.MarkDownloadError(nil, errored.ID, "boom", now); err != nil {
			t.Fatalf("MarkDownloadError failed: %v", err)
		}

		m, err := memberships.Ensure(nil, playlist.ID, errored.ID)
		if err != nil {
			t.Fatalf("Ensure failed: %v", err)
		}
		if err := memberships.SetLink(nil, m.ID, "Playlists/Alpha/b.mp3", false, now); err != nil {
			t.Fatalf("SetLink failed: %v", err)
		}

		stats, err := repo.Stats()
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Playlists != 1 || stats.Tracks != 2 {
			t.Errorf("unexpected counts: %+v", stats)
		}
		if stats.TracksDownloaded != 1 || stats.TracksErrored != 1 {
			t.Errorf("unexpected track states: %+v", stats)
		}
		if stats.Memberships != 1 || stats.LinksBroken != 1 {
			t.Errorf("unexpected membership stats: %+v", stats)
		}
	})
}
