package models

import (
	"fmt"
	"time"
)

// DownloadStatus tracks the lifecycle of a Track's audio bytes on disk.
type DownloadStatus string

const (
	DownloadNotDownloaded DownloadStatus = "not_downloaded"
	DownloadInProgress    DownloadStatus = "downloading"
	DownloadComplete      DownloadStatus = "downloaded"
	DownloadError         DownloadStatus = "error"
)

// PlaylistSyncStatus summarizes how far a playlist has diverged from its declared state.
type PlaylistSyncStatus string

const (
	PlaylistInSync        PlaylistSyncStatus = "in_sync"
	PlaylistNeedsDownload PlaylistSyncStatus = "needs_download"
	PlaylistNeedsUpdate   PlaylistSyncStatus = "needs_update"
	PlaylistNeedsRemoval  PlaylistSyncStatus = "needs_removal"
	PlaylistUnknown       PlaylistSyncStatus = "unknown"
)

// PresenceSource identifies which external snapshot asserted a membership.
type PresenceSource string

const (
	SourceRemote  PresenceSource = "declared_remote"
	SourceLocal   PresenceSource = "observed_local"
	SourceCatalog PresenceSource = "observed_catalog"
)

// Track is a unique piece of audio across the remote catalog, the local
// filesystem, and the DJ catalog. Identity is the remote catalog ID when one
// exists, otherwise a content fingerprint for locally discovered files.
//
// Tracks are never hard-deleted; removal from the remote source is recorded
// on the memberships instead so history survives.
type Track struct {
	ID       string
	Sequence int

	RemoteID    string
	Fingerprint string

	Title          string
	Artist         string
	Album          string
	Duration       int // seconds
	Explicit       bool
	Quality        string // e.g. LOSSLESS, HI_RES
	ISRC           string
	NormalizedName string

	DownloadStatus DownloadStatus
	DownloadError  string
	PrimaryPath    string // relative to the music root; empty until downloaded
	FileHash       string // SHA-256 of the primary file
	FileSize       int64
	FileFormat     string

	DownloadedAt   *time.Time
	LastVerifiedAt *time.Time
	LastSeenRemote *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that the track carries an identity and enough metadata to act on.
func (t *Track) Validate() error {
	if t.RemoteID == "" && t.Fingerprint == "" {
		return fmt.Errorf("track requires a remote ID or a content fingerprint")
	}
	if t.Title == "" {
		return fmt.Errorf("track title is required")
	}
	if t.NormalizedName == "" {
		return fmt.Errorf("track normalized name is required")
	}
	switch t.DownloadStatus {
	case DownloadNotDownloaded, DownloadInProgress, DownloadComplete, DownloadError:
	default:
		return fmt.Errorf("invalid download status %q", t.DownloadStatus)
	}
	return nil
}

// Downloaded reports whether the track's primary bytes are on disk.
func (t *Track) Downloaded() bool {
	return t.DownloadStatus == DownloadComplete && t.PrimaryPath != ""
}

// Playlist is a named, ordered collection of tracks as declared by the
// remote source. Directory is the deterministic filesystem mapping of Name.
type Playlist struct {
	ID       string
	Sequence int

	RemoteID    string
	Name        string
	Description string
	TrackCount  int
	Directory   string

	SyncStatus       PlaylistSyncStatus
	LastDeclaredAt   *time.Time
	LastReconciledAt *time.Time
	LastSeenRemote   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Playlist) Validate() error {
	if p.RemoteID == "" {
		return fmt.Errorf("playlist remote ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("playlist name is required")
	}
	switch p.SyncStatus {
	case PlaylistInSync, PlaylistNeedsDownload, PlaylistNeedsUpdate, PlaylistNeedsRemoval, PlaylistUnknown:
	default:
		return fmt.Errorf("invalid sync status %q", p.SyncStatus)
	}
	return nil
}

// Membership records one track's participation in one playlist. The three
// presence flags are set independently by the ingestors and never inferred
// from each other.
type Membership struct {
	ID         string
	PlaylistID string
	TrackID    string
	Position   int

	DeclaredRemote    bool
	DeclaredRemoteAt  *time.Time
	ObservedLocal     bool
	ObservedLocalAt   *time.Time
	ObservedCatalog   bool
	ObservedCatalogAt *time.Time

	// IsPrimary means this membership's playlist directory holds the actual
	// audio bytes. LinkPath is set only when IsPrimary is false.
	IsPrimary bool
	LinkPath  string
	LinkValid bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *Membership) Validate() error {
	if m.PlaylistID == "" || m.TrackID == "" {
		return fmt.Errorf("membership requires playlist and track IDs")
	}
	if m.IsPrimary && m.LinkPath != "" {
		return fmt.Errorf("primary membership must not carry a link path")
	}
	return nil
}

// ActionKind enumerates the units of work the decision engine can emit.
type ActionKind string

const (
	ActionDownloadTrack ActionKind = "DOWNLOAD_TRACK"
	ActionCreateLink    ActionKind = "CREATE_LINK"
	ActionMoveFile      ActionKind = "MOVE_FILE"
	ActionRemoveFile    ActionKind = "REMOVE_FILE"
	ActionRetag         ActionKind = "RETAG"
)

// SyncAction is one planned unit of reconciliation work. Actions are
// ephemeral: generated per run, executed, logged, and discarded.
type SyncAction struct {
	Kind         ActionKind `json:"kind"`
	TrackID      string     `json:"track_id"`
	MembershipID string     `json:"membership_id,omitempty"`
	PlaylistID   string     `json:"playlist_id,omitempty"`
	SourcePath   string     `json:"source_path,omitempty"`
	TargetPath   string     `json:"target_path,omitempty"`
	Priority     int        `json:"priority"`
	Reason       string     `json:"reason"`
}

// ActionOutcome is the terminal state of one executed action.
type ActionOutcome string

const (
	OutcomeSucceeded ActionOutcome = "succeeded"
	OutcomeFailed    ActionOutcome = "failed"
	OutcomeSkipped   ActionOutcome = "skipped"
)

// SyncRun is an append-only audit record for one sync run. It is written
// once at completion and never mutated; nothing reads it for control flow.
type SyncRun struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time

	Planned   int
	Succeeded int
	Failed    int
	Skipped   int

	// CountsByKind maps ActionKind to the number of planned actions of that kind.
	CountsByKind map[string]int
	// Errors holds the first N error messages encountered, in order.
	Errors []string
}

func (r *SyncRun) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("sync run ID is required")
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("sync run start time is required")
	}
	return nil
}
