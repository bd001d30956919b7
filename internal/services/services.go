package services

import (
	"context"
	"time"
)

// RemotePlaylist is a playlist as declared by the streaming catalog.
type RemotePlaylist struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TrackCount  int       `json:"track_count"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// RemoteTrack is a track as declared inside a remote playlist, including its
// declared position.
type RemoteTrack struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	Duration int    `json:"duration"` // seconds
	ISRC     string `json:"isrc"`
	Explicit bool   `json:"explicit"`
	Quality  string `json:"quality"`
	Position int    `json:"position"`
}

// CatalogClient reads the remote streaming catalog: the declared source of
// truth for playlists and their track lists.
type CatalogClient interface {
	// ListPlaylists returns every playlist the remote source reports,
	// including declared modification times for incremental skip.
	ListPlaylists(ctx context.Context) ([]RemotePlaylist, error)

	// ListTracks returns a playlist's full track list in declared order.
	// This is the expensive call; callers skip it for unchanged playlists.
	ListTracks(ctx context.Context, playlistID string) ([]RemoteTrack, error)

	// Name returns the catalog's display name.
	Name() string
}

// DownloadResult describes a completed fetch.
type DownloadResult struct {
	BytesWritten int64
	Format       string // e.g. "mp3", "flac"
}

// Downloader fetches audio bytes for a track into a destination path.
// Failures carry the shared typed sentinels so the orchestrator can pick a
// retry policy per class.
type Downloader interface {
	Fetch(ctx context.Context, trackID, destPath, quality string) (*DownloadResult, error)
}

// AudioFile is one audio file found on disk.
type AudioFile struct {
	Path    string
	ModTime time.Time
	Size    int64
	// IsLink marks symlinks; Target is the resolved destination, empty when broken.
	IsLink bool
	Target string
}

// FileTags holds embedded metadata read from an audio file. Absent tags are
// empty strings, never errors.
type FileTags struct {
	Title  string
	Artist string
	Album  string
}

// Prober lists audio files and reads their embedded tags.
type Prober interface {
	ListAudioFiles(directory string) ([]AudioFile, error)
	ReadTags(path string) (*FileTags, error)
}

// TagRef identifies a tag record in the DJ catalog.
type TagRef string

// QueryMode selects how multiple tags combine in a query.
type QueryMode int

const (
	MatchAll QueryMode = iota
	MatchAny
)

// DJCatalog manages tag records and track/tag links in the DJ software's
// catalog. The sync engine treats it as a thin external collaborator.
type DJCatalog interface {
	EnsureTag(ctx context.Context, category, value string) (TagRef, error)
	Link(ctx context.Context, trackRef string, tag TagRef) error
	Unlink(ctx context.Context, trackRef string, tag TagRef) error
	QueryByTags(ctx context.Context, tags []TagRef, mode QueryMode) ([]string, error)
}
