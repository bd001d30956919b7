// package testing contains shared testing utilities
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ferndale/cratesync/internal/services"
	"github.com/ferndale/cratesync/internal/shared"
)

// MockCatalog is a configurable test double for [services.CatalogClient].
type MockCatalog struct {
	mu sync.Mutex

	Playlists        []services.RemotePlaylist
	Tracks           map[string][]services.RemoteTrack
	ListPlaylistsErr error
	TrackErrs        map[string]error

	// TrackCalls counts ListTracks invocations per playlist ID, for
	// asserting the incremental-skip behavior.
	TrackCalls map[string]int
}

func (m *MockCatalog) ListPlaylists(ctx context.Context) ([]services.RemotePlaylist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListPlaylistsErr != nil {
		return nil, m.ListPlaylistsErr
	}
	return append([]services.RemotePlaylist(nil), m.Playlists...), nil
}

func (m *MockCatalog) ListTracks(ctx context.Context, playlistID string) ([]services.RemoteTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TrackCalls == nil {
		m.TrackCalls = map[string]int{}
	}
	m.TrackCalls[playlistID]++

	if err := m.TrackErrs[playlistID]; err != nil {
		return nil, err
	}
	tracks, ok := m.Tracks[playlistID]
	if !ok {
		return nil, fmt.Errorf("%w: playlist %s", shared.ErrPlaylistNotFound, playlistID)
	}
	return append([]services.RemoteTrack(nil), tracks...), nil
}

func (m *MockCatalog) Name() string { return "mock catalog" }

// MockDownloader is a test double for [services.Downloader] that writes
// deterministic bytes to the destination path.
type MockDownloader struct {
	mu sync.Mutex

	Content string
	Format  string
	Err     error
	FailFor map[string]error
	Fetched []string
}

func (m *MockDownloader) Fetch(ctx context.Context, trackID, destPath, quality string) (*services.DownloadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetched = append(m.Fetched, trackID)

	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.FailFor[trackID]; err != nil {
		return nil, err
	}

	content := m.Content
	if content == "" {
		content = "audio:" + trackID
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(destPath, []byte(content), 0644); err != nil {
		return nil, err
	}

	format := m.Format
	if format == "" {
		format = "mp3"
	}
	return &services.DownloadResult{BytesWritten: int64(len(content)), Format: format}, nil
}

// NewTestDB opens a migrated SQLite database in a temp directory, closed on
// test cleanup. A file-backed database is used so concurrent connections
// share state.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

// TestConfig returns a config rooted in a fresh temp directory with fast
// sync settings for tests.
func TestConfig(t *testing.T) *shared.Config {
	t.Helper()

	cfg := shared.DefaultConfig()
	cfg.Remote.BaseURL = "http://localhost:0"
	cfg.Library.MusicRoot = t.TempDir()
	cfg.Library.Format = "mp3"
	cfg.Database.Path = ":memory:"
	cfg.Sync.Workers = 1
	cfg.Sync.RateLimit = 1000
	cfg.Sync.FuzzyThreshold = 80
	cfg.Sync.RetryCooldownHours = 6
	cfg.Sync.TimeoutSeconds = 5
	cfg.Sync.MaxErrors = 25
	return cfg
}

// WriteAudioFile creates a fixture audio file under dir, creating the
// directory as needed, and returns its path.
func WriteAudioFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create fixture directory: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write fixture file: %v", err)
	}
	return path
}
