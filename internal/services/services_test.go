package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ferndale/cratesync/internal/shared"
)

func TestHTTPCatalogClient(t *testing.T) {
	t.Run("lists playlists", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/playlists" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("unexpected auth header %q", got)
			}
			w.Write([]byte(`{"items":[{"id":"pl1","name":"Deep Cuts","track_count":2}]}`))
		}))
		defer srv.Close()

		client := NewHTTPCatalogClient(srv.URL, "tok", srv.Client())
		playlists, err := client.ListPlaylists(context.Background())
		if err != nil {
			t.Fatalf("ListPlaylists failed: %v", err)
		}
		if len(playlists) != 1 || playlists[0].Name != "Deep Cuts" {
			t.Errorf("unexpected playlists %+v", playlists)
		}
	})

	t.Run("fills track positions from list order", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"items":[{"id":"t1","title":"One"},{"id":"t2","title":"Two"}]}`))
		}))
		defer srv.Close()

		client := NewHTTPCatalogClient(srv.URL, "", srv.Client())
		tracks, err := client.ListTracks(context.Background(), "pl1")
		if err != nil {
			t.Fatalf("ListTracks failed: %v", err)
		}
		if tracks[0].Position != 0 || tracks[1].Position != 1 {
			t.Errorf("unexpected positions %d, %d", tracks[0].Position, tracks[1].Position)
		}
	})

	t.Run("maps missing playlist", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewHTTPCatalogClient(srv.URL, "", srv.Client())
		_, err := client.ListTracks(context.Background(), "missing")
		if !errors.Is(err, shared.ErrPlaylistNotFound) {
			t.Errorf("expected ErrPlaylistNotFound, got %v", err)
		}
	})

	t.Run("maps rate limiting", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := NewHTTPCatalogClient(srv.URL, "", srv.Client())
		_, err := client.ListPlaylists(context.Background())
		if !errors.Is(err, shared.ErrRateLimited) {
			t.Errorf("expected ErrRateLimited, got %v", err)
		}
	})
}

func TestHTTPDownloader(t *testing.T) {
	t.Run("streams audio into place", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/tracks/t1/download" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.Header().Set("Content-Type", "audio/flac")
			w.Write([]byte("flac-bytes"))
		}))
		defer srv.Close()

		dest := filepath.Join(t.TempDir(), "Playlists", "Deep Cuts", "track.flac")
		d := NewHTTPDownloader(srv.URL, "", srv.Client())
		result, err := d.Fetch(context.Background(), "t1", dest, "lossless")
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if result.Format != "flac" {
			t.Errorf("expected flac format, got %s", result.Format)
		}

		data, err := os.ReadFile(dest)
		if err != nil {
			t.Fatalf("destination not written: %v", err)
		}
		if string(data) != "flac-bytes" {
			t.Errorf("unexpected content %q", data)
		}
	})

	t.Run("leaves no file behind on server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		dest := filepath.Join(t.TempDir(), "track.mp3")
		d := NewHTTPDownloader(srv.URL, "", srv.Client())
		if _, err := d.Fetch(context.Background(), "t1", dest, "high"); !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Fatalf("expected ErrServiceUnavailable, got %v", err)
		}
		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Error("partial file left at destination")
		}
	})
}

func TestFilesystemProber(t *testing.T) {
	prober := NewFilesystemProber()

	t.Run("missing directory is empty", func(t *testing.T) {
		files, err := prober.ListAudioFiles(filepath.Join(t.TempDir(), "nope"))
		if err != nil {
			t.Fatalf("ListAudioFiles failed: %v", err)
		}
		if len(files) != 0 {
			t.Errorf("expected no files, got %d", len(files))
		}
	})

	t.Run("lists audio and detects links", func(t *testing.T) {
		dir := t.TempDir()
		real := filepath.Join(dir, "a-track.mp3")
		os.WriteFile(real, []byte("x"), 0644)
		os.WriteFile(filepath.Join(dir, "cover.jpg"), []byte("x"), 0644)
		link := filepath.Join(dir, "b-link.mp3")
		os.Symlink(real, link)
		broken := filepath.Join(dir, "c-broken.mp3")
		os.Symlink(filepath.Join(dir, "gone.mp3"), broken)

		files, err := prober.ListAudioFiles(dir)
		if err != nil {
			t.Fatalf("ListAudioFiles failed: %v", err)
		}
		if len(files) != 3 {
			t.Fatalf("expected 3 files, got %d", len(files))
		}
		if files[0].IsLink {
			t.Error("regular file reported as link")
		}
		if !files[1].IsLink || files[1].Target == "" {
			t.Errorf("valid link not resolved: %+v", files[1])
		}
		if !files[2].IsLink || files[2].Target != "" {
			t.Errorf("broken link not detected: %+v", files[2])
		}
	})

	t.Run("reads id3v2 text frames", func(t *testing.T) {
		frame := func(id, text string) []byte {
			content := append([]byte{3}, []byte(text)...) // utf-8 encoding byte
			b := []byte(id)
			b = append(b, byte(len(content)>>24), byte(len(content)>>16), byte(len(content)>>8), byte(len(content)))
			b = append(b, 0, 0)
			return append(b, content...)
		}
		body := append(frame("TIT2", "Midnight"), frame("TPE1", "Overmono")...)
		header := []byte{'I', 'D', '3', 3, 0, 0,
			byte(len(body) >> 21 & 0x7f), byte(len(body) >> 14 & 0x7f), byte(len(body) >> 7 & 0x7f), byte(len(body) & 0x7f)}

		path := filepath.Join(t.TempDir(), "tagged.mp3")
		os.WriteFile(path, append(header, body...), 0644)

		tags, err := prober.ReadTags(path)
		if err != nil {
			t.Fatalf("ReadTags failed: %v", err)
		}
		if tags.Title != "Midnight" || tags.Artist != "Overmono" {
			t.Errorf("unexpected tags %+v", tags)
		}
	})

	t.Run("untagged file yields empty tags", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "raw.mp3")
		os.WriteFile(path, []byte("not an id3 file"), 0644)

		tags, err := prober.ReadTags(path)
		if err != nil {
			t.Fatalf("ReadTags failed: %v", err)
		}
		if tags.Title != "" || tags.Artist != "" || tags.Album != "" {
			t.Errorf("expected empty tags, got %+v", tags)
		}
	})
}

func TestXMLCatalog(t *testing.T) {
	ctx := context.Background()

	t.Run("tag lifecycle survives reload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "collection.xml")
		catalog, err := NewXMLCatalog(path)
		if err != nil {
			t.Fatalf("NewXMLCatalog failed: %v", err)
		}

		tag, err := catalog.EnsureTag(ctx, "playlist", "Deep Cuts")
		if err != nil {
			t.Fatalf("EnsureTag failed: %v", err)
		}
		again, err := catalog.EnsureTag(ctx, "playlist", "Deep Cuts")
		if err != nil {
			t.Fatalf("EnsureTag repeat failed: %v", err)
		}
		if tag != again {
			t.Errorf("EnsureTag not idempotent: %s vs %s", tag, again)
		}

		if err := catalog.Link(ctx, "track-1", tag); err != nil {
			t.Fatalf("Link failed: %v", err)
		}

		reloaded, err := NewXMLCatalog(path)
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		refs, err := reloaded.QueryByTags(ctx, []TagRef{tag}, MatchAll)
		if err != nil {
			t.Fatalf("QueryByTags failed: %v", err)
		}
		if len(refs) != 1 || refs[0] != "track-1" {
			t.Errorf("unexpected refs %v", refs)
		}
	})

	t.Run("query modes", func(t *testing.T) {
		catalog, err := NewXMLCatalog(filepath.Join(t.TempDir(), "collection.xml"))
		if err != nil {
			t.Fatalf("NewXMLCatalog failed: %v", err)
		}

		house, _ := catalog.EnsureTag(ctx, "genre", "house")
		peak, _ := catalog.EnsureTag(ctx, "energy", "peak")
		catalog.Link(ctx, "track-a", house)
		catalog.Link(ctx, "track-a", peak)
		catalog.Link(ctx, "track-b", house)

		all, _ := catalog.QueryByTags(ctx, []TagRef{house, peak}, MatchAll)
		if len(all) != 1 || all[0] != "track-a" {
			t.Errorf("MatchAll returned %v", all)
		}

		any, _ := catalog.QueryByTags(ctx, []TagRef{house, peak}, MatchAny)
		if len(any) != 2 {
			t.Errorf("MatchAny returned %v", any)
		}

		none, _ := catalog.QueryByTags(ctx, nil, MatchAny)
		if len(none) != 0 {
			t.Errorf("empty tag list returned %v", none)
		}
	})

	t.Run("unlink is tolerant", func(t *testing.T) {
		catalog, err := NewXMLCatalog(filepath.Join(t.TempDir(), "collection.xml"))
		if err != nil {
			t.Fatalf("NewXMLCatalog failed: %v", err)
		}

		tag, _ := catalog.EnsureTag(ctx, "genre", "house")
		if err := catalog.Unlink(ctx, "never-linked", tag); err != nil {
			t.Errorf("Unlink of missing link failed: %v", err)
		}

		catalog.Link(ctx, "track-a", tag)
		catalog.Unlink(ctx, "track-a", tag)
		refs, _ := catalog.QueryByTags(ctx, []TagRef{tag}, MatchAny)
		if len(refs) != 0 {
			t.Errorf("link survived unlink: %v", refs)
		}
	})
}
