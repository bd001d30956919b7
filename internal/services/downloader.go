// Streaming service [Downloader] implementation.
package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferndale/cratesync/internal/shared"
)

// HTTPDownloader implements [Downloader] by streaming track audio from the
// catalog's download endpoint into a temp file, renamed into place only on
// success so an interrupted fetch never leaves a half-written audio file.
type HTTPDownloader struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPDownloader creates a downloader for the given base URL. A nil
// client falls back to a default with a 10 minute timeout; audio payloads
// are large.
func NewHTTPDownloader(baseURL, token string, client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPDownloader{baseURL: baseURL, token: token, httpClient: client}
}

// Fetch downloads the track's audio into destPath at the requested quality.
func (d *HTTPDownloader) Fetch(ctx context.Context, trackID, destPath, quality string) (*DownloadResult, error) {
	endpoint := fmt.Sprintf("%s/tracks/%s/download?quality=%s",
		d.baseURL, url.PathEscape(trackID), url.QueryEscape(quality))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".cratesync-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write audio: %v", shared.ErrNetwork, err)
	}

	if err := os.Rename(tmpName, destPath); err != nil {
		return nil, fmt.Errorf("failed to move audio into place: %w", err)
	}

	return &DownloadResult{
		BytesWritten: written,
		Format:       formatFromResponse(resp, destPath),
	}, nil
}

// formatFromResponse derives the audio format from the Content-Type header,
// falling back to the destination extension.
func formatFromResponse(resp *http.Response, destPath string) string {
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		switch mt {
		case "audio/mpeg":
			return "mp3"
		case "audio/flac", "audio/x-flac":
			return "flac"
		case "audio/mp4", "audio/x-m4a":
			return "m4a"
		}
	}
	return strings.TrimPrefix(filepath.Ext(destPath), ".")
}
