// Streaming catalog [CatalogClient] implementation over JSON/HTTP.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ferndale/cratesync/internal/shared"
)

// HTTPCatalogClient implements [CatalogClient] against the streaming
// service's REST API using a bearer token from configuration.
type HTTPCatalogClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPCatalogClient creates a catalog client for the given base URL.
// A nil client falls back to a default with a 30s timeout.
func NewHTTPCatalogClient(baseURL, token string, client *http.Client) *HTTPCatalogClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCatalogClient{baseURL: baseURL, token: token, httpClient: client}
}

// Name returns the catalog's display name.
func (c *HTTPCatalogClient) Name() string {
	return "remote catalog"
}

// ListPlaylists returns every playlist the remote source reports.
func (c *HTTPCatalogClient) ListPlaylists(ctx context.Context) ([]RemotePlaylist, error) {
	var resp struct {
		Items []RemotePlaylist `json:"items"`
	}
	if err := c.doRequest(ctx, "/playlists", &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ListTracks returns a playlist's declared track list in order. Positions
// are filled from list order when the API omits them.
func (c *HTTPCatalogClient) ListTracks(ctx context.Context, playlistID string) ([]RemoteTrack, error) {
	var resp struct {
		Items []RemoteTrack `json:"items"`
	}
	endpoint := "/playlists/" + url.PathEscape(playlistID) + "/tracks"
	if err := c.doRequest(ctx, endpoint, &resp); err != nil {
		if errors.Is(err, shared.ErrTrackNotFound) {
			return nil, fmt.Errorf("%w: playlist %s", shared.ErrPlaylistNotFound, playlistID)
		}
		return nil, err
	}

	for i := range resp.Items {
		if resp.Items[i].Position == 0 {
			resp.Items[i].Position = i
		}
	}
	return resp.Items, nil
}

func (c *HTTPCatalogClient) doRequest(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
		}
	}
	return nil
}

// classifyHTTPError maps transport failures onto the shared sentinels.
func classifyHTTPError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return fmt.Errorf("%w: %v", shared.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", shared.ErrNetwork, err)
}

// statusError maps HTTP status codes onto the shared sentinels.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", shared.ErrTrackNotFound, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", shared.ErrRateLimited, code)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", shared.ErrMissingCredentials, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", shared.ErrServiceUnavailable, code)
	}
	return fmt.Errorf("%w: status %d", shared.ErrAPIRequest, code)
}
