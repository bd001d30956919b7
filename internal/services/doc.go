// Package services defines the collaborator contracts the sync engine
// consumes and implements them for real backends.
//
// # Contracts
//
//   - [CatalogClient] : streaming catalog reads (playlists, track lists) with
//     incremental skip via declared modification times
//   - [Downloader] : fetches audio bytes for a track ID into a destination
//     path, failing with typed errors the orchestrator can retry on
//   - [Prober] : lists audio files and reads embedded tags best-effort
//   - [DJCatalog] : tag records and track/tag links in the DJ software catalog
//
// # Implementations
//
// [HTTPCatalogClient] and [HTTPDownloader] speak JSON/HTTP to the streaming
// service. [FilesystemProber] walks playlist directories and sniffs ID3v2
// headers. [XMLCatalog] maintains a rekordbox-style collection document.
//
// # Error Handling
//
// Implementations wrap failures in the shared sentinels so callers can
// classify without knowing the backend:
//   - [shared.ErrPlaylistNotFound] / [shared.ErrTrackNotFound] : structural
//   - [shared.ErrRateLimited], [shared.ErrNetwork], [shared.ErrTimeout] : transient
//   - [shared.ErrServiceUnavailable] : transient, backend down
package services
