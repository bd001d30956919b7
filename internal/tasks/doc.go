// Package tasks drives the reconciliation pipeline over the entity store
// with real-time progress reporting.
//
// # Pipeline
//
// One sync run executes the phases strictly in order:
//
//  1. [SyncEngine.FetchRemote] : ingest the declared remote state
//     - Skips unchanged playlists via declared modification times
//     - Upserts playlists and tracks, records per-source presence
//     - Flags playlists absent from a complete fetch for removal
//
//  2. [SyncEngine.ScanLocal] : ingest the observed filesystem state
//     - Identifies files by stored path, embedded tags, then fuzzy match
//     - Hashes only new or changed files
//     - Reports orphans and flags broken links, deleting nothing
//
//  3. [SyncEngine.ResolvePrimaries] : elect one primary location per track
//     - Deterministic lexicographic election, stable across runs
//     - Conflicting claims exclude the track instead of guessing
//
//  4. [BuildPlan] : pure decision function from store state to actions
//
//  5. [SyncEngine.Execute] : run the plan against the collaborators
//     - Bounded worker pool; actions on one track never run concurrently
//     - Stale removals are re-checked at execution time
//
// [SyncEngine.Sync] chains all five phases. Concurrent runs against one
// store are rejected via the advisory run lock.
//
// # Progress Reporting
//
// All operations use non-blocking channels for progress updates.
// The [ProgressUpdate] struct contains phase, step counters, and messages.
// Updates use select with default to prevent blocking.
package tasks
