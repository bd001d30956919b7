// Package repositories implements the SQLite entity store: the single
// transactional source of record for tracks, playlists, memberships, and
// sync run audit entries.
//
// Key implementations:
//   - [TrackRepository] : track upserts with the remote-ID → normalized-name → fingerprint match ladder
//   - [PlaylistRepository] : playlist upserts keyed by remote ID, absent-playlist marking
//   - [MembershipRepository] : per-source presence flags, primary/link bookkeeping
//   - [SyncRunRepository] : append-only run audit records
//   - [RunLock] : advisory marker enforcing one active sync run per store
//
// All multi-row updates belonging to one logical unit (a playlist's full
// track list, one scan pass) run inside a single transaction via [WithTx];
// a failure mid-unit rolls back that unit only. Repository methods accept a
// [Querier] so the same code serves *sql.DB and *sql.Tx.
//
// Sequence numbers provide stable, human-readable ordering (track #42,
// playlist #15) independent of UUIDs; [NextSequence] increments per-table
// counters inside the caller's transaction.
package repositories
