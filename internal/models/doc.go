// Package models defines the domain entities for the cratesync reconciliation engine.
//
// The package contains three persistent entities and two ephemeral ones:
//
//   - [Track] : a unique piece of audio, identified by remote catalog ID or content fingerprint
//   - [Playlist] : a named, ordered collection of tracks declared by the remote source
//   - [Membership] : one track's participation in one playlist, with per-source presence flags
//   - [SyncAction] : a planned unit of reconciliation work (generated per run, never stored)
//   - [SyncRun] : an append-only audit record of one sync run
//
// Every Membership carries three independently timestamped presence flags
// (declared remote, observed local, observed catalog). At most one Membership
// per Track holds IsPrimary, meaning its playlist directory owns the actual
// audio bytes; all other local appearances are links to that path.
package models
