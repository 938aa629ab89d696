// Package storage persists livebot's state.
//
// It stores whole named documents (the room/subscription registry is one
// JSON document, rewritten on every mutation) and an append-only audit log of
// operator actions. Two backends exist:
//   - "file":   <dir>/<name>.json written via tmp+rename, <dir>/audit.jsonl
//   - "sqlite": one database file with documents and audit tables
package storage
