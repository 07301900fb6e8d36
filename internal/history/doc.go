// Package history keeps a local SQLite audit trail of device snapshots.
//
// Rows live in snapshot_history (see migrations/) and hold the merged
// snapshot as JSON. Repository.RecordIfChanged skips snapshots identical
// to the last one recorded for a device so a steady device does not fill
// the table on every poll.
package history
