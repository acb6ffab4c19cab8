// Package store archives history dumps and configuration snapshots in
// SQLite.
package store

import (
	"time"

	"forkd/internal/history"
)

// Snapshot is one archived history dump.
type Snapshot struct {
	ID        int64
	Label     string
	Device    string
	CreatedAt time.Time
	Count     int
	Digest    [32]byte
}

// ArchivedEntry is a history entry with its position inside a snapshot.
type ArchivedEntry struct {
	SnapshotID int64
	Seq        int
	history.Entry
}

// ConfigSnapshot records a configuration as it was applied.
type ConfigSnapshot struct {
	ID        int64
	Version   int
	CreatedAt time.Time
	Hash      [32]byte
	Data      string
	Reason    string
}
