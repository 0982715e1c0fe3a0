// Package store persists the two things §6 asks to survive a restart or be
// queryable after the fact: the active rule set and a history of HAR
// exports. It intentionally does not store flows — the session's flow ring
// is in-memory only, per the data model's Non-goals.
package store

import "time"

// HARExportRecord describes one archived export_har run.
type HARExportRecord struct {
	ID         int64
	CreatedAt  time.Time
	EntryCount int
	Document   []byte
}
