// Package storage defines the versioned data-store contract the mutation core
// consumes: snapshots at a committed version, and a linearized
// check-then-write commit.
//
// Two implementations live in subpackages: memstore (in-memory, btree) and
// sqlitestore (durable, SQLite). Both keep every committed version of a
// document so snapshots stay readable while later commits land.
package storage

import (
	"context"
	"strings"

	"github.com/roach88/udfcore/internal/value"
)

// Version is a committed store version. Version 0 is the empty store.
type Version uint64

// TablesTable is the registry table holding one row per user table.
const TablesTable = "_tables"

// Key addresses one document.
type Key struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (k Key) String() string {
	return k.Table + "/" + k.ID
}

// TableKey returns the registry key for a user table.
func TableKey(table string) Key {
	return Key{Table: TablesTable, ID: table}
}

// Range is a half-open id range [Start, End) within one table.
// An empty End extends to the end of the table.
type Range struct {
	Table string `json:"table"`
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// TableRange covers every document of a table.
func TableRange(table string) Range {
	return Range{Table: table}
}

// Contains reports whether k falls inside r.
func (r Range) Contains(k Key) bool {
	if k.Table != r.Table || k.ID < r.Start {
		return false
	}
	return r.End == "" || k.ID < r.End
}

func (r Range) String() string {
	end := r.End
	if end == "" {
		end = "<end>"
	}
	return r.Table + "/[" + r.Start + "," + end + ")"
}

// Document is one version of a stored document.
type Document struct {
	Key     Key
	Version Version
	Value   value.Object
}

// Snapshot is an immutable view of the store at one version.
// A Snapshot is owned by a single attempt and never mutated.
type Snapshot interface {
	// Version returns the committed version this snapshot observes.
	Version() Version
	// Get returns the document at key, or nil if absent.
	Get(ctx context.Context, key Key) (*Document, error)
	// Scan returns all documents in r ordered by id.
	Scan(ctx context.Context, r Range) ([]Document, error)
}

// CommitRequest is a write set conditioned on a read set being unchanged
// since Base.
type CommitRequest struct {
	Base   Version
	Reads  ReadSet
	Writes *WriteSet
}

// Store is a versioned document store with linearized commits.
type Store interface {
	// Snapshot pins the latest committed version.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Commit validates req against every commit after req.Base and, if no
	// read or written key was modified since, applies the writes at a new
	// version. A commit with no writes is validated only and returns Base.
	// A failed validation returns *ConflictError.
	Commit(ctx context.Context, req CommitRequest) (Version, error)
	// Close releases resources held by the store.
	Close() error
}

// ValidationKeys returns every key whose modification after Base invalidates
// req: the point reads plus the written keys, deduplicated, in first-seen
// order.
func (req CommitRequest) ValidationKeys() []Key {
	seen := make(map[Key]bool)
	var keys []Key
	for _, pr := range req.Reads.Points() {
		if !seen[pr.Key] {
			seen[pr.Key] = true
			keys = append(keys, pr.Key)
		}
	}
	if req.Writes != nil {
		for _, w := range req.Writes.Writes() {
			if !seen[w.Key] {
				seen[w.Key] = true
				keys = append(keys, w.Key)
			}
		}
	}
	return keys
}

// NextTableBoundary returns the smallest table name sorting after table,
// used as an exclusive upper bound when scanning a whole table.
func NextTableBoundary(table string) string {
	var b strings.Builder
	b.WriteString(table)
	b.WriteByte(0)
	return b.String()
}
