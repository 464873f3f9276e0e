// Package memstore is an in-memory multi-version document store.
//
// Every committed version of every document is kept in one btree ordered by
// (table, id, version). A snapshot at version v reads, for each id, the
// newest entry with version <= v. Nothing is ever garbage collected, so a
// pinned snapshot stays valid for as long as the caller holds it.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/value"
)

const btreeDegree = 32

type entry struct {
	table   string
	id      string
	version storage.Version
	value   value.Object // nil is a tombstone
}

func lessEntry(a, b entry) bool {
	if a.table != b.table {
		return a.table < b.table
	}
	if a.id != b.id {
		return a.id < b.id
	}
	return a.version < b.version
}

// Store is an in-memory storage.Store.
//
// Thread-safety: all methods are safe for concurrent use. Commits are
// serialized by an exclusive lock; snapshot reads share a read lock.
type Store struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[entry]
	latest storage.Version
	closed bool
}

// New returns an empty store at version 0.
func New() *Store {
	return &Store{tree: btree.NewG[entry](btreeDegree, lessEntry)}
}

// Snapshot pins the latest committed version.
func (s *Store) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memstore: closed")
	}
	return &snapshot{store: s, version: s.latest}, nil
}

// Commit validates and applies req.
func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) (storage.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("memstore: closed")
	}
	if req.Base > s.latest {
		return 0, fmt.Errorf("memstore: base version %d is ahead of latest %d", req.Base, s.latest)
	}

	if err := s.validateLocked(req); err != nil {
		return 0, err
	}
	if req.Writes.IsEmpty() {
		return req.Base, nil
	}

	next := s.latest + 1
	for _, w := range req.Writes.Writes() {
		s.tree.ReplaceOrInsert(entry{
			table:   w.Key.Table,
			id:      w.Key.ID,
			version: next,
			value:   w.Value.Clone(),
		})
	}
	s.latest = next
	return next, nil
}

// Latest returns the latest committed version.
func (s *Store) Latest() storage.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Close marks the store closed. Further calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) validateLocked(req storage.CommitRequest) error {
	if req.Base == s.latest {
		return nil
	}
	for _, key := range req.ValidationKeys() {
		if v := s.newestVersionLocked(key); v > req.Base {
			return &storage.ConflictError{Base: req.Base, Conflicted: v, Key: key}
		}
	}
	for _, r := range req.Reads.Ranges() {
		if key, v, ok := s.modifiedInRangeLocked(r, req.Base); ok {
			rng := r
			return &storage.ConflictError{Base: req.Base, Conflicted: v, Key: key, Range: &rng}
		}
	}
	return nil
}

// newestVersionLocked returns the newest version written for key, or 0.
func (s *Store) newestVersionLocked(key storage.Key) storage.Version {
	var found storage.Version
	pivot := entry{table: key.Table, id: key.ID, version: math.MaxUint64}
	s.tree.DescendLessOrEqual(pivot, func(e entry) bool {
		if e.table == key.Table && e.id == key.ID {
			found = e.version
		}
		return false
	})
	return found
}

func (s *Store) modifiedInRangeLocked(r storage.Range, base storage.Version) (storage.Key, storage.Version, bool) {
	var (
		key   storage.Key
		found storage.Version
	)
	s.ascendRange(r, func(e entry) bool {
		if e.version > base {
			key = storage.Key{Table: e.table, ID: e.id}
			found = e.version
			return false
		}
		return true
	})
	return key, found, found != 0
}

func (s *Store) ascendRange(r storage.Range, fn func(e entry) bool) {
	from := entry{table: r.Table, id: r.Start}
	to := entry{table: storage.NextTableBoundary(r.Table)}
	if r.End != "" {
		to = entry{table: r.Table, id: r.End}
	}
	s.tree.AscendRange(from, to, fn)
}

type snapshot struct {
	store   *Store
	version storage.Version
}

func (sn *snapshot) Version() storage.Version {
	return sn.version
}

func (sn *snapshot) Get(ctx context.Context, key storage.Key) (*storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sn.store.mu.RLock()
	defer sn.store.mu.RUnlock()

	var doc *storage.Document
	pivot := entry{table: key.Table, id: key.ID, version: sn.version}
	sn.store.tree.DescendLessOrEqual(pivot, func(e entry) bool {
		if e.table == key.Table && e.id == key.ID && e.value != nil {
			doc = &storage.Document{Key: key, Version: e.version, Value: e.value.Clone()}
		}
		return false
	})
	return doc, nil
}

func (sn *snapshot) Scan(ctx context.Context, r storage.Range) ([]storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sn.store.mu.RLock()
	defer sn.store.mu.RUnlock()

	var (
		docs    []storage.Document
		current *entry
	)
	flush := func() {
		if current != nil && current.value != nil {
			docs = append(docs, storage.Document{
				Key:     storage.Key{Table: current.table, ID: current.id},
				Version: current.version,
				Value:   current.value.Clone(),
			})
		}
		current = nil
	}
	sn.store.ascendRange(r, func(e entry) bool {
		if current != nil && current.id != e.id {
			flush()
		}
		if e.version <= sn.version {
			cp := e
			current = &cp
		}
		return true
	})
	flush()
	return docs, nil
}
