// Package storagetest is a conformance suite shared by storage.Store
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/value"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"EmptySnapshot", testEmptySnapshot},
		{"CommitAndRead", testCommitAndRead},
		{"NumbersRoundTrip", testNumbersRoundTrip},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"DeleteHidesDocument", testDeleteHidesDocument},
		{"ScanOrderAndBounds", testScanOrderAndBounds},
		{"PointReadConflict", testPointReadConflict},
		{"WriteWriteConflict", testWriteWriteConflict},
		{"RangeConflict", testRangeConflict},
		{"DisjointKeysDoNotConflict", testDisjointKeysDoNotConflict},
		{"ReadOnlyCommit", testReadOnlyCommit},
		{"ConcurrentConflictingCommits", testConcurrentConflictingCommits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func key(id string) storage.Key {
	return storage.Key{Table: "objects", ID: id}
}

func doc(n int64) value.Object {
	return value.Object{"n": value.Int(n)}
}

func commitWrites(t *testing.T, s storage.Store, writes map[string]value.Object) storage.Version {
	t.Helper()
	ctx := context.Background()
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	tx := storage.NewTransaction(snap)
	for id, v := range writes {
		if v == nil {
			tx.Delete(key(id))
		} else {
			tx.Put(key(id), v)
		}
	}
	version, err := s.Commit(ctx, tx.CommitRequest())
	require.NoError(t, err)
	return version
}

func testEmptySnapshot(t *testing.T, s storage.Store) {
	ctx := context.Background()
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Version(0), snap.Version())

	got, err := snap.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.Nil(t, got)

	docs, err := snap.Scan(ctx, storage.TableRange("objects"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testCommitAndRead(t *testing.T, s storage.Store) {
	ctx := context.Background()
	v1 := commitWrites(t, s, map[string]value.Object{"a": doc(1)})
	assert.Equal(t, storage.Version(1), v1)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1, snap.Version())

	got, err := snap.Get(ctx, key("a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v1, got.Version)
	assert.Equal(t, doc(1), got.Value)
}

func testNumbersRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	stored := value.Object{
		"price": value.Float(1.5),
		"tiny":  value.Float(1e-9),
		"big":   value.Float(1e300),
		"n":     value.Int(-3),
	}
	commitWrites(t, s, map[string]value.Object{"a": stored})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	got, err := snap.Get(ctx, key("a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored, got.Value)
}

func testSnapshotIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commitWrites(t, s, map[string]value.Object{"a": doc(1)})

	old, err := s.Snapshot(ctx)
	require.NoError(t, err)

	commitWrites(t, s, map[string]value.Object{"a": doc(2), "b": doc(3)})

	got, err := old.Get(ctx, key("a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc(1), got.Value, "old snapshot must not see later commit")

	missing, err := old.Get(ctx, key("b"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	docs, err := old.Scan(ctx, storage.TableRange("objects"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func testDeleteHidesDocument(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commitWrites(t, s, map[string]value.Object{"a": doc(1), "b": doc(2)})
	commitWrites(t, s, map[string]value.Object{"a": nil})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	got, err := snap.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.Nil(t, got)

	docs, err := snap.Scan(ctx, storage.TableRange("objects"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].Key.ID)
}

func testScanOrderAndBounds(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commitWrites(t, s, map[string]value.Object{"c": doc(3), "a": doc(1), "b": doc(2)})

	assert.Equal(t, storage.Version(1), commitWrites(t, s, map[string]value.Object{}),
		"empty commit keeps the version")

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	docs, err := snap.Scan(ctx, storage.TableRange("objects"))
	require.NoError(t, err)
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.Key.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	bounded, err := snap.Scan(ctx, storage.Range{Table: "objects", Start: "b", End: "c"})
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, "b", bounded[0].Key.ID)
}

func testPointReadConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commitWrites(t, s, map[string]value.Object{"a": doc(1)})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	tx := storage.NewTransaction(snap)
	_, err = tx.Get(ctx, key("a"))
	require.NoError(t, err)
	tx.Put(key("b"), doc(2))

	concurrent := commitWrites(t, s, map[string]value.Object{"a": doc(5)})

	_, err = s.Commit(ctx, tx.CommitRequest())
	require.Error(t, err)
	var ce *storage.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, key("a"), ce.Key)
	assert.Equal(t, concurrent, ce.Conflicted)
	assert.Equal(t, snap.Version(), ce.Base)
}

func testWriteWriteConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	tx := storage.NewTransaction(snap)
	tx.Put(key("a"), doc(1))

	commitWrites(t, s, map[string]value.Object{"a": doc(2)})

	_, err = s.Commit(ctx, tx.CommitRequest())
	assert.True(t, storage.IsConflict(err), "blind write of a modified key must conflict: %v", err)
}

func testRangeConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	tx := storage.NewTransaction(snap)
	n, err := tx.Count(ctx, "objects")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	tx.Put(storage.Key{Table: "counts", ID: "objects"}, doc(int64(n)))

	commitWrites(t, s, map[string]value.Object{"new": doc(1)})

	_, err = s.Commit(ctx, tx.CommitRequest())
	require.Error(t, err)
	var ce *storage.ConflictError
	require.ErrorAs(t, err, &ce)
	require.NotNil(t, ce.Range)
	assert.Equal(t, "objects", ce.Range.Table)
	assert.Equal(t, key("new"), ce.Key)
}

func testDisjointKeysDoNotConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commitWrites(t, s, map[string]value.Object{"a": doc(1), "b": doc(1)})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	tx := storage.NewTransaction(snap)
	got, err := tx.Get(ctx, key("a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	tx.Put(key("a"), doc(2))

	commitWrites(t, s, map[string]value.Object{"b": doc(7)})
	commitWrites(t, s, map[string]value.Object{"c": doc(8)})

	version, err := s.Commit(ctx, tx.CommitRequest())
	require.NoError(t, err)
	assert.Equal(t, storage.Version(4), version)
}

func testReadOnlyCommit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commitWrites(t, s, map[string]value.Object{"a": doc(1)})

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	tx := storage.NewTransaction(snap)
	_, err = tx.Get(ctx, key("a"))
	require.NoError(t, err)

	version, err := s.Commit(ctx, tx.CommitRequest())
	require.NoError(t, err)
	assert.Equal(t, snap.Version(), version, "read-only commit allocates no version")

	stale := storage.NewTransaction(snap)
	_, err = stale.Get(ctx, key("a"))
	require.NoError(t, err)
	commitWrites(t, s, map[string]value.Object{"a": doc(2)})

	_, err = s.Commit(ctx, stale.CommitRequest())
	assert.True(t, storage.IsConflict(err), "stale read-only attempt must fail validation")
}

func testConcurrentConflictingCommits(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const writers = 8

	snaps := make([]*storage.Transaction, writers)
	for i := range snaps {
		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		tx := storage.NewTransaction(snap)
		_, err = tx.Get(ctx, key("counter"))
		require.NoError(t, err)
		tx.Put(key("counter"), doc(int64(i)))
		snaps[i] = tx
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		others    []error
	)
	for _, tx := range snaps {
		wg.Add(1)
		go func(tx *storage.Transaction) {
			defer wg.Done()
			_, err := s.Commit(ctx, tx.CommitRequest())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case storage.IsConflict(err):
				conflicts++
			default:
				others = append(others, fmt.Errorf("commit: %w", err))
			}
		}(tx)
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, succeeded, "exactly one conflicting commit may win")
	assert.Equal(t, writers-1, conflicts)
}
