package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/storage/memstore"
	"github.com/roach88/udfcore/internal/value"
)

func seeded(t *testing.T, docs map[string]value.Object) (*memstore.Store, storage.Snapshot) {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	tx := storage.NewTransaction(snap)
	for id, v := range docs {
		tx.Put(storage.Key{Table: "objects", ID: id}, v)
	}
	_, err = s.Commit(ctx, tx.CommitRequest())
	require.NoError(t, err)

	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	return s, snap
}

func TestTransactionReadYourWrites(t *testing.T) {
	ctx := context.Background()
	_, snap := seeded(t, map[string]value.Object{"a": {"n": value.Int(1)}})
	tx := storage.NewTransaction(snap)
	k := storage.Key{Table: "objects", ID: "a"}

	tx.Put(k, value.Object{"n": value.Int(2)})
	got, err := tx.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), got["n"])
	assert.Equal(t, 0, tx.ReadSet().Len(), "answered from write set, not recorded")

	tx.Delete(k)
	got, err = tx.Get(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransactionRecordsPointReads(t *testing.T) {
	ctx := context.Background()
	_, snap := seeded(t, map[string]value.Object{"a": {"n": value.Int(1)}})
	tx := storage.NewTransaction(snap)

	_, err := tx.Get(ctx, storage.Key{Table: "objects", ID: "a"})
	require.NoError(t, err)
	_, err = tx.Get(ctx, storage.Key{Table: "objects", ID: "missing"})
	require.NoError(t, err)
	_, err = tx.Get(ctx, storage.Key{Table: "objects", ID: "a"})
	require.NoError(t, err)

	points := tx.ReadSet().Points()
	require.Len(t, points, 2)
	assert.Equal(t, storage.Version(1), points[0].Version)
	assert.Equal(t, storage.Version(0), points[1].Version, "absent keys record version 0")
}

func TestTransactionScanOverlaysWrites(t *testing.T) {
	ctx := context.Background()
	_, snap := seeded(t, map[string]value.Object{
		"a": {"n": value.Int(1)},
		"b": {"n": value.Int(2)},
		"c": {"n": value.Int(3)},
	})
	tx := storage.NewTransaction(snap)

	tx.Delete(storage.Key{Table: "objects", ID: "b"})
	tx.Put(storage.Key{Table: "objects", ID: "c"}, value.Object{"n": value.Int(30)})
	tx.Put(storage.Key{Table: "objects", ID: "aa"}, value.Object{"n": value.Int(11)})
	tx.Put(storage.Key{Table: "elsewhere", ID: "z"}, value.Object{})

	docs, err := tx.Scan(ctx, storage.TableRange("objects"))
	require.NoError(t, err)

	var ns []value.Value
	for _, d := range docs {
		ns = append(ns, d["n"])
	}
	assert.Equal(t, []value.Value{value.Int(1), value.Int(11), value.Int(30)}, ns)

	count, err := tx.Count(ctx, "objects")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.Equal(t, []storage.Range{storage.TableRange("objects")}, tx.ReadSet().Ranges())
	assert.True(t, tx.ReadSet().Covers(storage.Key{Table: "objects", ID: "zzz"}))
	assert.False(t, tx.ReadSet().Covers(storage.Key{Table: "elsewhere", ID: "z"}))
}

func TestTransactionIsolatesCallerMutation(t *testing.T) {
	ctx := context.Background()
	_, snap := seeded(t, nil)
	tx := storage.NewTransaction(snap)
	k := storage.Key{Table: "objects", ID: "a"}

	v := value.Object{"n": value.Int(1)}
	tx.Put(k, v)
	v["n"] = value.Int(99)

	got, err := tx.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, value.Int(1), got["n"])
}

func TestWriteSetOrderAndOverwrite(t *testing.T) {
	ws := storage.NewWriteSet()
	a := storage.Key{Table: "t", ID: "a"}
	b := storage.Key{Table: "t", ID: "b"}

	ws.Put(b, value.Object{"v": value.Int(1)})
	ws.Put(a, value.Object{"v": value.Int(2)})
	ws.Delete(b)

	writes := ws.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, b, writes[0].Key)
	assert.True(t, writes[0].IsDelete())
	assert.Equal(t, a, writes[1].Key)
	assert.False(t, ws.IsEmpty())

	var nilSet *storage.WriteSet
	assert.True(t, nilSet.IsEmpty())
}

func TestRangeContains(t *testing.T) {
	r := storage.Range{Table: "t", Start: "b", End: "d"}
	assert.False(t, r.Contains(storage.Key{Table: "t", ID: "a"}))
	assert.True(t, r.Contains(storage.Key{Table: "t", ID: "b"}))
	assert.True(t, r.Contains(storage.Key{Table: "t", ID: "c"}))
	assert.False(t, r.Contains(storage.Key{Table: "t", ID: "d"}))
	assert.False(t, r.Contains(storage.Key{Table: "u", ID: "c"}))
	assert.True(t, storage.TableRange("t").Contains(storage.Key{Table: "t", ID: "zzzz"}))
}

func TestConflictErrorMessage(t *testing.T) {
	r := storage.TableRange("objects")
	err := &storage.ConflictError{Base: 1, Conflicted: 3, Key: storage.Key{Table: "objects", ID: "x"}, Range: &r}
	assert.Contains(t, err.Error(), "objects/x")
	assert.Contains(t, err.Error(), "version 3")
	assert.True(t, storage.IsConflict(err))
}
