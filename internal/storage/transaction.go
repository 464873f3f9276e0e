package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/udfcore/internal/value"
)

// Transaction layers an attempt's pending writes over its Snapshot and
// records what the attempt reads. Reads see the attempt's own writes.
//
// A Transaction belongs to one attempt and is not safe for concurrent use.
type Transaction struct {
	snap   Snapshot
	reads  ReadSet
	writes *WriteSet
}

// NewTransaction starts a transaction over snap.
func NewTransaction(snap Snapshot) *Transaction {
	return &Transaction{snap: snap, writes: NewWriteSet()}
}

// Base returns the snapshot version the transaction reads from.
func (tx *Transaction) Base() Version {
	return tx.snap.Version()
}

// Get returns the document at key, or nil if absent. A key already written by
// this transaction is answered from the write set and not recorded as a read.
func (tx *Transaction) Get(ctx context.Context, key Key) (value.Object, error) {
	if w, ok := tx.writes.Get(key); ok {
		if w.IsDelete() {
			return nil, nil
		}
		return w.Value.Clone(), nil
	}

	doc, err := tx.snap.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if doc == nil {
		tx.reads.AddPoint(key, 0)
		return nil, nil
	}
	tx.reads.AddPoint(key, doc.Version)
	return doc.Value.Clone(), nil
}

// Scan returns the documents in r, with this transaction's writes applied,
// ordered by id. The whole range is recorded as read.
func (tx *Transaction) Scan(ctx context.Context, r Range) ([]value.Object, error) {
	docs, err := tx.snap.Scan(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r, err)
	}
	tx.reads.AddRange(r)

	byID := make(map[string]value.Object, len(docs))
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		byID[doc.Key.ID] = doc.Value
		ids = append(ids, doc.Key.ID)
	}
	for _, w := range tx.writes.Writes() {
		if !r.Contains(w.Key) {
			continue
		}
		_, existed := byID[w.Key.ID]
		if w.IsDelete() {
			delete(byID, w.Key.ID)
			continue
		}
		if !existed {
			ids = append(ids, w.Key.ID)
		}
		byID[w.Key.ID] = w.Value
	}
	slices.Sort(ids)

	out := make([]value.Object, 0, len(byID))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}

// Count returns the number of documents in table.
func (tx *Transaction) Count(ctx context.Context, table string) (int, error) {
	docs, err := tx.Scan(ctx, TableRange(table))
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Put buffers a write of v at key.
func (tx *Transaction) Put(key Key, v value.Object) {
	tx.writes.Put(key, v.Clone())
}

// Delete buffers a delete of key.
func (tx *Transaction) Delete(key Key) {
	tx.writes.Delete(key)
}

// ReadSet returns what the transaction has read so far.
func (tx *Transaction) ReadSet() ReadSet {
	return tx.reads
}

// WriteSet returns the buffered writes.
func (tx *Transaction) WriteSet() *WriteSet {
	return tx.writes
}

// CommitRequest packages the transaction for Store.Commit.
func (tx *Transaction) CommitRequest() CommitRequest {
	return CommitRequest{Base: tx.Base(), Reads: tx.reads, Writes: tx.writes}
}
