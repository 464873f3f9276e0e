package storage

import (
	"github.com/roach88/udfcore/internal/value"
)

// PointRead records one key observed by an attempt and the version it saw.
// Version 0 means the key was absent.
type PointRead struct {
	Key     Key
	Version Version
}

// ReadSet is everything an attempt observed: point reads and scanned ranges.
// The zero value is empty and ready to use.
type ReadSet struct {
	points []PointRead
	index  map[Key]int
	ranges []Range
}

// AddPoint records a point read. Repeated reads of a key keep the first
// observed version.
func (rs *ReadSet) AddPoint(key Key, version Version) {
	if rs.index == nil {
		rs.index = make(map[Key]int)
	}
	if _, ok := rs.index[key]; ok {
		return
	}
	rs.index[key] = len(rs.points)
	rs.points = append(rs.points, PointRead{Key: key, Version: version})
}

// AddRange records a scanned range.
func (rs *ReadSet) AddRange(r Range) {
	for _, existing := range rs.ranges {
		if existing == r {
			return
		}
	}
	rs.ranges = append(rs.ranges, r)
}

// Points returns point reads in the order they were first made.
func (rs ReadSet) Points() []PointRead {
	return rs.points
}

// Ranges returns scanned ranges in the order they were first made.
func (rs ReadSet) Ranges() []Range {
	return rs.ranges
}

// Covers reports whether k was read, as a point or through a range.
func (rs ReadSet) Covers(k Key) bool {
	if _, ok := rs.index[k]; ok {
		return true
	}
	for _, r := range rs.ranges {
		if r.Contains(k) {
			return true
		}
	}
	return false
}

// Len returns the number of point reads plus ranges.
func (rs ReadSet) Len() int {
	return len(rs.points) + len(rs.ranges)
}

// Write is one pending write. A nil Value is a delete.
type Write struct {
	Key   Key
	Value value.Object
}

// IsDelete reports whether w removes the document.
func (w Write) IsDelete() bool {
	return w.Value == nil
}

// WriteSet is an ordered map from key to the latest pending write.
// Order is the order in which keys were first written.
type WriteSet struct {
	writes []Write
	index  map[Key]int
}

// NewWriteSet returns an empty write set.
func NewWriteSet() *WriteSet {
	return &WriteSet{index: make(map[Key]int)}
}

// Put records a new value for key.
func (ws *WriteSet) Put(key Key, v value.Object) {
	ws.set(Write{Key: key, Value: v})
}

// Delete records a tombstone for key.
func (ws *WriteSet) Delete(key Key) {
	ws.set(Write{Key: key})
}

func (ws *WriteSet) set(w Write) {
	if i, ok := ws.index[w.Key]; ok {
		ws.writes[i] = w
		return
	}
	ws.index[w.Key] = len(ws.writes)
	ws.writes = append(ws.writes, w)
}

// Get returns the pending write for key, if any.
func (ws *WriteSet) Get(key Key) (Write, bool) {
	if ws == nil {
		return Write{}, false
	}
	i, ok := ws.index[key]
	if !ok {
		return Write{}, false
	}
	return ws.writes[i], true
}

// Writes returns pending writes in first-write order.
func (ws *WriteSet) Writes() []Write {
	if ws == nil {
		return nil
	}
	return ws.writes
}

// Len returns the number of distinct keys written.
func (ws *WriteSet) Len() int {
	if ws == nil {
		return 0
	}
	return len(ws.writes)
}

// IsEmpty reports whether nothing was written.
func (ws *WriteSet) IsEmpty() bool {
	return ws.Len() == 0
}
