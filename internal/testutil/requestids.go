package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/udfcore/internal/udf"
)

// DefaultRequestPrefix prefixes ids from a RequestIDs created with an empty prefix.
const DefaultRequestPrefix = "test-request"

// RequestIDs hands out sequential request contexts for tests.
//
// Production request ids are UUIDv7 and differ on every run. RequestIDs
// makes the same scenario produce the same ids each time it runs, and can
// be reset for reuse.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RequestIDs struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewRequestIDs creates a generator whose first id is "<prefix>-000001".
func NewRequestIDs(prefix string) *RequestIDs {
	if prefix == "" {
		prefix = DefaultRequestPrefix
	}
	return &RequestIDs{prefix: prefix}
}

// Next returns a request context carrying the next id.
func (g *RequestIDs) Next() udf.RequestContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return udf.RequestContext{RequestID: fmt.Sprintf("%s-%06d", g.prefix, g.seq)}
}

// Issued returns how many ids have been handed out since the last Reset.
func (g *RequestIDs) Issued() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. After Reset, Next returns "<prefix>-000001".
func (g *RequestIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
