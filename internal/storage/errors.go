package storage

import (
	"errors"
	"fmt"
)

// ConflictError is returned by Commit when a key or range the attempt
// depended on was modified by a commit after its base version.
type ConflictError struct {
	Base       Version // version the attempt read from
	Conflicted Version // first later version that touched the dependency
	Key        Key     // the modified key
	Range      *Range  // set when the key was matched through a scanned range
}

func (e *ConflictError) Error() string {
	if e.Range != nil {
		return fmt.Sprintf("commit conflict: %s in range %s modified at version %d after base %d",
			e.Key, e.Range, e.Conflicted, e.Base)
	}
	return fmt.Sprintf("commit conflict: %s modified at version %d after base %d",
		e.Key, e.Conflicted, e.Base)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
