package occ

import (
	"errors"
	"fmt"

	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/udf"
)

// ExhaustedError is returned when every attempt of a mutation conflicted.
type ExhaustedError struct {
	Path     udf.FunctionPath
	Attempts int

	// Last is the conflict that ended the final attempt. It is not
	// unwrapped: callers only ever see the mutation as exhausted.
	Last *storage.ConflictError
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("mutation %s hit an OCC conflict on each of %d attempts", e.Path, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

// IsOCC reports whether err means the mutation gave up because of
// concurrent writes. Uses errors.As to handle wrapped errors.
func IsOCC(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
