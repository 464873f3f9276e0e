package harness

import (
	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/occ"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// StepRecord is what one flow step did.
type StepRecord struct {
	Path          string
	RequestID     string
	Status        string
	Value         value.Value
	Error         string
	Attempts      []occ.AttemptRecord
	CommitVersion uint64
	LogLines      []udf.LogLine
}

// FinalTrace returns the capability trace of the last attempt.
func (s *StepRecord) FinalTrace() []isolate.TraceEntry {
	if len(s.Attempts) == 0 {
		return nil
	}
	return s.Attempts[len(s.Attempts)-1].Trace
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool

	// Steps has one record per flow step.
	Steps []StepRecord

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string

	// Counts holds the document count of every table an assertion named.
	Counts map[string]int
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepRecord{},
		Errors: []string{},
		Counts: map[string]int{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
