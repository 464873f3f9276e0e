package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/udfcore/internal/isolate"
)

// EvaluateAssertions checks every assertion against result and returns one
// message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion) error {
	if a.Type == AssertFinalCount {
		return assertFinalCount(result, a)
	}
	if a.Step < 0 || a.Step >= len(result.Steps) {
		return fmt.Errorf("step %d did not run", a.Step)
	}
	step := &result.Steps[a.Step]

	switch a.Type {
	case AssertAttemptOutcomes:
		return assertAttemptOutcomes(step, a.Outcomes)
	case AssertTraceContains:
		if countEntries(step.FinalTrace(), a.Capability, a.Name) == 0 {
			return fmt.Errorf("final attempt of %s made no %s request", step.Path, describe(a))
		}
		return nil
	case AssertTraceCount:
		if got := countEntries(step.FinalTrace(), a.Capability, a.Name); got != a.Count {
			return fmt.Errorf("expected %d %s requests, got %d", a.Count, describe(a), got)
		}
		return nil
	case AssertLogContains:
		return assertLogContains(step, a.Message)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertAttemptOutcomes(step *StepRecord, want []string) error {
	got := make([]string, len(step.Attempts))
	for i, at := range step.Attempts {
		got[i] = string(at.Outcome)
	}
	if len(got) != len(want) {
		return fmt.Errorf("expected outcomes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("attempt %d: expected %s, got %s (all: %v)", i+1, want[i], got[i], got)
		}
	}
	return nil
}

// countEntries counts trace entries of a capability. An empty name matches
// every name.
func countEntries(trace []isolate.TraceEntry, capability, name string) int {
	n := 0
	for _, e := range trace {
		if e.Capability == capability && (name == "" || e.Name == name) {
			n++
		}
	}
	return n
}

func assertLogContains(step *StepRecord, message string) error {
	for _, line := range step.LogLines {
		if strings.Contains(strings.Join(line.Messages, " "), message) {
			return nil
		}
	}
	return fmt.Errorf("no log line of %s contains %q", step.Path, message)
}

func assertFinalCount(result *Result, a Assertion) error {
	got, ok := result.Counts[a.Table]
	if !ok {
		return fmt.Errorf("table %s was not counted", a.Table)
	}
	if got != a.Count {
		return fmt.Errorf("expected %d documents in %s, got %d", a.Count, a.Table, got)
	}
	return nil
}

func describe(a Assertion) string {
	if a.Name == "" {
		return a.Capability
	}
	return a.Capability + " " + a.Name
}
