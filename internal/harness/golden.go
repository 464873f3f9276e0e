package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/udfcore/internal/value"
)

// Snapshot renders the deterministic part of a result: per step the status,
// value, commit version and, per attempt, its outcome, base version and
// capability trace. Request ids, seeds and durations are left out.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	steps := make(value.Array, len(result.Steps))
	for i, s := range result.Steps {
		attempts := make(value.Array, len(s.Attempts))
		for j, a := range s.Attempts {
			trace := make(value.Array, len(a.Trace))
			for k, e := range a.Trace {
				entry := value.Object{"capability": value.String(e.Capability)}
				if e.Name != "" {
					entry["name"] = value.String(e.Name)
				}
				trace[k] = entry
			}
			attempts[j] = value.Object{
				"number":  value.Int(a.Number),
				"outcome": value.String(a.Outcome),
				"base":    value.Int(a.Base),
				"trace":   trace,
			}
		}
		step := value.Object{
			"path":     value.String(s.Path),
			"status":   value.String(s.Status),
			"attempts": attempts,
		}
		if s.Value != nil {
			step["value"] = s.Value
		}
		if s.CommitVersion != 0 {
			step["commit_version"] = value.Int(s.CommitVersion)
		}
		if s.Error != "" {
			step["error"] = value.String(s.Error)
		}
		steps[i] = step
	}

	canonical, err := value.MarshalCanonical(value.Object{
		"scenario": value.String(scenarioName),
		"steps":    steps,
	})
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, canonical, "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
