package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/udfcore/internal/udf"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// MaxRetries overrides the process-wide retry budget.
	MaxRetries *int `yaml:"max_retries,omitempty"`

	// Modules is a modules directory relative to the scenario file. Empty
	// selects the embedded test modules.
	Modules string `yaml:"modules,omitempty"`

	// EnvVars are visible to every function of the scenario.
	EnvVars map[string]string `yaml:"env_vars,omitempty"`

	// Setup calls run before the flow and must succeed.
	Setup []Invocation `yaml:"setup,omitempty"`

	// Flow is the main test flow.
	Flow []FlowStep `yaml:"flow"`

	// Assertions are evaluated after the flow.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// baseDir is the directory of the scenario file, for Modules.
	baseDir string
}

// Invocation is one mutation call.
type Invocation struct {
	// Call is the function path, "module:export".
	Call string `yaml:"call"`

	// Args are the positional arguments.
	Args []any `yaml:"args,omitempty"`

	// Identity runs the call as a user. Absent means the system identity.
	Identity *Identity `yaml:"identity,omitempty"`

	// Visibility is "public_only" (default) or "all".
	Visibility string `yaml:"visibility,omitempty"`
}

// Identity is an authenticated user.
type Identity struct {
	Subject string `yaml:"subject"`
	Issuer  string `yaml:"issuer"`
}

// FlowStep is a flow call with optional pause interleaving and expectation.
type FlowStep struct {
	Invocation `yaml:",inline"`

	// Pause holds the call at the retry-loop-start point of each attempt.
	Pause *PauseClause `yaml:"pause,omitempty"`

	// Expect checks the outcome. Nil means success with no other checks.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// PauseClause says how to interleave other calls with a paused one.
type PauseClause struct {
	// Hits is how many pause hits are released. Every attempt hits the
	// pause once, so Hits should equal the expected attempt count.
	Hits int `yaml:"hits"`

	// Rounds is how many of the first hits run WhilePaused before release.
	// Zero means every hit.
	Rounds int `yaml:"rounds,omitempty"`

	// WhilePaused calls run to completion while the step is paused.
	WhilePaused []Invocation `yaml:"while_paused"`
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Status is one of the Status constants.
	Status string `yaml:"status"`

	// Value is compared to the returned value when set.
	Value any `yaml:"value,omitempty"`

	// Attempts is compared to the number of attempts when non-zero.
	Attempts int `yaml:"attempts,omitempty"`

	// ErrorContains must be a substring of the error message.
	ErrorContains string `yaml:"error_contains,omitempty"`
}

// Step statuses.
const (
	StatusSuccess           = "success"
	StatusFunctionError     = "function_error"
	StatusOCCExhausted      = "occ_exhausted"
	StatusTimeout           = "timeout"
	StatusContractViolation = "contract_violation"
	StatusFailed            = "failed"
)

// Assertion validates attempts, traces or final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Step indexes the flow (attempt_outcomes, trace_*, log_contains).
	Step int `yaml:"step,omitempty"`

	// Outcomes are the expected attempt outcomes (attempt_outcomes).
	Outcomes []string `yaml:"outcomes,omitempty"`

	// Capability and Name select trace entries (trace_contains, trace_count).
	Capability string `yaml:"capability,omitempty"`
	Name       string `yaml:"name,omitempty"`

	// Count is the expected count (trace_count, final_count).
	Count int `yaml:"count,omitempty"`

	// Table is the table to count (final_count).
	Table string `yaml:"table,omitempty"`

	// Message must be contained in a log line (log_contains).
	Message string `yaml:"message,omitempty"`
}

// Assertion types.
const (
	AssertAttemptOutcomes = "attempt_outcomes"
	AssertTraceContains   = "trace_contains"
	AssertTraceCount      = "trace_count"
	AssertFinalCount      = "final_count"
	AssertLogContains     = "log_contains"
)

// LoadScenario loads a scenario from a YAML file.
// Unknown fields are rejected to catch typos.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.baseDir = filepath.Dir(path)
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	for i, inv := range s.Setup {
		if err := validateInvocation(inv); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateFlowStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, len(s.Flow)); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateInvocation(inv Invocation) error {
	if inv.Call == "" {
		return fmt.Errorf("call is required")
	}
	if _, err := udf.ParsePath(inv.Call); err != nil {
		return err
	}
	switch udf.AllowedVisibility(inv.Visibility) {
	case "", udf.PublicOnly, udf.AllVisibility:
	default:
		return fmt.Errorf("unknown visibility %q", inv.Visibility)
	}
	if inv.Identity != nil && inv.Identity.Subject == "" {
		return fmt.Errorf("identity.subject is required")
	}
	return nil
}

func validateFlowStep(step FlowStep) error {
	if err := validateInvocation(step.Invocation); err != nil {
		return err
	}
	if p := step.Pause; p != nil {
		if p.Hits < 1 {
			return fmt.Errorf("pause.hits must be at least 1")
		}
		if p.Rounds < 0 || p.Rounds > p.Hits {
			return fmt.Errorf("pause.rounds must be between 0 and hits")
		}
		for i, inv := range p.WhilePaused {
			if err := validateInvocation(inv); err != nil {
				return fmt.Errorf("pause.while_paused[%d]: %w", i, err)
			}
		}
	}
	if e := step.Expect; e != nil {
		switch e.Status {
		case StatusSuccess, StatusFunctionError, StatusOCCExhausted,
			StatusTimeout, StatusContractViolation, StatusFailed:
		default:
			return fmt.Errorf("expect.status %q is not a known status", e.Status)
		}
	}
	return nil
}

func validateAssertion(a Assertion, steps int) error {
	stepScoped := func() error {
		if a.Step < 0 || a.Step >= steps {
			return fmt.Errorf("step %d is out of range", a.Step)
		}
		return nil
	}

	switch a.Type {
	case AssertAttemptOutcomes:
		if len(a.Outcomes) == 0 {
			return fmt.Errorf("outcomes are required for attempt_outcomes")
		}
		return stepScoped()
	case AssertTraceContains:
		if a.Capability == "" {
			return fmt.Errorf("capability is required for trace_contains")
		}
		return stepScoped()
	case AssertTraceCount:
		if a.Capability == "" {
			return fmt.Errorf("capability is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
		return stepScoped()
	case AssertFinalCount:
		if a.Table == "" {
			return fmt.Errorf("table is required for final_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for final_count")
		}
	case AssertLogContains:
		if a.Message == "" {
			return fmt.Errorf("message is required for log_contains")
		}
		return stepScoped()
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
