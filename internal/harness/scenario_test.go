package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: full
description: "every field"
max_retries: 3
env_vars: { REGION: eu }
setup:
  - call: basic:insertObject
    args: [{ an: object }]
flow:
  - call: basic:insertAndCount
    args: [{ an: object }]
    identity: { subject: user-1, issuer: "https://issuer.example" }
    visibility: all
    pause:
      hits: 2
      rounds: 1
      while_paused:
        - call: basic:count
    expect:
      status: success
      value: 2
      attempts: 2
assertions:
  - type: attempt_outcomes
    step: 0
    outcomes: [conflicted, succeeded]
`))
	require.NoError(t, err)

	assert.Equal(t, "full", s.Name)
	require.NotNil(t, s.MaxRetries)
	assert.Equal(t, 3, *s.MaxRetries)
	assert.Equal(t, map[string]string{"REGION": "eu"}, s.EnvVars)
	require.Len(t, s.Setup, 1)
	require.Len(t, s.Flow, 1)

	step := s.Flow[0]
	assert.Equal(t, "basic:insertAndCount", step.Call)
	assert.Equal(t, "user-1", step.Identity.Subject)
	assert.Equal(t, "all", step.Visibility)
	assert.Equal(t, 2, step.Pause.Hits)
	assert.Equal(t, 1, step.Pause.Rounds)
	assert.Equal(t, "basic:count", step.Pause.WhilePaused[0].Call)
	assert.Equal(t, 2, step.Expect.Value)
}

func TestParseScenario_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
name: x
flow: [{ call: "basic:count", retries: 2 }]`,
		"missing name": `
flow: [{ call: "basic:count" }]`,
		"empty flow": `
name: x
flow: []`,
		"bad path": `
name: x
flow: [{ call: ":nope" }]`,
		"negative retries": `
name: x
max_retries: -1
flow: [{ call: "basic:count" }]`,
		"bad visibility": `
name: x
flow: [{ call: "basic:count", visibility: secret }]`,
		"zero hits": `
name: x
flow: [{ call: "basic:count", pause: { hits: 0 } }]`,
		"rounds above hits": `
name: x
flow: [{ call: "basic:count", pause: { hits: 1, rounds: 2 } }]`,
		"unknown status": `
name: x
flow: [{ call: "basic:count", expect: { status: great } }]`,
		"unknown assertion": `
name: x
flow: [{ call: "basic:count" }]
assertions: [{ type: vibes }]`,
		"step out of range": `
name: x
flow: [{ call: "basic:count" }]
assertions: [{ type: log_contains, step: 1, message: hi }]`,
		"final_count without table": `
name: x
flow: [{ call: "basic:count" }]
assertions: [{ type: final_count, count: 1 }]`,
		"identity without subject": `
name: x
flow: [{ call: "basic:count", identity: { issuer: me } }]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadScenario_Missing(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenarios_EmptyDir(t *testing.T) {
	_, err := LoadScenarios(t.TempDir())
	assert.Error(t, err)
}
