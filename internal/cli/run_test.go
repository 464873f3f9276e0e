package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	mods := writeModules(t)

	out, err := execute(t, "run", "basic:insertObject", "--modules", mods, "--args", `[{"an": "object"}]`)
	require.NoError(t, err)
	assert.Equal(t, "{\"an\":\"object\"}\n", out)
}

func TestRun_FractionalArguments(t *testing.T) {
	mods := writeModules(t)

	out, err := execute(t, "run", "basic:insertObject", "--modules", mods, "--args", `[{"price": 1.5}]`)
	require.NoError(t, err)
	assert.Equal(t, "{\"price\":1.5}\n", out)
}

func TestRun_JSON(t *testing.T) {
	mods := writeModules(t)

	out, err := execute(t, "run", "basic:insertAndCount", "--modules", mods,
		"--args", `[{"an": "object"}]`, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status    string `json:"status"`
		RequestID string `json:"request_id"`
		Data      struct {
			Value         int `json:"value"`
			Attempts      int `json:"attempts"`
			CommitVersion int `json:"commit_version"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 1, resp.Data.Value)
	assert.Equal(t, 1, resp.Data.Attempts)
	assert.Equal(t, 1, resp.Data.CommitVersion)
}

func TestRun_PersistsToSQLite(t *testing.T) {
	mods := writeModules(t)
	db := filepath.Join(t.TempDir(), "udf.db")

	for range 2 {
		_, err := execute(t, "run", "basic:insertAndCount", "--modules", mods, "--db", db, "--args", `[{}]`)
		require.NoError(t, err)
	}
	out, err := execute(t, "run", "basic:count", "--modules", mods, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestRun_FunctionError(t *testing.T) {
	mods := writeModules(t)

	out, err := execute(t, "run", "basic:logAndFail", "--modules", mods, "--args", `["broken"]`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "[LOG] failing with broken")
	assert.Contains(t, out, "Error [FUNCTION_ERROR]")
}

func TestRun_InternalFunction(t *testing.T) {
	mods := writeModules(t)

	_, err := execute(t, "run", "basic:internalOnly", "--modules", mods)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := execute(t, "run", "basic:internalOnly", "--modules", mods, "--internal", "--parent-job", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "\"hidden\"\n", out)
}

func TestRun_CommandErrors(t *testing.T) {
	mods := writeModules(t)
	badConfig := filepath.Join(t.TempDir(), "udfcore.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte("occ_retries: 2\n"), 0o644))

	cases := map[string][]string{
		"bad path":        {"run", ":", "--modules", mods},
		"args not array":  {"run", "basic:count", "--modules", mods, "--args", `{"a": 1}`},
		"args not json":   {"run", "basic:count", "--modules", mods, "--args", `[`},
		"issuer only":     {"run", "basic:count", "--modules", mods, "--issuer", "me"},
		"missing modules": {"run", "basic:count", "--modules", filepath.Join(t.TempDir(), "nope")},
		"bad config":      {"run", "basic:count", "--config", badConfig},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestRun_LogFile(t *testing.T) {
	mods := writeModules(t)
	dir := t.TempDir()
	logFile := filepath.Join(dir, "udfcore.log")
	cfgPath := filepath.Join(dir, "udfcore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_file: "+logFile+"\n"), 0o644))

	_, err := execute(t, "run", "basic:count", "--config", cfgPath, "--modules", mods)
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "application ready")
}
