package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/application/testmodules"
)

// writeModules copies the embedded test modules into a fresh directory.
func writeModules(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "functions")
	require.NoError(t, os.Mkdir(dir, 0o755))
	for _, name := range []string{"basic.lua", "functions.cue"} {
		data, err := testmodules.FS.ReadFile(name)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return dir
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
