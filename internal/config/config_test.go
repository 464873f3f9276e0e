package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetKnobs() {
	knobOnce = sync.Once{}
	occMaxRetries = 0
}

func TestDefault(t *testing.T) {
	resetKnobs()
	t.Cleanup(resetKnobs)

	cfg := Default()
	assert.Equal(t, DefaultOCCMaxRetries, cfg.OCCMaxRetries)
	assert.Equal(t, time.Second, cfg.UserTimeout)
	assert.True(t, cfg.InMemory())
	require.NoError(t, cfg.Validate())
}

func TestOCCMaxRetriesKnob(t *testing.T) {
	resetKnobs()
	t.Cleanup(resetKnobs)
	t.Setenv(EnvOCCMaxRetries, "7")

	assert.Equal(t, 7, OCCMaxRetries())

	// Read once per process.
	t.Setenv(EnvOCCMaxRetries, "2")
	assert.Equal(t, 7, OCCMaxRetries())
}

func TestOCCMaxRetriesKnobInvalid(t *testing.T) {
	for _, raw := range []string{"many", "-1", ""} {
		resetKnobs()
		t.Setenv(EnvOCCMaxRetries, raw)
		assert.Equal(t, DefaultOCCMaxRetries, OCCMaxRetries(), "raw %q", raw)
	}
	resetKnobs()
}

func TestParse(t *testing.T) {
	resetKnobs()
	t.Cleanup(resetKnobs)

	cfg, err := Parse([]byte(`
occ_max_retries: 2
user_timeout: 250ms
system_timeout: 5s
database: /tmp/udf.db
modules_dir: ./modules
listen: ":8080"
log_file: /var/log/udfcore.log
env_vars:
  REGION: eu
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.OCCMaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.UserTimeout)
	assert.Equal(t, 5*time.Second, cfg.SystemTimeout)
	assert.Equal(t, "/tmp/udf.db", cfg.Database)
	assert.False(t, cfg.InMemory())
	assert.Equal(t, "./modules", cfg.ModulesDir)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/var/log/udfcore.log", cfg.LogFile)
	assert.Equal(t, map[string]string{"REGION": "eu"}, cfg.EnvVars)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseExplicitZeroOverrides(t *testing.T) {
	cfg, err := Parse([]byte("occ_max_retries: 0\nuser_timeout: 2s\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.OCCMaxRetries)
	assert.Equal(t, Default().SystemTimeout, cfg.SystemTimeout)

	_, err = Parse([]byte("user_timeout: 0s\n"))
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "occ_retries: 3\n",
		"negative retries": "occ_max_retries: -1\n",
		"bad duration":     "user_timeout: soon\n",
		"zero timeout":     "system_timeout: 0s\n",
		"empty database":   "database: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udfcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
