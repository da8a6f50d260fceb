package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ballot/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults(dir)

	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}
	return dir
}

func uiOut() string {
	return ui.Out.(*bytes.Buffer).String()
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	require.NoError(t, configInitRun())

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ballot configuration")
	assert.Contains(t, string(data), "default_variants: 5")
	assert.Contains(t, string(data), `launcher: "terminal"`)
}

func TestConfigInit_RoundTrips(t *testing.T) {
	dir := testEnv(t)
	viper.Set("voting.max_variants", 7)
	viper.Set("monitor.interval", 3*time.Second)
	require.NoError(t, configInitRun())

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())

	assert.Equal(t, 7, v.GetInt("voting.max_variants"))
	assert.Equal(t, 3*time.Second, v.GetDuration("monitor.interval"))
	assert.Equal(t, 60*time.Second, v.GetDuration("evaluate.test_timeout"))
	assert.Equal(t, []string{"npm test", "pytest", "python -m pytest", "uv run pytest"}, v.GetStringSlice("evaluate.test_commands"))
	assert.Equal(t, []string{"--dangerously-skip-permissions"}, v.GetStringSlice("worker.args"))
	assert.True(t, v.GetBool("orchestrate.auto_combine"))
	assert.Equal(t, 8080, v.GetInt("port"))
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	require.NoError(t, configInitRun())

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ballot configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	require.NoError(t, configShowRun())
	out := uiOut()
	assert.Contains(t, out, "(none)")
	assert.Contains(t, out, "voting.default_variants")
	assert.Contains(t, out, "(default)")
}

func TestConfigShow_Sources(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("voting:\n  max_variants: 3\n"), 0644))
	t.Setenv("BALLOT_LOG_LEVEL", "debug")

	require.NoError(t, configShowRun())
	out := uiOut()
	assert.Contains(t, out, "(file)")
	assert.Contains(t, out, "(env: BALLOT_LOG_LEVEL)")
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "echo")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "BALLOT_PORT", envVar("port"))
	assert.Equal(t, "BALLOT_VOTING_AUTO_MERGE", envVar("voting.auto_merge"))
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	t.Setenv("BALLOT_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "BALLOT_TEST_KEY", fileValues), "env")
	assert.Contains(t, detectSource("key_a", "BALLOT_KEY_A_NONEXISTENT", fileValues), "file")
	assert.Contains(t, detectSource("key_b", "BALLOT_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}
