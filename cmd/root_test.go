package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/buildinfo"
)

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := RootCommand(buildinfo.NewContext("v0.0.1-test", "2026-10-18", "test"))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  sqlite:
    path: `+filepath.Join(dir, "crowdwarn.db")+`
sources:
  gdacs:
    enabled: false
logging:
  console:
    enabled: false
`), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "crowdwarn v0.0.1-test (built 2026-10-18)\n", out)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	out, err := run(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote ")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "writegate:")

	_, err = run(t, "", "config", "init", path)
	require.Error(t, err, "existing config is not overwritten")
}

func TestSubscriberLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "longpassword\n", "--config", cfg, "subscriber", "add", "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "subscribed ann@example.com\n", out)

	out, err = run(t, "", "--config", cfg, "subscriber", "add", "ann@example.com", "--password", "longpassword")
	require.NoError(t, err)
	assert.Contains(t, out, "already subscribed")

	_, err = run(t, "", "--config", cfg, "subscriber", "add", "ann@example.com", "--password", "wrongpassword")
	require.Error(t, err)

	out, err = run(t, "", "--config", cfg, "subscriber", "list")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ann@example.com\t"), out)

	out, err = run(t, "longpassword", "--config", cfg, "subscriber", "remove", "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "unsubscribed ann@example.com\n", out)

	out, err = run(t, "", "--config", cfg, "subscriber", "list")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestIngestRejectsDisabledSource(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "", "--config", cfg, "ingest", "gdacs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")

	_, err = run(t, "", "--config", cfg, "ingest", "twitter")
	require.Error(t, err)
}

func TestClassifyOnce(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "--config", cfg, "classify", "--once")
	require.NoError(t, err)
	assert.Equal(t, "processed 0, skipped 0, failed 0\n", out)

	out, err = run(t, "", "--config", cfg, "dispatch", "--once")
	require.NoError(t, err)
	assert.Equal(t, "findings 0, delivered 0, failed 0\n", out)
}

func TestTranslateOnce(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "", "--config", cfg, "translate", "--once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	t.Setenv("CROWDWARN_TRANSLATION_ENABLED", "true")
	t.Setenv("CROWDWARN_TRANSLATION_PROVIDER", "passthrough")
	out, err := run(t, "", "--config", cfg, "translate", "--once")
	require.NoError(t, err)
	assert.Equal(t, "translated 0, skipped 0, failed 0\n", out)
}

func TestDBExportToSQLite(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "", "--config", cfg, "subscriber", "add", "ann@example.com", "--password", "longpassword")
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "copy.db")
	out, err := run(t, "", "--config", cfg, "db", "export", "--to-sqlite", target)
	require.NoError(t, err)
	assert.Contains(t, out, "verification passed")
	assert.Regexp(t, `subscribers\s+1\s+0\s+0`, out)

	out, err = run(t, "", "--config", cfg, "db", "export", "--to-sqlite", target)
	require.NoError(t, err)
	assert.Regexp(t, `subscribers\s+0\s+1\s+0`, out, "second export skips existing rows")

	_, err = run(t, "", "--config", cfg, "db", "export")
	require.Error(t, err, "a target is required")

	_, err = run(t, "", "--config", cfg, "db", "export", "--to-sqlite", target, "--batch-size", "0")
	require.Error(t, err)
}
