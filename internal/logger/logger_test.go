package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, LogLevelDebug).Module("classifier")

	log.Info("cycle finished", Int("processed", 3), String("source", "forum topic"))

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "INFO  [classifier] cycle finished"), line)
	assert.Contains(t, line, "processed=3")
	assert.Contains(t, line, `source="forum topic"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, LogLevelWarn)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSubModuleAndFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger(&buf, LogLevelInfo).Module("datastore")
	child := base.Module("gate").With(Int("attempt", 2))

	child.Info("retrying")
	base.Info("plain")

	out := buf.String()
	assert.Contains(t, out, "[datastore.gate] retrying attempt=2")
	assert.Contains(t, out, "[datastore] plain\n", "parent must not inherit child fields")
}

func TestWithContextAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, LogLevelInfo)

	ctx := WithTraceID(context.Background(), "cycle-42")
	log.WithContext(ctx).Info("tick")
	log.WithContext(context.Background()).Info("untraced")

	assert.Contains(t, buf.String(), "tick trace_id=cycle-42")
	assert.Equal(t, "cycle-42", TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}

func TestCentralLoggerFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crowdwarn.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"noisy": "error"},
	})
	require.NoError(t, err)

	cl.Module("dispatcher").Info("sent", Int("recipients", 2), Duration("elapsed", 1500*time.Millisecond))
	cl.Module("noisy").Info("suppressed")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "sent", rec["msg"])
	assert.Equal(t, "dispatcher", rec["module"])
	assert.EqualValues(t, 2, rec["recipients"])
	assert.Equal(t, "1.5s", rec["elapsed"])
}

func TestInvalidTimezone(t *testing.T) {
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}
