package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel(" error "))
	assert.Equal(t, LogLevelInfo, ParseLevel("bogus"))
}

func TestPromptMeshLogger_Attrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("registry").
		WithPrompt("p-1")

	l.Info("prompt %s cancelled", "p-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "prompt p-1 cancelled", rec["msg"])
	assert.Equal(t, "registry", rec["component"])
	assert.Equal(t, "p-1", rec["prompt_id"])
}

func TestPromptMeshLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	l.Info("hidden")
	l.Debug("hidden")
	l.LogStream("t", 1, time.Millisecond, nil)
	assert.Empty(t, buf.String())

	l.LogStream("t", 0, time.Millisecond, errors.New("boom"))
	assert.Contains(t, buf.String(), "Stream failed")
}

func TestWithContextDoesNotLeak(t *testing.T) {
	base := NewLogger(&LoggerConfig{Output: &bytes.Buffer{}})
	child := base.WithContext("k", "v")
	assert.Empty(t, base.context)
	assert.Equal(t, "v", child.context["k"])
}
