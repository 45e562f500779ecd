package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("verbose"))
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, "warn"), "dispatch")
	l.Info("dropped")
	l.Warn("kept", "ride_id", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "r1", line["ride_id"])
	assert.Equal(t, "dispatch", line["component"])
	assert.Equal(t, "ride-dispatch", line["service"])
}
