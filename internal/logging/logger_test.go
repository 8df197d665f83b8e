package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Component: "TEST", MinLevel: WARN, Output: &buf})

	l.Debug("debug message")
	l.Info("info message")
	assert.Empty(t, buf.String(), "debug/info should be filtered below WARN")

	l.Warn("warn message")
	assert.Contains(t, buf.String(), "[TEST]")
	assert.Contains(t, buf.String(), "warn message")
}

func TestComponentLogger_TagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Component: "STORE", MinLevel: DEBUG, Output: &buf})

	l.Error("disk full")
	out := buf.String()
	require.True(t, strings.Contains(out, "[STORE]"))
	require.True(t, strings.Contains(out, "ERROR"))
	require.True(t, strings.Contains(out, "disk full"))
}

func TestOrNop_NilSafe(t *testing.T) {
	var l Logger
	safe := OrNop(l)
	require.NotNil(t, safe)
	safe.Info("should not panic")
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}
