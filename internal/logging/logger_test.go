// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		out = append(out, m)
	}
	return out
}

// =====================================================
// Initialization
// =====================================================

func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	assert.Same(t, first, Get())
	assert.Equal(t, &buf1, Get().out)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

// =====================================================
// Output shape
// =====================================================

func TestLogger_InfoWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("queue item enqueued", map[string]interface{}{"item_id": "abc", "priority": "high"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "queue item enqueued", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.NotEmpty(t, lines[0]["timestamp"])

	ctx, ok := lines[0]["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "abc", ctx["item_id"])
}

func TestLogger_ErrorIncludesErrorAndCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.ErrorWithCode("sync failed", "SYNC_FAILED", errors.New("remote unreachable"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "remote unreachable", lines[0]["error"])
	assert.Equal(t, "SYNC_FAILED", lines[0]["error_code"])
	assert.NotContains(t, lines[0], "context")
}

func TestLogger_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])

	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	assert.Len(t, decodeLines(t, &buf), 2)
}

func TestMergeContext(t *testing.T) {
	assert.Nil(t, mergeContext())

	merged := mergeContext(
		map[string]interface{}{"a": 1, "b": 1},
		map[string]interface{}{"b": 2},
	)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, merged)
}
