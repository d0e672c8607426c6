package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "console", Writer: &buf})
	require.NoError(t, err)

	Component(logger, "review").Warn("already decided", FieldReviewID, "r-1", "err", errors.New("no op"))
	line := buf.String()
	assert.Contains(t, line, " WARN review: already decided")
	assert.Contains(t, line, "review_id=r-1")
	assert.Contains(t, line, `err="no op"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestAutoFormatUsesJSONForNonTerminals(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "auto", Writer: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.WithGroup("http").Info("request", "status", 200)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "info", payload["level"])
	assert.Equal(t, "request", payload["msg"])
	assert.Contains(t, payload, "ts")
	assert.Contains(t, payload, "http")
}

func TestUnknownFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.NotNil(t, OrNop(nil))
}
