package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, parseLevel("warn"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
	require.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestBuildJSON(t *testing.T) {
	var buf bytes.Buffer
	log := build(&buf, "mapper", "json", "info")

	log.Debug("hidden")
	log.Info("run finished", slog.Int("inserted", 2))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "mapper", line["service"])
	require.Equal(t, "run finished", line["msg"])
	require.EqualValues(t, 2, line["inserted"])
}

func TestBuildTextByDefault(t *testing.T) {
	var buf bytes.Buffer
	build(&buf, "api", "", "debug").Debug("visible")

	require.Contains(t, buf.String(), "msg=visible")
	require.Contains(t, buf.String(), "service=api")
}
