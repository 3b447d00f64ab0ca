package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLoggerFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").Component("pipeline").With(Sender("alice"))

	log.Debug("hidden")
	log.Info("reply sent", Int("chunks", 2), Preview("text", "héllo world", 5))
	log.Security("bad secret")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	require.Equal(t, "pipeline", lines[0]["comp"])
	require.Equal(t, "alice", lines[0]["sender"])
	require.EqualValues(t, 2, lines[0]["chunks"])
	require.Equal(t, "héllo…", lines[0]["text"])
	require.EqualValues(t, 11, lines[0]["text_len"])
	require.Contains(t, lines[0]["caller"], "logx_test.go:")
	require.Equal(t, true, lines[1]["security"])
	require.Equal(t, "warn", lines[1]["level"])
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	l.Info("nothing")
	require.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"trace", "DEBUG", " info ", "warning", "error"} {
		_, ok := ParseLevel(s)
		require.True(t, ok, s)
	}
	for _, s := range []string{"", "fatal", "loud"} {
		_, ok := ParseLevel(s)
		require.False(t, ok, s)
	}
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "one.log")
	second := filepath.Join(dir, "two.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log.Info("to first")

	require.NoError(t, svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}}))
	log.Info("filtered")
	log.Error("to second")

	b, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Contains(t, string(b), "to first")
	require.NotContains(t, string(b), "to second")

	b, err = os.ReadFile(second)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	require.Equal(t, "to second", lines[0]["message"])
}

func TestServiceApplyReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	svc := &Service{}
	err := svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	require.Error(t, err)
	require.NotNil(t, svc.current())
}
