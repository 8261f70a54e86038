package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLines parses one JSON object per logged line.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogrusAdapter_Fields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogrusAdapter(logrus.NewEntry(newJSONLogger(&buf)))

	base.WithFields(map[string]interface{}{"session_id": "s1", "queued": 3}).
		WithField("pts", 3000).
		WithError(errors.New("bad data")).
		Warn("frame dropped")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s1", lines[0]["session_id"])
	assert.Equal(t, float64(3), lines[0]["queued"])
	assert.Equal(t, float64(3000), lines[0]["pts"])
	assert.Equal(t, "bad data", lines[0]["error"])
	assert.Equal(t, "warning", lines[0]["level"])
	assert.Equal(t, "frame dropped", lines[0]["msg"])
}

func TestLogrusAdapter_DerivedLoggersDoNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogrusAdapter(logrus.NewEntry(newJSONLogger(&buf)))

	a := base.WithField("backend", "videotoolbox")
	b := base.WithField("backend", "mediacodec")
	base.Info("base")
	a.Info("a")
	b.Info("b")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.NotContains(t, lines[0], "backend")
	assert.Equal(t, "videotoolbox", lines[1]["backend"])
	assert.Equal(t, "mediacodec", lines[2]["backend"])
}

func TestLogrusAdapter_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level logrus.Level
		emit  func(Logger)
		want  string
	}{
		{"debug", logrus.DebugLevel, func(l Logger) { l.Debug("m") }, "debug"},
		{"info", logrus.DebugLevel, func(l Logger) { l.Info("m") }, "info"},
		{"warn", logrus.DebugLevel, func(l Logger) { l.Warn("m") }, "warning"},
		{"error", logrus.DebugLevel, func(l Logger) { l.Error("m") }, "error"},
		{"debugf", logrus.DebugLevel, func(l Logger) { l.Debugf("%s", "m") }, "debug"},
		{"infof", logrus.DebugLevel, func(l Logger) { l.Infof("%s", "m") }, "info"},
		{"warnf", logrus.DebugLevel, func(l Logger) { l.Warnf("%s", "m") }, "warning"},
		{"errorf", logrus.DebugLevel, func(l Logger) { l.Errorf("%s", "m") }, "error"},
		{"log", logrus.DebugLevel, func(l Logger) { l.Log(logrus.WarnLevel, "m") }, "warning"},
		{"filtered", logrus.WarnLevel, func(l Logger) { l.Info("m") }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := newJSONLogger(&buf)
			l.SetLevel(tt.level)
			tt.emit(NewLogrusAdapter(logrus.NewEntry(l)))

			if tt.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			lines := decodeLines(t, &buf)
			require.Len(t, lines, 1)
			assert.Equal(t, tt.want, lines[0]["level"])
			assert.Equal(t, "m", lines[0]["msg"])
		})
	}
}

func TestLogrusAdapter_Fatal(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)
	exitCode := -1
	l.ExitFunc = func(code int) { exitCode = code }

	NewLogrusAdapter(logrus.NewEntry(l)).Fatal("no decoder backend")

	assert.Equal(t, 1, exitCode)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "fatal", lines[0]["level"])
}
