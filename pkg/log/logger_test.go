package log

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureOutput collects formatted entries in memory.
type captureOutput struct {
	lines []string
}

func (o *captureOutput) Write(_ *Entry, formatted []byte) error {
	o.lines = append(o.lines, string(formatted))
	return nil
}

func TestLevelFiltering(t *testing.T) {
	out := &captureOutput{}
	l := NewLogger(WithLevel(WarnLevel), WithOutput(out))

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
	require.Len(t, out.lines, 2)

	l.SetLevel(DebugLevel)
	l.Debug("d2")
	require.Len(t, out.lines, 3)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel, "": InfoLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestWithCarriesFields(t *testing.T) {
	out := &captureOutput{}
	l := NewLogger(WithOutput(out)).WithComponent("worker").With(F("consumer", "c1"))

	l.Info("started", F("batch", 10))
	require.Len(t, out.lines, 1)
	line := out.lines[0]
	require.Contains(t, line, "component=worker")
	require.Contains(t, line, "consumer=c1")
	require.Contains(t, line, "batch=10")
	require.Contains(t, line, "INFO started")
}

func TestErrField(t *testing.T) {
	require.Equal(t, "boom", Err(errors.New("boom")).Value)
	require.Nil(t, Err(nil).Value)
}

func TestTextFormatterSortsFields(t *testing.T) {
	f := &TextFormatter{}
	b, err := f.Format(&Entry{
		Level:     InfoLevel,
		Message:   "m",
		Fields:    []Field{F("z", 1), F("a", 2)},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, "2025-06-01T12:00:00.000Z INFO m a=2 z=1\n", string(b))
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}
	b, err := f.Format(&Entry{
		Level:     ErrorLevel,
		Message:   "m",
		Fields:    []Field{F("id", 7)},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(b), "\n"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "ERROR", m["level"])
	require.Equal(t, "m", m["msg"])
	require.Equal(t, float64(7), m["id"])
}
