package log

import (
	stdlog "log"
	"strings"
)

// RedirectStdLog routes standard-library log output (used by the storage
// engine) through the given Logger at info level.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdWriter{l})
}

type stdWriter struct{ l Logger }

func (w stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.l.Info(msg, F("source", "stdlog"))
	}
	return len(p), nil
}
