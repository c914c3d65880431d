package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// TextFormatter renders entries as "ts LEVEL message key=value ...".
type TextFormatter struct{}

func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	buf.WriteByte(' ')
	buf.WriteString(e.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(e.Message)
	for _, fld := range sortedFields(e.Fields) {
		fmt.Fprintf(&buf, " %s=%v", fld.Key, fld.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(e.Fields)+3)
	for _, fld := range e.Fields {
		m[fld.Key] = fld.Value
	}
	m["ts"] = e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	m["level"] = e.Level.String()
	m["msg"] = e.Message
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ConsoleOutput writes formatted entries to stderr, serialized.
type ConsoleOutput struct {
	mu sync.Mutex
}

// NewConsoleOutput returns an Output backed by stderr.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{} }

func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := os.Stderr.Write(formatted)
	return err
}
