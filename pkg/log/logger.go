package log

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name (case-insensitive). Unknown names error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Err constructs an error field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Entry is a formatted log record handed to outputs.
type Entry struct {
	Level     Level
	Message   string
	Fields    []Field
	Timestamp time.Time
}

// Logger is the logging interface evpipe components depend on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that always carries the given fields.
	With(fields ...Field) Logger
	// WithComponent tags all records with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
}

// Formatter renders an Entry to bytes.
type Formatter interface {
	Format(e *Entry) ([]byte, error)
}

// Output receives formatted entries.
type Output interface {
	Write(e *Entry, formatted []byte) error
}

// Option configures a logger built by NewLogger.
type Option func(*baseLogger)

// WithLevel sets the minimum level.
func WithLevel(level Level) Option { return func(l *baseLogger) { l.level = level } }

// WithFormatter sets the formatter.
func WithFormatter(f Formatter) Option { return func(l *baseLogger) { l.formatter = f } }

// WithOutput adds an output.
func WithOutput(o Output) Option { return func(l *baseLogger) { l.outputs = append(l.outputs, o) } }

type baseLogger struct {
	mu        sync.Mutex
	level     Level
	base      []Field
	formatter Formatter
	outputs   []Output
}

// NewLogger builds a Logger. Defaults: InfoLevel, text format, console output.
func NewLogger(opts ...Option) Logger {
	l := &baseLogger{level: InfoLevel}
	for _, opt := range opts {
		opt(l)
	}
	if l.formatter == nil {
		l.formatter = &TextFormatter{}
	}
	if len(l.outputs) == 0 {
		l.outputs = []Output{NewConsoleOutput()}
	}
	return l
}

func (l *baseLogger) log(level Level, msg string, fields []Field) {
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min {
		return
	}
	all := make([]Field, 0, len(l.base)+len(fields))
	all = append(all, l.base...)
	all = append(all, fields...)
	e := &Entry{Level: level, Message: msg, Fields: all, Timestamp: time.Now()}
	formatted, err := l.formatter.Format(e)
	if err != nil {
		return
	}
	for _, out := range l.outputs {
		_ = out.Write(e, formatted)
	}
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *baseLogger) With(fields ...Field) Logger {
	nl := &baseLogger{
		level:     l.level,
		formatter: l.formatter,
		outputs:   l.outputs,
	}
	nl.base = append(append([]Field{}, l.base...), fields...)
	return nl
}

func (l *baseLogger) WithComponent(component string) Logger {
	return l.With(F("component", component))
}

func (l *baseLogger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// sortedFields returns fields sorted by key for stable text output.
// Base fields keep insertion order ahead of per-call fields when keys collide.
func sortedFields(fields []Field) []Field {
	out := append([]Field{}, fields...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
