package dlq

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/stream"
)

// Record is one inspectable DLQ entry: its log position plus the decoded
// envelope. Undecodable payloads surface with a nil Event and the raw bytes.
type Record struct {
	ID    uint64
	Event *envelope.Event
	Raw   []byte
}

// recordFilter wraps a compiled CEL program evaluated per DLQ record. When
// disabled, Match always returns true.
type recordFilter struct {
	prog    cel.Program
	enabled bool
}

func newRecordFilter(expr string) (recordFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return recordFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.IntType),
		cel.Variable("type", cel.StringType),
		cel.Variable("attempt_count", cel.IntType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("dead", cel.BoolType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("origin_stream", cel.StringType),
		// Expose parsed JSON payload (map/list/values) for field filtering
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return recordFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return recordFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return recordFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return recordFilter{}, err
	}
	return recordFilter{prog: prog, enabled: true}, nil
}

func (f recordFilter) Match(rec Record) bool {
	if !f.enabled {
		return true
	}
	ev := rec.Event
	if ev == nil {
		ev = &envelope.Event{}
	}
	var jsonObj any
	_ = json.Unmarshal(ev.Payload, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"id":            int64(rec.ID),
		"type":          ev.Type,
		"attempt_count": int64(ev.AttemptCount),
		"retry_count":   int64(ev.RetryCount),
		"dead":          ev.Dead,
		"last_error":    ev.LastError,
		"origin_stream": ev.OriginStream,
		"json":          jsonObj,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// List reads up to limit records from the DLQ stream and returns the ones
// matching the CEL filter expression. An empty expression matches everything.
// Expressions see id, type, attempt_count, retry_count, dead, last_error,
// origin_stream, and the parsed payload as json.
func List(ctx context.Context, log stream.Log, dlqStream, filterExpr string, limit int) ([]Record, error) {
	filter, err := newRecordFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	entries, err := log.Read(ctx, dlqStream, 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec := Record{ID: e.ID}
		if ev, decErr := envelope.Decode(e.Payload); decErr == nil {
			rec.Event = ev
		} else {
			rec.Raw = e.Payload
		}
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
