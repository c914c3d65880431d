// Package envelope defines the event envelope carried on the wire and its
// codec. The envelope wraps an opaque processor payload with the pipeline
// metadata that travels with it across streams: attempt history, the stream
// the record currently lives in, and the last failure reason.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Event is the wire envelope. AttemptCount tracks deliveries and
// redeliveries accrued on the main stream; RetryCount tracks reprocessing
// attempts made while the record lives in the DLQ. Both only increase.
type Event struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	RetryCount   int             `json:"retry_count,omitempty"`
	OriginStream string          `json:"origin_stream,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Dead         bool            `json:"dead,omitempty"`
}

// DecodeError reports a malformed envelope. The reason travels to the DLQ as
// the record's last_error.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "envelope: decode failed: " + e.Reason }

// Encode serializes the event. Encoding is canonical: an encode→decode→encode
// cycle is byte-stable.
func Encode(ev *Event) ([]byte, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("envelope: empty type")
	}
	if ev.AttemptCount < 0 {
		return nil, fmt.Errorf("envelope: negative attempt_count %d", ev.AttemptCount)
	}
	return json.Marshal(ev)
}

// Decode parses an envelope, validating required fields. Failures are
// *DecodeError values.
func Decode(b []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if ev.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}
	if ev.AttemptCount < 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("negative attempt_count %d", ev.AttemptCount)}
	}
	if ev.RetryCount < 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("negative retry_count %d", ev.RetryCount)}
	}
	return &ev, nil
}

// Clone returns a deep copy, used when deriving DLQ records so attempt
// history on the original is never mutated in place.
func (ev *Event) Clone() *Event {
	cp := *ev
	if ev.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), ev.Payload...)
	}
	return &cp
}
