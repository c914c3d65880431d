package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := &Event{
		Type:         "order.created",
		Payload:      json.RawMessage(`{"order_id":42}`),
		AttemptCount: 2,
		RetryCount:   1,
		OriginStream: "events-dlq",
		LastError:    "boom",
	}
	b, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, ev, got)

	// Canonical: encoding the decoded event reproduces the bytes.
	b2, err := Encode(got)
	require.NoError(t, err)
	require.Equal(t, b, b2)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(&Event{})
	require.Error(t, err)

	_, err = Encode(&Event{Type: "x", AttemptCount: -1})
	require.Error(t, err)
}

func TestDecodeFailures(t *testing.T) {
	cases := map[string]string{
		"not json":               `{{`,
		"missing type":           `{"attempt_count":0}`,
		"negative attempt_count": `{"type":"x","attempt_count":-1}`,
		"negative retry_count":   `{"type":"x","retry_count":-2}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			require.NotEmpty(t, de.Reason)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ev := &Event{Type: "x", Payload: json.RawMessage(`{"a":1}`)}
	cp := ev.Clone()
	cp.Payload[1] = 'b'
	cp.AttemptCount = 9

	require.Equal(t, json.RawMessage(`{"a":1}`), ev.Payload)
	require.Zero(t, ev.AttemptCount)
}
