package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/faults"
)

func TestCodec_RoundTrip(t *testing.T) {
	env := NewRequest("engine", "parser-1", map[string]any{"stage": "parse"},
		WithPriority(PriorityHigh), WithTTL(5000), WithAck(),
		WithRetryPolicy(RetryPolicy{Strategy: "fibonacci", MaxAttempts: 4, BaseMs: 50}),
	)

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, env.MessageID, got.MessageID)
	require.Equal(t, env.Kind, got.Kind)
	require.Equal(t, env.Priority, got.Priority)
	require.EqualValues(t, 5000, got.TTLMs)
	require.True(t, got.RequiresAck)
	require.Equal(t, env.RetryPolicy, got.RetryPolicy)
}

func TestCodec_PreservesUnknownFields(t *testing.T) {
	wire := []byte(`{
		"message_id": "m1",
		"sender": "node-a",
		"recipient": "node-b",
		"kind": "request",
		"priority": "high",
		"payload": {"x": 1},
		"trace_context": {"span": "abc123"},
		"region": "eu-west-1"
	}`)

	env, err := Decode(wire)
	require.NoError(t, err)

	tc, ok := env.ExtraField("trace_context")
	require.True(t, ok)
	require.Equal(t, map[string]any{"span": "abc123"}, tc)
	_, ok = env.ExtraField("message_id")
	require.False(t, ok, "owned fields are not extras")

	out, err := Encode(env)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, map[string]any{"span": "abc123"}, doc["trace_context"])
	require.Equal(t, "eu-west-1", doc["region"])
	require.Equal(t, "m1", doc["message_id"])
	require.Equal(t, "high", doc["priority"])
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"message_id": `))
	require.Error(t, err)
}

func TestDecode_InvalidEnvelope(t *testing.T) {
	// Parseable JSON, but fails ingress validation: no sender.
	_, err := Decode([]byte(`{"message_id":"m1","recipient":"b","kind":"request","priority":"normal"}`))
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.Malformed))
}

func TestEncode_Nil(t *testing.T) {
	_, err := Encode(nil)
	require.Error(t, err)
}
