package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRequest_Defaults(t *testing.T) {
	env := NewRequest("engine", "parser-1", map[string]any{"stage": "parse"})

	require.NotEmpty(t, env.MessageID)
	require.Equal(t, KindRequest, env.Kind)
	require.Equal(t, PriorityNormal, env.Priority)
	require.Equal(t, "engine", env.Sender)
	require.Equal(t, "parser-1", env.Recipient)
	require.False(t, env.Timestamp.IsZero())
	require.NoError(t, env.Validate())
}

func TestOptions(t *testing.T) {
	rp := RetryPolicy{Strategy: "linear", MaxAttempts: 5, StepMs: 50}
	env := NewRequest("a", "b", nil,
		WithPriority(PriorityUrgent),
		WithTTL(1500),
		WithAck(),
		WithRetryPolicy(rp),
		WithCorrelation("corr-1"),
	)

	require.Equal(t, PriorityUrgent, env.Priority)
	require.EqualValues(t, 1500, env.TTLMs)
	require.True(t, env.RequiresAck)
	require.Equal(t, &rp, env.RetryPolicy)
	require.Equal(t, "corr-1", env.CorrelationID)
}

func TestNewResponse_CorrelatesAndInheritsPriority(t *testing.T) {
	req := NewRequest("engine", "pricing-1", nil, WithPriority(PriorityHigh))
	resp := NewResponse(req, map[string]any{"status": "ok"})

	require.Equal(t, KindResponse, resp.Kind)
	require.Equal(t, req.MessageID, resp.CorrelationID)
	require.NotEqual(t, req.MessageID, resp.MessageID)
	require.Equal(t, "pricing-1", resp.Sender)
	require.Equal(t, "engine", resp.Recipient)
	require.Equal(t, PriorityHigh, resp.Priority)
}

func TestNewError_IsErrorKind(t *testing.T) {
	req := NewRequest("engine", "pricing-1", nil)
	errEnv := NewError(req, map[string]any{"status": "error", "retryable": true})

	require.Equal(t, KindError, errEnv.Kind)
	require.Equal(t, req.MessageID, errEnv.CorrelationID)
}

func TestNewAck(t *testing.T) {
	orig := NewNotification("engine", "sales-1", nil, WithAck())
	ack := NewAck(orig, "sales-1")

	require.Equal(t, KindAck, ack.Kind)
	require.Equal(t, orig.MessageID, ack.CorrelationID)
	require.Equal(t, "engine", ack.Recipient)
	require.Equal(t, PriorityHigh, ack.Priority)
}

func TestNewBroadcast_Wildcard(t *testing.T) {
	env := NewBroadcast("engine", map[string]any{"drain": true})
	require.Equal(t, KindBroadcast, env.Kind)
	require.Equal(t, BroadcastRecipient, env.Recipient)
}

func TestValidate(t *testing.T) {
	valid := func() *Envelope { return NewRequest("a", "b", nil) }

	tests := []struct {
		name   string
		mutate func(*Envelope)
		ok     bool
	}{
		{"valid", func(e *Envelope) {}, true},
		{"empty message id", func(e *Envelope) { e.MessageID = "" }, false},
		{"empty sender", func(e *Envelope) { e.Sender = "" }, false},
		{"empty recipient", func(e *Envelope) { e.Recipient = "" }, false},
		{"unknown kind", func(e *Envelope) { e.Kind = "telegram" }, false},
		{"unknown priority", func(e *Envelope) { e.Priority = "whenever" }, false},
		{"negative ttl", func(e *Envelope) { e.TTLMs = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)
			err := env.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	env := NewRequest("a", "b", nil)
	require.False(t, env.Expired(time.Now().Add(time.Hour)), "no TTL never expires")

	env.TTLMs = 10
	require.False(t, env.Expired(env.Timestamp.Add(5*time.Millisecond)))
	require.True(t, env.Expired(env.Timestamp.Add(20*time.Millisecond)))
}

func TestPriorityRank(t *testing.T) {
	require.Equal(t, 0, PriorityUrgent.Rank())
	require.Equal(t, 1, PriorityHigh.Rank())
	require.Equal(t, 2, PriorityNormal.Rank())
	require.Equal(t, 3, PriorityLow.Rank())
	require.Equal(t, 2, Priority("mystery").Rank(), "unknown priorities rank with normal")
}

func TestClone_CopiesRetryPolicy(t *testing.T) {
	env := NewRequest("a", "b", nil, WithRetryPolicy(RetryPolicy{Strategy: "linear", MaxAttempts: 2}))
	cp := env.Clone()
	cp.RetryPolicy.MaxAttempts = 9

	require.Equal(t, 2, env.RetryPolicy.MaxAttempts)
}

func TestCloneFor_Readdresses(t *testing.T) {
	env := NewPublish("engine", "workflow/progress", map[string]any{"x": 1})
	cp := env.CloneFor("tracker-1")

	require.Equal(t, "tracker-1", cp.Recipient)
	require.Equal(t, env.MessageID, cp.MessageID)
	require.Equal(t, "workflow/progress", env.Recipient, "original untouched")
}
