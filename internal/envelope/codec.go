package envelope

import (
	"encoding/json"
	"fmt"
)

// knownFields is the set of top-level wire fields the codec owns. Anything
// else seen on decode is preserved verbatim and re-emitted on encode, so an
// older node can relay envelopes from a newer one without data loss.
var knownFields = map[string]struct{}{
	"message_id":     {},
	"correlation_id": {},
	"sender":         {},
	"recipient":      {},
	"kind":           {},
	"priority":       {},
	"payload":        {},
	"timestamp":      {},
	"ttl_ms":         {},
	"requires_ack":   {},
	"retry_policy":   {},
}

// wireEnvelope mirrors Envelope for marshaling without the unexported extra map.
type wireEnvelope Envelope

// Encode serializes the envelope to its self-describing JSON form, merging
// back any unknown fields captured at decode time.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot encode nil envelope")
	}
	base, err := json.Marshal((*wireEnvelope)(e))
	if err != nil {
		return nil, fmt.Errorf("encoding envelope %s: %w", e.MessageID, err)
	}
	if len(e.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, fmt.Errorf("remarshaling envelope %s: %w", e.MessageID, err)
	}
	for k, v := range e.extra {
		if _, owned := knownFields[k]; owned {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding extra field %q: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// Decode parses a wire envelope, capturing unknown top-level fields for
// forward compatibility, and validates it. Malformed input yields a
// malformed fault.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, (*wireEnvelope)(&e)); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decoding envelope fields: %w", err)
	}
	for k, v := range all {
		if _, owned := knownFields[k]; owned {
			continue
		}
		if e.extra == nil {
			e.extra = make(map[string]any)
		}
		e.extra[k] = v
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ExtraField returns a preserved unknown field by name.
func (e *Envelope) ExtraField(name string) (any, bool) {
	v, ok := e.extra[name]
	return v, ok
}
