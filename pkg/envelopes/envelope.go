package envelopes

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known headers carried inside every envelope.
//
// The message ID identifies the logical message and survives redelivery.
// It is never the lock token of a delivery: two deliveries of the same
// message share the ID but get different lock tokens from the queue.
const (
	HeaderMessageID         = "asya-msg-id"
	HeaderContentType       = "asya-content-type"
	HeaderDeferredUntil     = "asya-deferred-until"     // RFC3339Nano, set for scheduled delivery
	HeaderDeferredRecipient = "asya-deferred-recipient" // physical queue a bucketed message belongs to
	HeaderSourceQueue       = "asya-source-queue"       // set when dead-lettering
	HeaderErrorDetails      = "asya-error-details"      // set when dead-lettering
)

// Envelope is the wire representation of a transport message
type Envelope struct {
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Encode serializes headers and body into the wire format.
// Body bytes are base64 encoded by encoding/json so binary payloads survive intact.
func Encode(headers map[string]string, body []byte) ([]byte, error) {
	env := Envelope{
		Headers: headers,
		Body:    body,
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	if env.Body == nil {
		env.Body = []byte{}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses the wire format produced by Encode
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Headers == nil {
		return nil, fmt.Errorf("envelope has no headers")
	}
	if env.Body == nil {
		env.Body = []byte{}
	}
	return &env, nil
}

// DeferredUntil returns the scheduled delivery instant, if any
func (e *Envelope) DeferredUntil() (time.Time, bool, error) {
	raw, ok := e.Headers[HeaderDeferredUntil]
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s header %q: %w", HeaderDeferredUntil, raw, err)
	}
	return t, true, nil
}

// FormatTime renders an instant the way deferral headers expect
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CloneHeaders returns a copy of h that is safe to mutate
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
