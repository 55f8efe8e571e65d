// Package envelope defines the JSON envelope wrapping every tool call and
// API response: {ok, data, error, meta}.
package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Error is the machine-readable failure half of an envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries request correlation data.
type Meta struct {
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
}

// Envelope is the tagged result crossing the signed boundary. Exactly one of
// Data and Err is meaningful, selected by OK.
type Envelope struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  *Error          `json:"error,omitempty"`
	Meta *Meta           `json:"meta,omitempty"`
}

// Ok wraps a payload in a success envelope.
func Ok(data any, meta *Meta) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode envelope data: %w", err)
	}
	return Envelope{OK: true, Data: raw, Meta: meta}, nil
}

// Fail wraps a code/message pair in a failure envelope.
func Fail(code, message string, meta *Meta) Envelope {
	return Envelope{OK: false, Err: &Error{Code: code, Message: message}, Meta: meta}
}

// DecodeData unmarshals the success payload into out.
func (e Envelope) DecodeData(out any) error {
	if !e.OK {
		if e.Err != nil {
			return fmt.Errorf("envelope error %s: %s", e.Err.Code, e.Err.Message)
		}
		return fmt.Errorf("envelope not ok")
	}
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// WriteJSON writes the envelope with the given HTTP status.
func WriteJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// Read decodes an envelope from a response body.
func Read(r io.Reader) (Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
