// Package protocol defines the signaling vocabulary exchanged over the
// WebSocket: one closed set of message types per direction, wrapped in a
// {type, request_id, payload} envelope.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// requestIDOf recovers the request id from a frame that failed strict
// decoding, so the error reply can still be correlated.
func requestIDOf(data []byte) string {
	var v struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(data, &v)
	return v.RequestID
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// Encode wraps msg in an envelope carrying requestID.
func Encode(requestID string, msg ServerMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.ServerType(), err)
	}
	return json.Marshal(Envelope{Type: msg.ServerType(), RequestID: requestID, Payload: payload})
}

// MustEncode is Encode for messages whose payload cannot fail to marshal.
func MustEncode(requestID string, msg ServerMessage) []byte {
	b, err := Encode(requestID, msg)
	if err != nil {
		panic(err)
	}
	return b
}
