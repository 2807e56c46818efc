package connector

import (
	"encoding/json"
	"fmt"
)

// Envelope types used by the RPC layer.
const (
	TypeRPCQuery    = "rpc-query"
	TypeRPCResponse = "rpc-response"
)

// Message is the JSON envelope exchanged with the peer over either transport.
//
// ID is set on rpc-query and rpc-response. RequestID is whatever the peer
// sent and is echoed back verbatim in replies.
type Message struct {
	Type      string          `json:"type"`
	ID        uint64          `json:"id,omitempty"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Raw is the undecoded frame, for handlers that read top-level fields.
	Raw json.RawMessage `json:"-"`
}

// HasRequestID reports whether the peer expects a reply.
func (m Message) HasRequestID() bool {
	return len(m.RequestID) > 0 && string(m.RequestID) != "null"
}

// DecodeData unmarshals Data into v. A missing data field falls back to the
// top-level frame.
func (m Message) DecodeData(v any) error {
	src := m.Data
	if len(src) == 0 || string(src) == "null" {
		src = m.Raw
	}
	if len(src) == 0 {
		return nil
	}
	return json.Unmarshal(src, v)
}

type rpcQuery struct {
	Method string `json:"method"`
	Data   any    `json:"data,omitempty"`
}

// spread builds a reply frame with the fields of result at the top level.
// Results that are not JSON objects land under "data".
func spread(msgType string, requestID json.RawMessage, result any) ([]byte, error) {
	frame := map[string]any{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal %s result: %w", msgType, err)
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			frame = map[string]any{"data": json.RawMessage(raw)}
		}
		if frame == nil {
			frame = map[string]any{}
		}
	}
	frame["type"] = msgType
	if len(requestID) > 0 {
		frame["requestId"] = requestID
	}
	return json.Marshal(frame)
}
