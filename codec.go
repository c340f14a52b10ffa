package mcp

import (
	"bytes"
	"encoding/json"

	"github.com/bytedance/sonic"
)

// wireFrame is the superset wire shape of the three frame kinds. Raw
// messages keep nested params and results untouched at this layer;
// schema-specific decoding happens at the handler boundary.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Meta    json.RawMessage `json:"_meta,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Parse decodes a single JSON-RPC frame. The input must be one JSON object;
// a top-level array must go through ParseBatch instead. Frames with a wrong
// jsonrpc version, a null id, or neither method nor id fail with *ParseError.
func Parse(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, parseErrorf("empty input")
	}
	if trimmed[0] != '{' {
		return nil, parseErrorf("message must be a JSON object")
	}

	var f wireFrame
	if err := sonic.Unmarshal(trimmed, &f); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}
	return frameToMessage(f)
}

// ParseBatch decodes a top-level JSON array of frames, validating each
// element the same way Parse does.
func ParseBatch(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, parseErrorf("empty input")
	}
	if trimmed[0] != '[' {
		return nil, parseErrorf("batch must be a JSON array")
	}

	var raws []json.RawMessage
	if err := sonic.Unmarshal(trimmed, &raws); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}

	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var f wireFrame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			return nil, &ParseError{Reason: "invalid batch element", Err: err}
		}
		msg, err := frameToMessage(f)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Serialize encodes a frame as compact JSON, always including the jsonrpc
// version and omitting absent optional fields. A response with neither
// result nor error is emitted with an empty-object result so it stays a
// valid JSON-RPC response.
func Serialize(msg Message) ([]byte, error) {
	f, err := messageToFrame(msg)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(f)
}

// SerializeBatch encodes a list of frames as one JSON array.
func SerializeBatch(msgs []Message) ([]byte, error) {
	frames := make([]wireFrame, 0, len(msgs))
	for _, msg := range msgs {
		f, err := messageToFrame(msg)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return sonic.Marshal(frames)
}

// isBatch reports whether a raw body is a JSON-RPC batch, by its first
// non-space byte.
func isBatch(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func frameToMessage(f wireFrame) (Message, error) {
	if f.JSONRPC != JSONRPCVersion {
		return nil, parseErrorf("invalid jsonrpc version %q, expected %q", f.JSONRPC, JSONRPCVersion)
	}

	hasID := len(f.ID) > 0
	hasMethod := f.Method != ""

	var id RequestID
	if hasID {
		if err := id.UnmarshalJSON(f.ID); err != nil {
			return nil, &ParseError{Reason: "invalid request id", Err: err}
		}
	}

	switch {
	case hasMethod && hasID:
		return &Request{ID: id, Method: f.Method, Params: f.Params, Meta: f.Meta}, nil
	case hasMethod:
		return &Notification{Method: f.Method, Params: f.Params}, nil
	case hasID:
		if f.Result != nil && f.Error != nil {
			return nil, parseErrorf("response carries both result and error")
		}
		return &Response{ID: id, Result: f.Result, Error: f.Error}, nil
	default:
		return nil, parseErrorf("cannot determine message type: missing both id and method")
	}
}

func messageToFrame(msg Message) (wireFrame, error) {
	f := wireFrame{JSONRPC: JSONRPCVersion}

	switch m := msg.(type) {
	case *Request:
		idRaw, err := m.ID.MarshalJSON()
		if err != nil {
			return wireFrame{}, err
		}
		f.ID = idRaw
		f.Method = m.Method
		f.Params = m.Params
		f.Meta = m.Meta
	case *Notification:
		f.Method = m.Method
		f.Params = m.Params
	case *Response:
		idRaw, err := m.ID.MarshalJSON()
		if err != nil {
			return wireFrame{}, err
		}
		f.ID = idRaw
		if m.Error != nil {
			f.Error = m.Error
		} else if m.Result != nil {
			f.Result = m.Result
		} else {
			f.Result = emptyResult
		}
	}
	return f, nil
}
