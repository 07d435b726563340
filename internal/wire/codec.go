// Package wire encodes and decodes the exchange's JSON-RPC style frames.
// Method and channel names are configuration, not code; the codec only
// understands the envelope shapes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

type FrameKind int

const (
	FrameResponse FrameKind = iota
	FrameNotification
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FrameNotification:
		return "notification"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Request is an outbound JSON-RPC call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the error object carried by an error response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Frame is a decoded inbound message. Exactly one of Result/Channel+Data/Err
// is meaningful depending on Kind.
type Frame struct {
	Kind    FrameKind
	ID      uint64
	Result  json.RawMessage
	Channel string
	Data    json.RawMessage
	Err     *RPCError
}

// ProtocolError marks a frame the codec could not make sense of. The session
// logs it and drops the frame; only repeated occurrences tear the connection
// down.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request failed: %w", method, err)
	}
	return data, nil
}

// Decode classifies a raw frame. It sniffs the envelope with gjson first so a
// single malformed field cannot abort dispatch of an otherwise well-formed
// stream, then unmarshals only the parts the frame kind needs.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, &ProtocolError{Reason: "invalid JSON", Raw: raw}
	}
	parsed := gjson.ParseBytes(raw)

	if method := parsed.Get("method"); method.Exists() {
		// Subscription push or server-initiated request (heartbeat).
		channel := parsed.Get("params.channel").String()
		if channel == "" {
			channel = method.String()
		}
		var data json.RawMessage
		if d := parsed.Get("params.data"); d.Exists() {
			data = json.RawMessage(d.Raw)
		} else if p := parsed.Get("params"); p.Exists() {
			data = json.RawMessage(p.Raw)
		}
		return Frame{Kind: FrameNotification, Channel: channel, Data: data}, nil
	}

	id := parsed.Get("id")
	if !id.Exists() {
		return Frame{}, &ProtocolError{Reason: "frame has neither id nor method", Raw: raw}
	}
	if id.Type != gjson.Number || id.Float() < 0 {
		return Frame{}, &ProtocolError{Reason: "non-numeric correlation id", Raw: raw}
	}

	if errObj := parsed.Get("error"); errObj.Exists() {
		var rpcErr RPCError
		if err := json.Unmarshal([]byte(errObj.Raw), &rpcErr); err != nil {
			return Frame{}, &ProtocolError{Reason: "malformed error object", Raw: raw}
		}
		return Frame{Kind: FrameError, ID: id.Uint(), Err: &rpcErr}, nil
	}

	result := parsed.Get("result")
	if !result.Exists() {
		return Frame{}, &ProtocolError{Reason: "response missing result", Raw: raw}
	}
	return Frame{Kind: FrameResponse, ID: id.Uint(), Result: json.RawMessage(result.Raw)}, nil
}
