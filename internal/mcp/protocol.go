// Package mcp implements the JSON-RPC 2.0 tool-calling surface: wire
// framing, the static tool registry, request dispatch, and the read-only
// resource catalog. The dispatcher is an orchestrator only; tool behavior
// lives in the handlers registered at startup.
package mcp

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// Version is the JSON-RPC protocol version accepted and emitted.
const Version = "2.0"

// Request is one decoded JSON-RPC request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must never produce a response frame.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is one JSON-RPC response frame. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the wire form of a failed call.
type ErrorObject struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewResult builds a success response bound to the request id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError serializes a typed error into a response. A nil id marshals as
// null, which is the correct binding for requests whose id never parsed.
func NewError(id json.RawMessage, e *errs.Error) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorObject{
			Code:    e.Code,
			Message: e.Message,
			Data:    e.WireData(),
		},
	}
}

// ParseRequest decodes one frame into a request. Batch arrays are rejected
// outright; the transports provide framing, so there is nothing a batch
// would buy except ordering ambiguity.
func ParseRequest(frame []byte) (*Request, *errs.Error) {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errs.Parse("empty frame")
	}
	if trimmed[0] == '[' {
		return nil, errs.InvalidRequest("batch requests are not supported")
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, errs.Parse("malformed JSON-RPC frame").WithCause(err)
	}
	if req.JSONRPC != Version {
		return nil, errs.InvalidRequest(`jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return nil, errs.InvalidRequest("method is required")
	}
	if !validID(req.ID) {
		return nil, errs.InvalidRequest("id must be a string, number, or null")
	}
	return &req, nil
}

// RecoverID pulls a usable request id out of a frame that failed to decode,
// so a PARSE_ERROR response can still be bound to the caller's request.
// Returns nil when no well-formed string or number id is present.
func RecoverID(frame []byte) json.RawMessage {
	id := gjson.GetBytes(frame, "id")
	switch id.Type {
	case gjson.String, gjson.Number:
		return json.RawMessage(id.Raw)
	default:
		return nil
	}
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	v := gjson.ParseBytes(id)
	return v.Type == gjson.String || v.Type == gjson.Number || v.Type == gjson.Null
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what the connection can do next.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Streaming bool `json:"streaming"`
}

// InitializeResult answers an initialize request. It is available before
// authentication so clients can discover the handshake order.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocol_version"`
	Server          ServerInfo   `json:"server"`
	Capabilities    Capabilities `json:"capabilities"`
	Authenticated   bool         `json:"authenticated"`
	Instructions    string       `json:"instructions,omitempty"`
}

// ToolDescriptor is one entry in a tools/list result.
type ToolDescriptor struct {
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	Description    string          `json:"description"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// ToolsListResult answers tools/list.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolCallParams are the params of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ResourceDescriptor is one entry in a resources/list result.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mime_type"`
}

// ResourcesListResult answers resources/list.
type ResourcesListResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

// ResourceReadParams are the params of a resources/read request.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceContent answers resources/read.
type ResourceContent struct {
	URI      string          `json:"uri"`
	MimeType string          `json:"mime_type"`
	Data     json.RawMessage `json:"data"`
}
