package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Request is an incoming JSON-RPC 2.0 envelope. The id is kept raw so it can
// be echoed back unchanged, whatever its JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 envelope. Exactly one of Result and
// Error is set. A missing request id is echoed as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolsListResult is returned by tools/list.
type ToolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

// ToolsCallParams is the params object of tools/call.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// LegacyCall is the flat call shape used by the first client generation.
type LegacyCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// LegacyResult is the reply to a LegacyCall. IsError is always serialized.
type LegacyResult struct {
	Content []mcp.TextContent `json:"content"`
	IsError bool              `json:"isError"`
}

// ParseRequest decodes a JSON-RPC envelope. Malformed input yields a
// *ProtocolError carrying the parse-error code; well-formed JSON that is not a
// single object, batches included, is an invalid request.
func ParseRequest(data []byte) (Request, error) {
	if !json.Valid(data) {
		var req Request
		err := json.Unmarshal(data, &req)
		return Request{}, &ProtocolError{Code: mcp.PARSE_ERROR, Message: fmt.Sprintf("parse error: %v", err)}
	}
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] == '[' {
		return Request{}, &ProtocolError{Code: mcp.INVALID_REQUEST, Message: "batch requests are not supported"}
	}
	if trimmed[0] != '{' {
		return Request{}, &ProtocolError{Code: mcp.INVALID_REQUEST, Message: "request must be a JSON object"}
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return Request{}, &ProtocolError{Code: mcp.PARSE_ERROR, Message: fmt.Sprintf("parse error: %v", err)}
	}
	return req, nil
}

// DecodeLegacyCall decodes a flat legacy call body.
func DecodeLegacyCall(data []byte) (LegacyCall, error) {
	var call LegacyCall
	if err := decodeStrict(data, &call); err != nil {
		return LegacyCall{}, err
	}
	return call, nil
}

// DecodeArguments decodes a bare arguments object, as posted to a tool by
// path. An empty body yields no arguments.
func DecodeArguments(data []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return args, nil
	}
	if err := decodeStrict(data, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func decodeCallParams(raw json.RawMessage) (ToolsCallParams, error) {
	var params ToolsCallParams
	if len(bytes.TrimSpace(raw)) == 0 {
		return params, errors.New("params are required")
	}
	if err := decodeStrict(raw, &params); err != nil {
		return params, err
	}
	return params, nil
}

// decodeStrict decodes numbers as json.Number so numeric ids keep every digit.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func resultResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: result}
}

// ErrorResponse converts err into an RPC error envelope for id. Protocol
// errors keep their code; anything else is reported as an internal error.
func ErrorResponse(id json.RawMessage, err error) Response {
	code := mcp.INTERNAL_ERROR
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		code = protoErr.Code
	}
	return Response{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   &RPCError{Code: code, Message: err.Error()},
	}
}

// NewLegacyResult wraps text in a single text content block.
func NewLegacyResult(text string, isError bool) LegacyResult {
	return LegacyResult{
		Content: []mcp.TextContent{mcp.NewTextContent(text)},
		IsError: isError,
	}
}
