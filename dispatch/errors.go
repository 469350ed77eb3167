package dispatch

import (
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/petal-labs/dealbridge/webhook"
)

// ProtocolError reports a call the protocol layer cannot route: an unknown
// method or tool, or a malformed envelope.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func unknownToolError(name string) *ProtocolError {
	return &ProtocolError{Code: mcp.INVALID_PARAMS, Message: "Unknown tool: " + name}
}

var errMethodNotFound = &ProtocolError{Code: mcp.METHOD_NOT_FOUND, Message: "method not found"}

// ArgumentError reports a missing required tool argument.
type ArgumentError struct {
	Name string
}

func (e *ArgumentError) Error() string {
	return e.Name + " is required"
}

// Error kinds reported to observers.
const (
	ErrorKindProtocol  = "protocol"
	ErrorKindArguments = "invalid_arguments"
	ErrorKindWebhook   = "webhook"
	ErrorKindInternal  = "internal"
)

func errorKind(err error) string {
	var (
		protoErr   *ProtocolError
		argErr     *ArgumentError
		webhookErr *webhook.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &protoErr):
		return ErrorKindProtocol
	case errors.As(err, &argErr):
		return ErrorKindArguments
	case errors.As(err, &webhookErr):
		return ErrorKindWebhook
	default:
		return ErrorKindInternal
	}
}
