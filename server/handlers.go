package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/petal-labs/dealbridge/dispatch"
)

// handleManifest returns the discovery document.
func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Document(s.info))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMessage answers one JSON-RPC envelope. Every outcome the dispatcher
// produces, errors included, is sent with status 200.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, dispatch.ErrorResponse(nil, &dispatch.ProtocolError{
				Code:    mcp.INVALID_REQUEST,
				Message: "request body exceeds size limit",
			}))
			return
		}
		writeJSON(w, http.StatusOK, dispatch.ErrorResponse(nil, &dispatch.ProtocolError{
			Code:    mcp.PARSE_ERROR,
			Message: fmt.Sprintf("read request body: %v", err),
		}))
		return
	}

	req, err := dispatch.ParseRequest(body)
	if err != nil {
		s.logger.Warn("rpc parse failed", "error", err)
		writeJSON(w, http.StatusOK, dispatch.ErrorResponse(nil, err))
		return
	}

	// The webhook call outlives a disconnecting client; the reply is dropped.
	resp := s.dispatcher.HandleRPC(context.WithoutCancel(r.Context()), req)
	writeJSON(w, http.StatusOK, resp)
}

// handleCall answers one legacy flat call.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		if isMaxBytesError(err) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, dispatch.NewLegacyResult(fmt.Sprintf("invalid request body: %v", err), true))
		return
	}

	call, err := dispatch.DecodeLegacyCall(body)
	if err != nil {
		s.logger.Warn("legacy call decode failed", "error", err)
		writeJSON(w, http.StatusBadRequest, dispatch.NewLegacyResult(fmt.Sprintf("invalid request body: %v", err), true))
		return
	}

	result := s.dispatcher.HandleLegacy(context.WithoutCancel(r.Context()), call)
	writeJSON(w, http.StatusOK, result)
}

// toolReply is the success body of a call addressed by path.
type toolReply struct {
	Tool string `json:"tool"`
	Text string `json:"text"`
}

// handleTool answers a call addressed to a tool by path. The body is the
// arguments object itself. Failures carry an HTTP error status and an
// {"error": ...} body.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		if isMaxBytesError(err) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	args, err := dispatch.DecodeArguments(body)
	if err != nil {
		s.logger.Warn("tool call decode failed", "tool", name, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	text, err := s.dispatcher.HandleTool(context.WithoutCancel(r.Context()), name, args)
	if err != nil {
		writeJSON(w, toolErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toolReply{Tool: name, Text: text})
}

// toolErrorStatus maps a tool failure onto an HTTP status.
func toolErrorStatus(err error) int {
	var (
		protoErr *dispatch.ProtocolError
		argErr   *dispatch.ArgumentError
	)
	switch {
	case errors.As(err, &protoErr):
		return http.StatusNotFound
	case errors.As(err, &argErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
