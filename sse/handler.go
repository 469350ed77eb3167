// Package sse serves the long-lived event stream tool clients open for
// discovery. Each connection is a session that receives a handshake, the tool
// list, and keepalive comments until the client goes away.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/petal-labs/dealbridge/manifest"
)

// DefaultKeepaliveInterval is the interval between keepalive comments.
const DefaultKeepaliveInterval = 30 * time.Second

const (
	// EventHandshake is the first event of every session.
	EventHandshake = "handshake"
	// EventTools carries the tool list and always follows the handshake.
	EventTools = "tools"

	keepaliveComment = ": keepalive\n\n"
)

// State is a session lifecycle state.
type State string

const (
	StateOpen      State = "open"
	StateStreaming State = "streaming"
	StateClosed    State = "closed"
)

// Close reasons reported with StateClosed.
const (
	CloseReasonDisconnect = "client_disconnect"
	CloseReasonWriteError = "write_error"
)

// SessionObservation describes one session state transition.
type SessionObservation struct {
	SessionID  string
	State      State
	Reason     string
	DurationMS int64
}

// SessionObserver receives session transitions.
type SessionObserver interface {
	ObserveSession(observation SessionObservation)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Registry          *manifest.Registry
	Info              manifest.Info
	MessageEndpoint   string
	CallEndpoint      string
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
	Observer          SessionObserver
	// NewSessionID overrides session id generation (default: random UUID).
	NewSessionID func() string
}

// Handler serves one stream per request.
//
// SSE format:
//
//	event: handshake
//	data: {json}
//
//	event: tools
//	data: {"tools":[...]}
//
// followed by ": keepalive" comments every KeepaliveInterval. The stream ends
// when the request context is cancelled or a write fails.
type Handler struct {
	registry  *manifest.Registry
	info      manifest.Info
	endpoints handshakeEndpoints
	keepalive time.Duration
	logger    *slog.Logger
	observer  SessionObserver
	newID     func() string
}

// NewHandler creates a Handler with defaults applied.
func NewHandler(cfg HandlerConfig) *Handler {
	registry := cfg.Registry
	if registry == nil {
		registry = manifest.Default()
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}
	endpoints := handshakeEndpoints{Message: cfg.MessageEndpoint, Call: cfg.CallEndpoint}
	if endpoints.Message == "" {
		endpoints.Message = "/message"
	}
	if endpoints.Call == "" {
		endpoints.Call = "/call"
	}
	return &Handler{
		registry:  registry,
		info:      cfg.Info,
		endpoints: endpoints,
		keepalive: keepalive,
		logger:    logger,
		observer:  cfg.Observer,
		newID:     newID,
	}
}

type handshakeEndpoints struct {
	Message string `json:"message"`
	Call    string `json:"call"`
}

type handshakeServer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type handshakePayload struct {
	Protocol  string             `json:"protocol"`
	Server    handshakeServer    `json:"server"`
	SessionID string             `json:"sessionId"`
	Endpoints handshakeEndpoints `json:"endpoints"`
}

type toolsPayload struct {
	Tools []mcp.Tool `json:"tools"`
}

// session is one open stream. It exclusively owns its keepalive ticker.
type session struct {
	id      string
	started time.Time
	ticker  *time.Ticker
}

func (s *session) stopKeepalive() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sess := &session{id: h.newID(), started: time.Now()}
	h.transition(sess, StateOpen, "")

	reason := CloseReasonDisconnect
	defer func() {
		sess.stopKeepalive()
		h.transition(sess, StateClosed, reason)
	}()

	if err := h.writeGreeting(w, sess); err != nil {
		reason = CloseReasonWriteError
		h.logger.Warn("sse greeting failed", "session_id", sess.id, "error", err)
		return
	}
	flusher.Flush()

	sess.ticker = time.NewTicker(h.keepalive)
	h.transition(sess, StateStreaming, "")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.ticker.C:
			if _, err := fmt.Fprint(w, keepaliveComment); err != nil {
				reason = CloseReasonWriteError
				h.logger.Debug("sse keepalive failed", "session_id", sess.id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeGreeting writes the handshake event followed by the tool list.
func (h *Handler) writeGreeting(w http.ResponseWriter, sess *session) error {
	hs := handshakePayload{
		Protocol:  manifest.ProtocolVersion,
		Server:    handshakeServer{Name: h.info.Name, Version: h.info.Version},
		SessionID: sess.id,
		Endpoints: h.endpoints,
	}
	if err := writeEvent(w, EventHandshake, hs); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	if err := writeEvent(w, EventTools, toolsPayload{Tools: h.registry.List()}); err != nil {
		return fmt.Errorf("write tools: %w", err)
	}
	return nil
}

func (h *Handler) transition(sess *session, state State, reason string) {
	obs := SessionObservation{SessionID: sess.id, State: state, Reason: reason}
	if state == StateClosed {
		obs.DurationMS = time.Since(sess.started).Milliseconds()
		h.logger.Info("sse session closed", "session_id", sess.id, "reason", reason, "duration_ms", obs.DurationMS)
	} else {
		h.logger.Debug("sse session state", "session_id", sess.id, "state", string(state))
	}
	if h.observer != nil {
		h.observer.ObserveSession(obs)
	}
}

// writeEvent writes a single event in SSE format.
func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
