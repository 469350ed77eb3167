// Package server mounts the discovery, stream and call endpoints onto one
// http.Handler.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/dealbridge/dispatch"
	"github.com/petal-labs/dealbridge/manifest"
	"github.com/petal-labs/dealbridge/sse"
)

const (
	// MessagePath receives JSON-RPC envelopes.
	MessagePath = "/message"
	// CallPath receives legacy flat calls.
	CallPath = "/call"
	// ToolPath receives an arguments object for the tool named in the path.
	ToolPath = "/tools/{name}"

	defaultMaxBody = 1 << 20 // 1 MB
)

// Dispatcher answers tool calls for every calling convention.
type Dispatcher interface {
	HandleRPC(ctx context.Context, req dispatch.Request) dispatch.Response
	HandleLegacy(ctx context.Context, call dispatch.LegacyCall) dispatch.LegacyResult
	HandleTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Registry          *manifest.Registry
	Dispatcher        Dispatcher
	Info              manifest.Info
	KeepaliveInterval time.Duration
	SessionObserver   sse.SessionObserver
	CORSOrigin        string
	MaxBody           int64
	Logger            *slog.Logger
}

// Server is the dealbridge HTTP surface.
type Server struct {
	registry   *manifest.Registry
	dispatcher Dispatcher
	info       manifest.Info
	stream     *sse.Handler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = manifest.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Server{
		registry:   registry,
		dispatcher: cfg.Dispatcher,
		info:       cfg.Info,
		stream: sse.NewHandler(sse.HandlerConfig{
			Registry:          registry,
			Info:              cfg.Info,
			MessageEndpoint:   MessagePath,
			CallEndpoint:      CallPath,
			KeepaliveInterval: cfg.KeepaliveInterval,
			Logger:            logger,
			Observer:          cfg.SessionObserver,
		}),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.recoverMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the endpoints onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleManifest)
	mux.HandleFunc("GET /manifest.json", s.handleManifest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /sse", s.stream)
	mux.HandleFunc("POST "+MessagePath, s.handleMessage)
	mux.HandleFunc("POST "+CallPath, s.handleCall)
	mux.HandleFunc("POST "+ToolPath, s.handleTool)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware keeps a panicking handler from taking the process down.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
