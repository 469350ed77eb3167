// Package dispatch routes tool calls arriving over any calling convention
// (JSON-RPC envelopes, legacy flat calls or a tool addressed by path) into one
// shared tool pipeline and shapes the reply for the convention that was used.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/dealbridge/deal"
	"github.com/petal-labs/dealbridge/manifest"
)

// Fetcher loads a deal record by id.
type Fetcher interface {
	Fetch(ctx context.Context, dealID string) (*deal.Record, error)
}

// Convention names the calling convention a tool call arrived on.
type Convention string

const (
	ConventionJSONRPC Convention = "jsonrpc"
	ConventionLegacy  Convention = "legacy"
	ConventionTool    Convention = "tool"
)

// InvokeObservation describes one finished tool invocation.
type InvokeObservation struct {
	ToolName   string
	Convention Convention
	DurationMS int64
	Success    bool
	ErrorKind  string
}

// Observer receives invocation observations.
type Observer interface {
	ObserveInvoke(observation InvokeObservation)
}

// Config configures a Dispatcher.
type Config struct {
	Registry *manifest.Registry
	Fetcher  Fetcher
	Logger   *slog.Logger
	Observer Observer
	// Tracer wraps each invocation, webhook call included, in a span.
	// Nil disables tracing.
	Tracer trace.Tracer
}

type toolFunc func(ctx context.Context, args map[string]any) (string, error)

// Dispatcher resolves tools by name and runs them. It holds no per-request
// state and is safe for concurrent use.
type Dispatcher struct {
	registry *manifest.Registry
	fetcher  Fetcher
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
	tools    map[string]toolFunc
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry is nil")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("dispatch: fetcher is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	d := &Dispatcher{
		registry: cfg.Registry,
		fetcher:  cfg.Fetcher,
		logger:   logger,
		observer: cfg.Observer,
		tracer:   tracer,
	}
	d.tools = map[string]toolFunc{
		manifest.DealDataToolName: d.getDealData,
	}
	return d, nil
}

// CallTool is the pipeline shared by every calling convention: resolve the
// tool, run it, and return its text output.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if _, ok := d.registry.Lookup(name); !ok {
		return "", unknownToolError(name)
	}
	fn, ok := d.tools[name]
	if !ok {
		return "", unknownToolError(name)
	}
	return fn(ctx, args)
}

// HandleRPC answers one JSON-RPC request. It never fails; every error is
// folded into the response envelope with the request id echoed.
func (d *Dispatcher) HandleRPC(ctx context.Context, req Request) Response {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodToolsList:
		return resultResponse(req.ID, ToolsListResult{Tools: d.registry.List()})

	case mcp.MethodToolsCall:
		params, err := decodeCallParams(req.Params)
		if err != nil {
			return ErrorResponse(req.ID, &ProtocolError{
				Code:    mcp.INVALID_PARAMS,
				Message: fmt.Sprintf("invalid tool call params: %v", err),
			})
		}
		text, err := d.invoke(ctx, ConventionJSONRPC, params.Name, params.Arguments)
		if err != nil {
			return ErrorResponse(req.ID, err)
		}
		return resultResponse(req.ID, &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(text)},
		})

	default:
		d.logger.Warn("rpc method not found", "method", req.Method)
		return ErrorResponse(req.ID, errMethodNotFound)
	}
}

// HandleLegacy answers one legacy flat call. Failures are reported inside the
// result with IsError set rather than as an RPC error.
func (d *Dispatcher) HandleLegacy(ctx context.Context, call LegacyCall) LegacyResult {
	text, err := d.invoke(ctx, ConventionLegacy, call.Tool, call.Arguments)
	if err != nil {
		return NewLegacyResult(err.Error(), true)
	}
	return NewLegacyResult(text, false)
}

// HandleTool answers a call addressed to a tool by path. Errors are returned
// as-is for the caller to map onto a status code.
func (d *Dispatcher) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return d.invoke(ctx, ConventionTool, name, args)
}

func (d *Dispatcher) invoke(ctx context.Context, conv Convention, name string, args map[string]any) (string, error) {
	ctx, span := d.tracer.Start(ctx, "tool.invoke",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool_name", name),
			attribute.String("convention", string(conv)),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := d.CallTool(ctx, name, args)

	obs := InvokeObservation{
		ToolName:   name,
		Convention: conv,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil,
		ErrorKind:  errorKind(err),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, obs.ErrorKind)
		span.SetAttributes(attribute.String("error_kind", obs.ErrorKind))
		d.logger.Warn("tool call failed",
			"tool", name,
			"convention", string(conv),
			"error_kind", obs.ErrorKind,
			"error", err,
		)
	} else {
		span.SetStatus(codes.Ok, "")
		d.logger.Debug("tool call finished", "tool", name, "convention", string(conv), "duration_ms", obs.DurationMS)
	}
	if d.observer != nil {
		d.observer.ObserveInvoke(obs)
	}
	return text, err
}

func (d *Dispatcher) getDealData(ctx context.Context, args map[string]any) (string, error) {
	dealID, ok := stringArgument(args, manifest.DealIDArgument)
	if !ok {
		return "", &ArgumentError{Name: manifest.DealIDArgument}
	}
	rec, err := d.fetcher.Fetch(ctx, dealID)
	if err != nil {
		return "", err
	}
	return deal.Render(rec), nil
}

// stringArgument returns a present, non-blank argument as text. Strings are
// returned unmodified; numbers keep the digits they were sent with.
func stringArgument(args map[string]any, name string) (string, bool) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return "", false
	}
	var value string
	switch v := raw.(type) {
	case string:
		value = v
	case json.Number:
		value = v.String()
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "", false
	}
	if strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}
