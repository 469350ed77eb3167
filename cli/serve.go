package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/dealbridge/config"
	"github.com/petal-labs/dealbridge/dispatch"
	"github.com/petal-labs/dealbridge/manifest"
	dealotel "github.com/petal-labs/dealbridge/otel"
	"github.com/petal-labs/dealbridge/server"
	"github.com/petal-labs/dealbridge/webhook"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.LogFormat, cmd.ErrOrStderr())
	if configPath != "" {
		logger.Info("loaded config", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		tp, err := dealotel.NewTracerProvider(ctx, dealotel.TracingConfig{
			ServiceName:    cfg.Name,
			ServiceVersion: cfg.Version,
			Endpoint:       cfg.OTLPEndpoint,
		})
		if err != nil {
			return exitError(exitTelemetry, "initializing tracing: %v", err)
		}
		otelapi.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	handler, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return exitError(exitRuntime, "listen on %s: %v", cfg.Addr(), err)
	}

	// Request contexts derive from ctx so open streams end on shutdown.
	httpServer := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("dealbridge listening",
		"addr", ln.Addr().String(),
		"webhook", cfg.WebhookURL,
		"keepalive", cfg.KeepaliveInterval.String(),
	)
	if err := serveUntilDone(ctx, httpServer, ln); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	logger.Info("dealbridge stopped")
	return nil
}

// serveUntilDone runs srv on ln until ctx ends or the server fails, then
// shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// newHandler wires the webhook client, dispatcher, telemetry observers and
// HTTP surface for cfg.
func newHandler(cfg config.Config, logger *slog.Logger) (http.Handler, error) {
	client, err := webhook.NewClient(webhook.Config{
		URL:       cfg.WebhookURL,
		Headers:   cfg.WebhookHeaders,
		UserAgent: "dealbridge/" + cfg.Version,
	})
	if err != nil {
		return nil, exitError(exitConfig, "creating webhook client: %v", err)
	}

	toolObserver, err := dealotel.NewToolObserver(otelapi.GetMeterProvider().Meter("dealbridge/tool"))
	if err != nil {
		return nil, exitError(exitTelemetry, "initializing tool observability: %v", err)
	}
	sessionMetrics, err := dealotel.NewSessionMetrics(otelapi.GetMeterProvider().Meter("dealbridge/sse"))
	if err != nil {
		return nil, exitError(exitTelemetry, "initializing session observability: %v", err)
	}

	registry := manifest.Default()
	dispatcher, err := dispatch.New(dispatch.Config{
		Registry: registry,
		Fetcher:  client,
		Logger:   logger,
		Observer: toolObserver,
		Tracer:   otelapi.GetTracerProvider().Tracer("dealbridge/tool"),
	})
	if err != nil {
		return nil, exitError(exitConfig, "creating dispatcher: %v", err)
	}

	srv := server.NewServer(server.ServerConfig{
		Registry:          registry,
		Dispatcher:        dispatcher,
		Info:              serverInfo(cfg.Name, cfg.Version),
		KeepaliveInterval: cfg.KeepaliveInterval,
		SessionObserver:   sessionMetrics,
		CORSOrigin:        cfg.CORSOrigin,
		MaxBody:           cfg.MaxBody,
		Logger:            logger,
	})
	return srv.Handler(), nil
}
