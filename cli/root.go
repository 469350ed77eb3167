// Package cli implements the dealbridge command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/dealbridge/config"
)

// NewRootCmd builds the dealbridge command. Running it without a subcommand
// starts the server.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "dealbridge",
		Short: "Expose HubSpot deal lookups as a discoverable tool",
		Long: "dealbridge serves a tool manifest, an event stream and JSON-RPC/legacy call " +
			"endpoints that fetch deals from an automation webhook and render them as text.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		RunE:         runServe,
	}

	flags := root.PersistentFlags()
	flags.Bool("verbose", false, "Enable verbose/debug logging")
	flags.Bool("quiet", false, "Suppress all output except errors")
	flags.String("config", "", "Path to dealbridge.yaml")
	flags.String("name", config.DefaultName, "Server name advertised to clients")
	flags.String("host", config.DefaultHost, "Listen host")
	flags.IntP("port", "p", config.DefaultPort, "Listen port (env PORT)")
	flags.String("webhook-url", config.DefaultWebhookURL, "Deal webhook URL (env DEAL_WEBHOOK_URL)")
	flags.Duration("keepalive", config.DefaultKeepaliveInterval, "Stream keepalive interval (env DEALBRIDGE_KEEPALIVE)")
	flags.String("cors-origin", config.DefaultCORSOrigin, "Allowed CORS origin")
	flags.Int64("max-body", config.DefaultMaxBody, "Max request body size in bytes")
	flags.Duration("read-timeout", config.DefaultReadTimeout, "HTTP read timeout")
	flags.String("log-format", config.DefaultLogFormat, "Log format: text or json")
	flags.String("otlp-endpoint", "", "OTLP/HTTP trace collector URL (env OTEL_EXPORTER_OTLP_ENDPOINT)")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("dealbridge version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewManifestCmd())
	return root
}

// resolveConfig layers explicitly set flags over the file and environment.
func resolveConfig(cmd *cobra.Command) (config.Config, string, error) {
	flags := cmd.Flags()
	explicit, _ := flags.GetString("config")

	cfg, path, err := config.Load(config.LoadOptions{ExplicitPath: explicit})
	if err != nil {
		return config.Config{}, "", exitError(exitConfig, "loading config: %v", err)
	}

	if flags.Changed("name") {
		cfg.Name, _ = flags.GetString("name")
	}
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("webhook-url") {
		cfg.WebhookURL, _ = flags.GetString("webhook-url")
	}
	if flags.Changed("keepalive") {
		cfg.KeepaliveInterval, _ = flags.GetDuration("keepalive")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("read-timeout") {
		cfg.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if cfg.Version == "" {
		cfg.Version = cmd.Root().Version
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", exitError(exitConfig, "%v", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger. --verbose selects debug, --quiet
// selects error.
func newLogger(cmd *cobra.Command, format string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
