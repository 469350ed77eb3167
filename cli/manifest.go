package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/petal-labs/dealbridge/manifest"
)

// NewManifestCmd creates the "manifest" subcommand, which prints the
// discovery document served at "/".
func NewManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the tool discovery document",
		Args:  cobra.NoArgs,
		RunE:  runManifest,
	}
	cmd.Flags().Bool("compact", false, "Print without indentation")
	return cmd
}

func runManifest(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	compact, _ := cmd.Flags().GetBool("compact")

	doc := manifest.Default().Document(serverInfo(cfg.Name, cfg.Version))
	enc := json.NewEncoder(cmd.OutOrStdout())
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return exitError(exitRuntime, "writing manifest: %v", err)
	}
	return nil
}

func serverInfo(name, version string) manifest.Info {
	return manifest.Info{
		Name:        name,
		Version:     version,
		Description: "HubSpot deal lookup tools",
	}
}
