package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"meteorcal/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd, "text")
		},
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd, format)
		},
	}
	showCmd.Flags().StringVar(&format, "format", "text", "output format (text|json|yaml)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r.cfg)
	case "yaml":
		return yaml.NewEncoder(out).Encode(r.cfg)
	}

	cfgPath, err := config.Path()
	if err != nil {
		cfgPath = "(unknown)"
	}
	fmt.Fprintf(out, "Current configuration:\n")
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)
	fmt.Fprintf(out, "\nPaths:\n")
	fmt.Fprintf(out, "  Stations:    %s\n", r.cfg.Paths.StationDir)
	fmt.Fprintf(out, "  Processed:   %s\n", r.cfg.Paths.ProcDir)
	fmt.Fprintf(out, "  Metadata:    %s\n", r.cfg.Paths.MetaDir)
	fmt.Fprintf(out, "  Database:    %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(out, "  Frame index: %s\n", r.cfg.Paths.FrameIndexPath)
	fmt.Fprintf(out, "\nProcessing:\n")
	fmt.Fprintf(out, "  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(out, "  Parallelism:   %d\n", r.cfg.Processing.Parallelism)
	fmt.Fprintf(out, "  Exposure:      %g s\n", r.cfg.Processing.Exposure)
	fmt.Fprintf(out, "  Window:        %d\n", r.cfg.Stacking.Window)
	fmt.Fprintf(out, "\nTools:\n")
	fmt.Fprintf(out, "  SExtractor: %s\n", r.cfg.Tools.SExtractor)
	fmt.Fprintf(out, "  SCAMP:      %s (%s)\n", r.cfg.Tools.Scamp, r.cfg.Tools.RefCatalog)
	fmt.Fprintf(out, "  Timeout:    %s\n", r.cfg.Tools.Timeout)
	fmt.Fprintf(out, "\nRefinement:\n")
	fmt.Fprintf(out, "  Max iterations: %d\n", r.cfg.Refinement.MaxIterations)
	fmt.Fprintf(out, "  Event window:   %g days\n", r.cfg.Refinement.EventMaxDays)
	fmt.Fprintf(out, "\nLogging: %s (%s)\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "meteorcal v%s\n", Version)
			fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
			for name, st := range root.newToolManager().GetToolStatus() {
				status := "unavailable"
				if st.Available {
					status = "available"
				}
				fmt.Fprintf(out, "  %s: %s\n", name, status)
			}
		},
	}
}
