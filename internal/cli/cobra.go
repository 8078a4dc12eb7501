package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"meteorcal/internal/config"
	"meteorcal/internal/pipeline"
	"meteorcal/internal/storage"
	"meteorcal/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meteorcal",
		Short: "Meteor camera background subtraction and astrometric calibration",
		Long: `meteorcal reduces all-sky meteor camera captures: it removes the sky
background with a sliding median, measures per-frame astrometric quality,
and refines a station's astrometric header against all accepted frames.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newIngestCmd(root))
	rootCmd.AddCommand(newMedianCmd(root))
	rootCmd.AddCommand(newQualityCmd(root))
	rootCmd.AddCommand(newGlobalCmd(root))
	rootCmd.AddCommand(newEventHeadCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newIngestCmd(root *Root) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "ingest <station> [night]",
		Short: "Index the FITS frames of a capture directory",
		Long: `Record every FITS frame of a capture directory in the frame index.
Frames already indexed are reported as duplicates.

Examples:
  meteorcal ingest FRCO01 20161210
  meteorcal ingest FRCO01 --dir /data/stations/FRCO01/201612`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobIngest,
				Station:   strings.ToUpper(args[0]),
				InputPath: dir,
				Options:   map[string]any{"source": "cli"},
			}
			if len(args) > 1 {
				job.Night = args[1]
			}
			if job.Night == "" && dir == "" {
				return fmt.Errorf("ingest needs a night or --dir")
			}
			res, err := root.enqueueAndResult(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %v frames (%v duplicates, %v errors)\n",
				res.Meta["inserted"], res.Meta["duplicates"], res.Meta["errors"])
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "capture directory (default: derived from station and night)")
	return cmd
}

func newMedianCmd(root *Root) *cobra.Command {
	var (
		window int
		input  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "median <station> <night>",
		Short: "Subtract the sliding median background from a night's frames",
		Long: `Select the night's frames and write processed, background and quality
mask frames into the run directory.

Examples:
  meteorcal median FRCO01 20161210
  meteorcal median FRCO01 20161210 --window 6`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := tasks.ParseNight(args[1]); err != nil {
				return err
			}
			opts := map[string]any{"source": "cli"}
			if window > 0 {
				opts["window"] = window
			}
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobMedian,
				Station:   strings.ToUpper(args[0]),
				Night:     args[1],
				InputPath: input,
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndResult(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v frames processed into %v\n", res.Meta["used"], res.Meta["run_dir"])
			return nil
		},
	}

	cmd.Flags().IntVar(&window, "window", 0, "median window size (default from config)")
	cmd.Flags().StringVar(&input, "input", "", "capture directory (default: derived from station and night)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "run directory (default: derived from station and night)")
	return cmd
}

func newQualityCmd(root *Root) *cobra.Command {
	var runDir string

	cmd := &cobra.Command{
		Use:   "quality <station> <night>",
		Short: "Solve every processed frame and summarise the run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := tasks.ParseNight(args[1]); err != nil {
				return err
			}
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobQuality,
				Station:   strings.ToUpper(args[0]),
				Night:     args[1],
				InputPath: runDir,
				Options:   map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndResult(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %v, rejected %v, failed %v\n",
				res.Meta["accepted"], res.Meta["rejected"], res.Meta["failed"])
			return nil
		},
	}

	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (default: derived from station and night)")
	return cmd
}

func newGlobalCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "global <station>",
		Short: "Refine the station header against all accepted catalogs",
		Long: `Pool the reference pixel of every run summary, then iterate the global
astrometric solver, dropping low contrast catalogs until the set is stable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:      newID(),
				Type:    pipeline.JobGlobal,
				Station: strings.ToUpper(args[0]),
				Options: map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndResult(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v iterations, %v active catalogs, %v rejected\n",
				res.Meta["iterations"], res.Meta["active"], res.Meta["rejected"])
			return nil
		},
	}
	return cmd
}

func newEventHeadCmd(root *Root) *cobra.Command {
	var (
		minContrast float64
		output      string
	)

	cmd := &cobra.Command{
		Use:   "event-head <station> <event>",
		Short: "Write the astrometric header closest in time to a meteor event",
		Long: `Pick the solved catalog nearest in time to the event and write its header
without sky position keywords.

Examples:
  meteorcal event-head FRCO01 20161210T213032_UT`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"event": args[1], "source": "cli"}
			if minContrast > 0 {
				opts["minContrast"] = minContrast
			}
			job := pipeline.Job{
				ID:      newID(),
				Type:    pipeline.JobEventHead,
				Station: strings.ToUpper(args[0]),
				Output:  output,
				Options: opts,
			}
			res, err := root.enqueueAndResult(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %v\n", res.Meta["head"])
			return nil
		},
	}

	cmd.Flags().Float64Var(&minContrast, "min-contrast", 0, "minimum solution contrast (default 5)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output header path")
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var levels string

	cmd := &cobra.Command{
		Use:   "run <station> <start> <end>",
		Short: "Process every night in [start, end)",
		Long: `Run the given levels for every night with a capture directory.
Levels are ingest (1), median (2), quality (3) and global (5).

Examples:
  meteorcal run FRCO01 20161201 20170101 --levels 2,3
  meteorcal run FRCO01 20161201 20170101 --levels median,quality,global`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := tasks.ParseNight(args[1])
			if err != nil {
				return err
			}
			end, err := tasks.ParseNight(args[2])
			if err != nil {
				return err
			}
			if !start.Before(end) {
				return fmt.Errorf("start %s is not before end %s", args[1], args[2])
			}
			lv, err := parseLevels(levels)
			if err != nil {
				return err
			}
			return root.runNights(cmd.Context(), args[0], start, end, lv)
		},
	}

	cmd.Flags().StringVar(&levels, "levels", "2,3", "comma separated processing levels")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status server",
		Long: `Serve job history, run summaries and catalog states, and stream job
results over server-sent events (/stream) and websockets (/ws).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			root.log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/healthz", "/jobs", "/stream", "/ws", "/stations/{code}/summaries", "/stations/{code}/catalogs"},
			)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "watch [capture_root...]",
		Short: "Index new captures as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			roots := args
			if len(roots) == 0 {
				roots = []string{root.cfg.Paths.StationDir}
			}
			root.log.Info("watching captures", "roots", roots, "settle", settle)
			return root.watchCaptures(cmd.Context(), roots, settle)
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", tasks.DefaultSettle, "quiet period before a directory is ingested")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show availability of the external astrometry tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.newToolManager().GetToolStatus()

			fmt.Fprintln(cmd.OutOrStdout(), "meteorcal Tool Status Report")
			fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("=", 41))
			fmt.Fprintf(cmd.OutOrStdout(), "  reference catalog: %s\n", root.cfg.Tools.RefCatalog)

			var missing []string
			for _, name := range []string{"sextractor", "scamp"} {
				st := status[name]
				icon := "missing"
				if st.Available {
					icon = "ok"
				} else {
					missing = append(missing, name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  [%s] %s", icon, name)
				if verbose && st.Available {
					fmt.Fprintf(cmd.OutOrStdout(), " (%s)", st.Version)
					if st.Path != "" {
						fmt.Fprintf(cmd.OutOrStdout(), " [%s]", st.Path)
					}
				}
				if verbose && !st.Available && st.Error != nil {
					fmt.Fprintf(cmd.OutOrStdout(), " - %v", st.Error)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}

			if len(missing) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nInstallation Suggestions:\n")
				fmt.Fprintf(cmd.OutOrStdout(), "  Ubuntu/Debian: sudo apt install source-extractor scamp\n")
				return fmt.Errorf("missing tools: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "show versions and paths")
	return cmd
}
