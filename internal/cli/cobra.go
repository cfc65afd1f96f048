package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "photopipe",
		Short: "photopipe runs the photometry pipeline over FITS datasets",
		Long: `photopipe drives the preparation, registration, photometry, calibration and
distillation stages over directories of FITS frames and reports a summary per
dataset.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newInstrumentsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		prefix string
		target string
		dir    string
	)

	cmd := &cobra.Command{
		Use:   "run <images...|all>",
		Short: "Run the pipeline on frames or on every dataset below a directory",
		Long: `Run the full stage sequence on a set of frames.

Pass the frames of one dataset explicitly, or the single word "all" together
with --prefix to walk the directory tree and process every directory holding
frames whose names start with the prefix. In "all" mode a summary file is
written to the top of the tree.

Examples:
  # One dataset, frames listed explicitly
  photopipe run obj_0001.fits obj_0002.fits

  # Every dataset below the current directory
  photopipe run all --prefix obj --target "2001 XY"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("run command parsed",
				"images", len(args),
				"prefix", prefix,
				"target", target,
				"root", dir,
			)
			return root.cmdRun(cmd.Context(), args, dir, prefix, target)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "frame file name prefix (required with 'all')")
	cmd.Flags().StringVar(&target, "target", "", "primary target name override")
	cmd.Flags().StringVar(&dir, "root", ".", "top of the tree walked by 'all'")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		prefix string
		target string
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <root>",
		Short: "Watch a directory tree and process datasets as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if settle <= 0 {
				settle = time.Duration(root.cfg.Watch.SettleSeconds) * time.Second
			}
			return root.cmdWatch(cmd.Context(), args[0], prefix, target, settle)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "frame file name prefix")
	cmd.Flags().StringVar(&target, "target", "", "primary target name override")
	cmd.Flags().DurationVar(&settle, "settle", 0, "quiet period before a directory is processed (default from config)")
	cmd.MarkFlagRequired("prefix")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the run status API",
		Long: `Start an HTTP server exposing the run ledger and live run results.

Endpoints:
  GET  /healthz      liveness
  GET  /runs         recent runs
  GET  /runs/{id}    one run with its summary lines
  POST /runs         discover and queue datasets {"root","prefix","target"}
  GET  /stream       server-sent events of run results
  GET  /ws           websocket feed of run results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), default from config")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRuns(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run and its summary lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRunShow(args[0])
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func newInstrumentsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "instruments",
		Short: "List the instrument registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdInstruments()
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show availability of the external stage tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools(cmd.Context())
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate photopipe configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
