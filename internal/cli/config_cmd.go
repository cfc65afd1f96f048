package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"photopipe/internal/config"
)

// Version is the release string reported by the version command.
var Version = "v0.1.0-dev"

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n", config.Path())
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("  Queue size: %d\n", r.cfg.Processing.QueueSize)
	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", r.cfg.Logging.Level)
	fmt.Printf("  Format: %s\n", r.cfg.Logging.Format)
	fmt.Printf("  File output: %t (%s)\n", r.cfg.Logging.FileOutput, r.cfg.Logging.LogDir)
	fmt.Printf("  Per-run logs: %t\n", r.cfg.Logging.RunLogs)
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("  Summary file: %s\n", r.cfg.Paths.SummaryFile)
	fmt.Printf("\nPipeline:\n")
	fmt.Printf("  Instrument keys: %s\n", strings.Join(r.cfg.Pipeline.InstrumentKeys, ", "))
	fmt.Printf("  Filter keys: %s\n", strings.Join(r.cfg.Pipeline.FilterKeys, ", "))
	fmt.Printf("  Frame extensions: %s\n", strings.Join(r.cfg.Pipeline.FrameExtensions, ", "))
	if r.cfg.Pipeline.InstrumentsFile != "" {
		fmt.Printf("  Instruments file: %s\n", r.cfg.Pipeline.InstrumentsFile)
	} else {
		fmt.Printf("  Instruments file: (builtin)\n")
	}
	fmt.Printf("  Register SNR: %g\n", r.cfg.Pipeline.RegisterThreshold)
	fmt.Printf("  Photometry SNR: %g\n", r.cfg.Pipeline.PhotometryThreshold)
	fmt.Printf("  Min stars: %d\n", r.cfg.Pipeline.MinStars)
	fmt.Printf("\nStage tools:\n")
	for _, stage := range []string{"prepare", "register", "photometry", "calibrate", "distill"} {
		tool := r.cfg.Tools.ByStage()[stage]
		fmt.Printf("  %s: %s\n", stage, strings.TrimSpace(tool.Command+" "+strings.Join(tool.Args, " ")))
	}
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Println("Configuration is valid")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Fprintf(os.Stdout, "photopipe %s\n", Version)
	fmt.Fprintf(os.Stdout, "Built with Go %s\n", runtime.Version())
	return nil
}
