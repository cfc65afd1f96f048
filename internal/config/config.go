package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/photopipe/config.json"
	defaultParallel   = 1
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Pipeline   Pipeline   `json:"pipeline"`
	Tools      StageTools `json:"tools"`
	Watch      Watch      `json:"watch"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"` // datasets processed concurrently
	QueueSize    int `json:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	RunLogs    bool   `json:"run_logs"`    // Per-dataset log file in the dataset directory
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	SummaryFile  string `json:"summary_file"` // relative to the discovery root
}

// Pipeline holds the fixed stage parameters and header recognition settings.
type Pipeline struct {
	InstrumentKeys      []string `json:"instrument_keys"`
	FilterKeys          []string `json:"filter_keys"`
	FrameExtensions     []string `json:"frame_extensions"`
	InstrumentsFile     string   `json:"instruments_file"`
	RegisterThreshold   float64  `json:"register_snr"`
	PhotometryThreshold float64  `json:"photometry_snr"`
	MinStars            int      `json:"min_stars"`
}

// StageTools names the external command run for each stage.
type StageTools struct {
	Prepare    ToolCommand `json:"prepare"`
	Register   ToolCommand `json:"register"`
	Photometry ToolCommand `json:"photometry"`
	Calibrate  ToolCommand `json:"calibrate"`
	Distill    ToolCommand `json:"distill"`
}

// ToolCommand is an executable plus fixed leading arguments.
type ToolCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Watch configures the directory watcher.
type Watch struct {
	SettleSeconds int `json:"settle_seconds"`
}

// Server configures the status API.
type Server struct {
	Addr string `json:"addr"`
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv("PHOTOPIPE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", expanded, err)
	}
	if cfg.Pipeline.InstrumentsFile != "" {
		if cfg.Pipeline.InstrumentsFile, err = expandUser(cfg.Pipeline.InstrumentsFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return errors.New("config: processing.parallel_jobs must be at least 1")
	}
	if len(c.Pipeline.InstrumentKeys) == 0 {
		return errors.New("config: pipeline.instrument_keys is empty")
	}
	if len(c.Pipeline.FilterKeys) == 0 {
		return errors.New("config: pipeline.filter_keys is empty")
	}
	if c.Pipeline.RegisterThreshold <= 0 || c.Pipeline.PhotometryThreshold <= 0 {
		return errors.New("config: detection thresholds must be positive")
	}
	if c.Pipeline.MinStars < 1 {
		return errors.New("config: pipeline.min_stars must be at least 1")
	}
	for name, tool := range c.Tools.ByStage() {
		if strings.TrimSpace(tool.Command) == "" {
			return fmt.Errorf("config: tools.%s.command is empty", name)
		}
	}
	return nil
}

// ByStage returns the tool commands keyed by stage name.
func (t StageTools) ByStage() map[string]ToolCommand {
	return map[string]ToolCommand{
		"prepare":    t.Prepare,
		"register":   t.Register,
		"photometry": t.Photometry,
		"calibrate":  t.Calibrate,
		"distill":    t.Distill,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    16,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			RunLogs:    true,
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "photopipe.db"),
			SummaryFile:  "summary.txt",
		},
		Pipeline: Pipeline{
			InstrumentKeys:      []string{"INSTRUME", "TELESCOP", "LCAMMOD"},
			FilterKeys:          []string{"FILTER", "FILTER1", "FILTNAME", "FILTERS"},
			FrameExtensions:     []string{".fits", ".fit", ".fts"},
			RegisterThreshold:   3,
			PhotometryThreshold: 1.5,
			MinStars:            10,
		},
		Tools: StageTools{
			Prepare:    ToolCommand{Command: "pp_prepare"},
			Register:   ToolCommand{Command: "pp_register"},
			Photometry: ToolCommand{Command: "pp_photometry"},
			Calibrate:  ToolCommand{Command: "pp_calibrate"},
			Distill:    ToolCommand{Command: "pp_distill"},
		},
		Watch: Watch{
			SettleSeconds: 30,
		},
		Server: Server{
			Addr: "127.0.0.1:8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
