package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// DiagnosticsDir is created inside every dataset directory.
	DiagnosticsDir = ".diagnostics"
	// RunLogName is the per-dataset log file.
	RunLogName = "photopipe.log"
)

// RunContext holds identity and output locations of exactly one run. It is
// built by NewRunContext at the start of the run and passed by value to every
// stage and reporter call.
type RunContext struct {
	RunID     string `json:"run_id"`
	Seq       int    `json:"seq"`
	DataRoot  string `json:"data_root"`
	DiagRoot  string `json:"diag_root"`
	LogFile   string `json:"log_file"`
	IndexFile string `json:"index_file"`
	RegFile   string `json:"registration_file"`
	CalFile   string `json:"calibration_file"`
	ResFile   string `json:"results_file"`
}

// NewRunContext derives a fresh context for a run over dataRoot. An empty
// runID gets a new UUID. Paths come from dataRoot only, never from the
// process working directory.
func NewRunContext(runID, dataRoot string, seq int) (RunContext, error) {
	if dataRoot == "" {
		return RunContext{}, errors.New("pipeline: run context needs a data root")
	}
	if !filepath.IsAbs(dataRoot) {
		return RunContext{}, fmt.Errorf("pipeline: data root %q is not absolute", dataRoot)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	root := filepath.Clean(dataRoot)
	diag := filepath.Join(root, DiagnosticsDir)
	return RunContext{
		RunID:     runID,
		Seq:       seq,
		DataRoot:  root,
		DiagRoot:  diag,
		LogFile:   filepath.Join(root, RunLogName),
		IndexFile: filepath.Join(diag, "index.html"),
		RegFile:   filepath.Join(diag, "registration.html"),
		CalFile:   filepath.Join(diag, "calibration.html"),
		ResFile:   filepath.Join(diag, "results.html"),
	}, nil
}

// Paths lists every derived output path of the run.
func (rc RunContext) Paths() []string {
	return []string{rc.DiagRoot, rc.LogFile, rc.IndexFile, rc.RegFile, rc.CalFile, rc.ResFile}
}

// EnsureDirs creates the diagnostics directory.
func (rc RunContext) EnsureDirs() error {
	if rc.DiagRoot == "" {
		return errors.New("pipeline: run context not initialized")
	}
	return os.MkdirAll(rc.DiagRoot, 0o755)
}
