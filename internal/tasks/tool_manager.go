package tasks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"photopipe/internal/config"
)

// StageOrder lists the stages in pipeline order.
var StageOrder = []string{"prepare", "register", "photometry", "calibrate", "distill"}

// ToolManager checks the external stage tools named in configuration.
type ToolManager struct {
	tools   config.StageTools
	timeout time.Duration
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{tools: cfg.Tools, timeout: 10 * time.Second}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Stage     string `json:"stage"`
	Command   string `json:"command"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

// CheckTool verifies the tool configured for stage is installed and answers
// a version query.
func (tm *ToolManager) CheckTool(ctx context.Context, stage string) ToolStatus {
	tool, ok := tm.tools.ByStage()[stage]
	if !ok {
		return ToolStatus{Stage: stage, Error: fmt.Errorf("unknown stage %q", stage)}
	}
	st := ToolStatus{Stage: stage, Command: tool.Command}

	path, err := exec.LookPath(tool.Command)
	if err != nil {
		st.Error = err
		return st
	}
	st.Path = path

	ctx, cancel := context.WithTimeout(ctx, tm.timeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		// Some tools exit non-zero on --version but still print something useful.
		if len(output) > 0 {
			st.Available, st.Version = true, extractVersion(string(output))
			return st
		}
		st.Error = err
		return st
	}
	st.Available, st.Version = true, extractVersion(string(output))
	return st
}

// Status checks every stage tool, in pipeline order.
func (tm *ToolManager) Status(ctx context.Context) []ToolStatus {
	out := make([]ToolStatus, 0, len(StageOrder))
	for _, stage := range StageOrder {
		out = append(out, tm.CheckTool(ctx, stage))
	}
	return out
}

// Missing returns the stages whose tool is unavailable.
func (tm *ToolManager) Missing(ctx context.Context) []string {
	var missing []string
	for _, st := range tm.Status(ctx) {
		if !st.Available {
			missing = append(missing, st.Stage)
		}
	}
	return missing
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
