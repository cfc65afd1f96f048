package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"photopipe/internal/config"
	"photopipe/internal/instrument"
	"photopipe/internal/logging"
	"photopipe/internal/pipeline"
)

// stageEnvelope is written to a stage tool's stdin.
type stageEnvelope struct {
	Stage   string              `json:"stage"`
	Run     pipeline.RunContext `json:"run"`
	Profile *profileEnvelope    `json:"profile,omitempty"`
	Request any                 `json:"request"`
}

type profileEnvelope struct {
	Name            string   `json:"name"`
	Identifiers     []string `json:"identifiers"`
	SourceMinArea   float64  `json:"source_minarea"`
	ApertureDefault float64  `json:"aprad_default"`
}

// ToolStages runs each pipeline stage as an external command. The command
// receives a JSON envelope on stdin, runs in the dataset directory and
// answers with a JSON result on stdout.
type ToolStages struct {
	tools config.StageTools
	log   *slog.Logger
}

// NewToolStages returns stage collaborators backed by the configured tools.
func NewToolStages(tools config.StageTools, logger *slog.Logger) *ToolStages {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolStages{tools: tools, log: logger}
}

// Stages bundles t as all five pipeline collaborators.
func (t *ToolStages) Stages() pipeline.Stages {
	return pipeline.Stages{Prepare: t, Register: t, Photometry: t, Calibrate: t, Distill: t}
}

func (t *ToolStages) Prepare(ctx context.Context, rc pipeline.RunContext, req pipeline.PrepareRequest) (pipeline.FrameSet, error) {
	var resp struct {
		Frames pipeline.FrameSet `json:"frames"`
	}
	env := stageEnvelope{Stage: "prepare", Run: rc, Profile: envelopeFor(req.Profile), Request: req}
	if err := t.run(ctx, t.tools.Prepare, env, &resp); err != nil {
		return nil, err
	}
	return resp.Frames, nil
}

func (t *ToolStages) Register(ctx context.Context, rc pipeline.RunContext, req pipeline.RegisterRequest) (pipeline.RegisterResult, error) {
	var resp pipeline.RegisterResult
	env := stageEnvelope{Stage: "register", Run: rc, Profile: envelopeFor(req.Profile), Request: req}
	err := t.run(ctx, t.tools.Register, env, &resp)
	return resp, err
}

func (t *ToolStages) Photometer(ctx context.Context, rc pipeline.RunContext, req pipeline.PhotometryRequest) (pipeline.PhotometryResult, error) {
	var resp pipeline.PhotometryResult
	env := stageEnvelope{Stage: "photometry", Run: rc, Profile: envelopeFor(req.Profile), Request: req}
	err := t.run(ctx, t.tools.Photometry, env, &resp)
	return resp, err
}

// Calibrate returns nil without error when the tool answers with JSON null.
func (t *ToolStages) Calibrate(ctx context.Context, rc pipeline.RunContext, req pipeline.CalibrationRequest) (*pipeline.CalibrationResult, error) {
	var resp *pipeline.CalibrationResult
	env := stageEnvelope{Stage: "calibrate", Run: rc, Profile: envelopeFor(req.Profile), Request: req}
	if err := t.run(ctx, t.tools.Calibrate, env, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *ToolStages) Distill(ctx context.Context, rc pipeline.RunContext, req pipeline.DistillRequest) (pipeline.DistillResult, error) {
	var resp pipeline.DistillResult
	err := t.run(ctx, t.tools.Distill, stageEnvelope{Stage: "distill", Run: rc, Request: req}, &resp)
	return resp, err
}

func envelopeFor(p instrument.Profile) *profileEnvelope {
	if p.Name == "" {
		return nil
	}
	return &profileEnvelope{
		Name:            p.Name,
		Identifiers:     p.Identifiers,
		SourceMinArea:   p.SourceMinArea,
		ApertureDefault: p.ApertureDefault,
	}
}

func (t *ToolStages) run(ctx context.Context, tool config.ToolCommand, env stageEnvelope, out any) error {
	if strings.TrimSpace(tool.Command) == "" {
		return fmt.Errorf("%s: no tool configured", env.Stage)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", env.Stage, err)
	}

	cmd := exec.CommandContext(ctx, tool.Command, tool.Args...)
	cmd.Dir = env.Run.DataRoot
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	t.log.Debug("running stage tool", "run", env.Run.RunID, "stage", env.Stage, "command", tool.Command, "dir", cmd.Dir)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s failed: %w: %s", env.Stage, tool.Command, err, msg)
		}
		return fmt.Errorf("%s: %s failed: %w", env.Stage, tool.Command, err)
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		t.log.Debug("stage tool stderr", "run", env.Run.RunID, "stage", env.Stage, "output", s)
	}

	body := bytes.TrimSpace(stdout.Bytes())
	if len(body) == 0 {
		return fmt.Errorf("%s: %s produced no output", env.Stage, tool.Command)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %s output: %w", env.Stage, tool.Command, err)
	}
	logging.LogStage(t.log.With("run", env.Run.RunID), env.Stage, "tool finished", map[string]any{
		"command":     tool.Command,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}
