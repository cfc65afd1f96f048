package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"photopipe/internal/fits"
	"photopipe/internal/logging"
)

// State is a position in the stage sequence.
type State string

const (
	StateValidating    State = "validating"
	StatePreparing     State = "preparing"
	StateRegistering   State = "registering"
	StatePhotometering State = "photometering"
	StateCalibrating   State = "calibrating"
	StateDistilling    State = "distilling"
	StateDone          State = "done"
	StateStopped       State = "stopped"
	StateAborted       State = "aborted"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeStopped Outcome = "stopped"
	OutcomeAborted Outcome = "aborted"
	OutcomeFatal   Outcome = "fatal"
)

// Failed reports whether the outcome counts against the dataset.
func (o Outcome) Failed() bool {
	return o == OutcomeAborted || o == OutcomeFatal
}

var (
	// ErrNoRegistrations means no frame survived registration.
	ErrNoRegistrations = errors.New("registration failed for all frames")
	// ErrNoCalibration means calibration returned no usable result.
	ErrNoCalibration = errors.New("calibration produced no result")
	// ErrNothingPrepared means preparation left no frames.
	ErrNothingPrepared = errors.New("preparation left no frames")
)

// RunResult is the typed outcome of one run.
type RunResult struct {
	Job        DatasetJob
	Context    RunContext
	State      State
	// FailedIn is the state a fatal run was in when it ended aborted.
	FailedIn   State
	Outcome    Outcome
	Err        error
	Summary    []SummaryLine
	Instrument string
	Filter     string
	Frames     FrameSet
	Duration   time.Duration
}

// RunStatus is the JSON view of a RunResult.
type RunStatus struct {
	ID         string        `json:"id"`
	DatasetDir string        `json:"dataset_dir"`
	State      State         `json:"state"`
	FailedIn   State         `json:"failed_in,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Instrument string        `json:"instrument,omitempty"`
	Filter     string        `json:"filter,omitempty"`
	Frames     int           `json:"frames"`
	Summary    []SummaryLine `json:"summary"`
	DurationMS int64         `json:"duration_ms"`
}

// Status renders the result for the API and the CLI.
func (r RunResult) Status() RunStatus {
	st := RunStatus{
		ID:         r.Job.ID,
		DatasetDir: r.Job.Dir,
		State:      r.State,
		FailedIn:   r.FailedIn,
		Outcome:    r.Outcome,
		Instrument: r.Instrument,
		Filter:     r.Filter,
		Frames:     len(r.Frames),
		Summary:    r.Summary,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		st.Error = r.Err.Error()
	}
	return st
}

// Inspector reads instrument and filter tags for a batch.
type Inspector interface {
	Inspect(ctx context.Context, frames []string) (fits.Inspection, error)
}

// Params are the fixed numeric stage parameters.
type Params struct {
	RegisterThreshold   float64
	PhotometryThreshold float64
	MinStars            int
}

// DefaultParams returns the standard stage parameters.
func DefaultParams() Params {
	return Params{RegisterThreshold: 3, PhotometryThreshold: 1.5, MinStars: 10}
}

// Runner executes the stage sequence for one dataset at a time. A Runner may
// be shared by several workers; every call builds its own RunContext.
type Runner struct {
	inspect  Inspector
	lookup   ProfileLookup
	stages   Stages
	reporter Reporter
	params   Params
	log      *slog.Logger
	runLogs  bool
	logLevel slog.Level
	seq      atomic.Int64
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithReporter sets the reporter every run reports to.
func WithReporter(rep Reporter) RunnerOption {
	return func(r *Runner) { r.reporter = rep }
}

// WithParams overrides the stage parameters.
func WithParams(p Params) RunnerOption {
	return func(r *Runner) { r.params = p }
}

// WithRunLogs mirrors each run's log lines into the dataset's own log file.
func WithRunLogs(level slog.Level) RunnerOption {
	return func(r *Runner) {
		r.runLogs = true
		r.logLevel = level
	}
}

// NewRunner wires the collaborators of the stage sequence.
func NewRunner(inspect Inspector, lookup ProfileLookup, stages Stages, logger *slog.Logger, opts ...RunnerOption) (*Runner, error) {
	if inspect == nil || lookup == nil {
		return nil, errors.New("pipeline: runner needs an inspector and a profile lookup")
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		inspect: inspect,
		lookup:  lookup,
		stages:  stages,
		params:  DefaultParams(),
		log:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// run carries the state of one invocation.
type run struct {
	rc       RunContext
	log      *slog.Logger
	reporter MultiReporter
	res      RunResult
}

func (x *run) emit(line SummaryLine) {
	x.res.Summary = append(x.res.Summary, line)
	x.log.Info("summary", "stage", line.Stage, "level", string(line.Level), "message", line.Message)
	if err := x.reporter.Report(x.rc, line); err != nil {
		x.log.Warn("summary report failed", "stage", line.Stage, "error", err)
	}
}

func (x *run) abort(stage string) {
	if err := x.reporter.Abort(x.rc, stage); err != nil {
		x.log.Warn("abort report failed", "stage", stage, "error", err)
	}
}

func (x *run) enter(s State) {
	x.res.State = s
	logging.LogStage(x.log, string(s), "started", nil)
}

// Run executes the full stage sequence for job. It never panics or exits; the
// outcome is returned to the caller.
func (r *Runner) Run(ctx context.Context, job DatasetJob) RunResult {
	start := time.Now()
	res := RunResult{Job: job, State: StateValidating}

	dir, err := filepath.Abs(job.Dir)
	if err == nil {
		res.Context, err = NewRunContext(job.ID, dir, int(r.seq.Add(1)))
	}
	if err == nil {
		err = res.Context.EnsureDirs()
	}
	if err != nil {
		res.FailedIn, res.State = res.State, StateAborted
		res.Outcome, res.Err = OutcomeFatal, err
		res.Duration = time.Since(start)
		logging.LogRunError(r.log.With("run", job.ID), string(res.Outcome), res.Duration, err, map[string]any{"dir": job.Dir})
		return res
	}

	logger := r.log.With("run", res.Context.RunID)
	if r.runLogs {
		var closer io.Closer
		logger, closer, err = logging.ForRun(logger, res.Context.LogFile, r.logLevel)
		if err != nil {
			r.log.Warn("run log unavailable", "run", res.Context.RunID, "error", err)
			logger = r.log.With("run", res.Context.RunID)
		} else {
			defer closer.Close()
		}
	}

	x := &run{
		rc:       res.Context,
		log:      logger,
		reporter: MultiReporter{r.reporter, job.Summary},
		res:      res,
	}
	logging.LogRunStart(logger, x.rc.DataRoot, len(job.Frames))

	err = r.sequence(ctx, x, job)
	x.res.Err = err
	x.res.Duration = time.Since(start)

	details := map[string]any{
		"state":      string(x.res.State),
		"failed_in":  string(x.res.FailedIn),
		"instrument": x.res.Instrument,
		"filter":     x.res.Filter,
		"frames":     len(x.res.Frames),
	}
	if x.res.Outcome.Failed() {
		if err == nil {
			err = fmt.Errorf("run ended %s", x.res.Outcome)
		}
		logging.LogRunError(logger, string(x.res.Outcome), x.res.Duration, err, details)
	} else {
		logging.LogRunComplete(logger, string(x.res.Outcome), x.res.Duration, details)
	}
	return x.res
}

func (r *Runner) sequence(ctx context.Context, x *run, job DatasetJob) error {
	fatal := func(err error) error {
		x.res.FailedIn, x.res.State = x.res.State, StateAborted
		x.res.Outcome = OutcomeFatal
		return err
	}

	// validating
	insp, err := r.inspect.Inspect(ctx, job.Frames)
	if err != nil {
		return fatal(fmt.Errorf("inspect headers: %w", err))
	}
	batch, err := ValidateBatch(insp, r.lookup, x.log)
	if err != nil {
		return fatal(fmt.Errorf("validate batch: %w", err))
	}
	frames := batch.Frames
	x.res.Frames = frames
	x.res.Instrument = batch.Profile.Name
	x.res.Filter = batch.Filter.String()
	x.log.Info("run photometry pipeline", "frames", len(frames), "instrument", batch.Profile.Name, "filter", batch.Filter.String())

	if err := ctx.Err(); err != nil {
		return fatal(err)
	}
	x.enter(StatePreparing)
	prepared, err := r.stages.Prepare.Prepare(ctx, x.rc, PrepareRequest{
		Frames:     frames.Clone(),
		Instrument: batch.Profile.Name,
		Profile:    batch.Profile,
	})
	if err != nil {
		return fatal(fmt.Errorf("prepare: %w", err))
	}
	frames = frames.Subset(prepared)
	x.res.Frames = frames
	if len(frames) == 0 {
		x.log.Info("nothing else to do for this image set")
		x.abort(StagePrepare)
		x.res.State, x.res.Outcome = StateAborted, OutcomeAborted
		return ErrNothingPrepared
	}

	if err := ctx.Err(); err != nil {
		return fatal(err)
	}
	x.enter(StateRegistering)
	reg, err := r.stages.Register.Register(ctx, x.rc, RegisterRequest{
		Frames:         frames.Clone(),
		Instrument:     batch.Profile.Name,
		Threshold:      r.params.RegisterThreshold,
		MinArea:        batch.Profile.SourceMinArea,
		ApertureRadius: batch.Profile.ApertureDefault,
		Profile:        batch.Profile,
	})
	if err != nil {
		return fatal(fmt.Errorf("register: %w", err))
	}
	registered := frames.Subset(reg.Registered)
	x.emit(registerSummary(len(frames), len(registered)))
	frames = registered
	x.res.Frames = frames

	if !batch.Filter.Calibratable() {
		x.log.Info("nothing else to do for this filter", "filter", batch.FilterTag)
		x.res.State, x.res.Outcome = StateStopped, OutcomeStopped
		return nil
	}
	if len(frames) == 0 {
		x.log.Info("nothing else to do for this image set")
		x.abort(StageRegister)
		x.res.State, x.res.Outcome = StateAborted, OutcomeAborted
		return ErrNoRegistrations
	}

	if err := ctx.Err(); err != nil {
		return fatal(err)
	}
	x.enter(StatePhotometering)
	phot, err := r.stages.Photometry.Photometer(ctx, x.rc, PhotometryRequest{
		Frames:     frames.Clone(),
		Instrument: batch.Profile.Name,
		Threshold:  r.params.PhotometryThreshold,
		MinArea:    batch.Profile.SourceMinArea,
		TargetName: job.TargetName,
		Profile:    batch.Profile,
	})
	if err != nil {
		return fatal(fmt.Errorf("photometry: %w", err))
	}
	x.emit(photometrySummary(phot))

	if err := ctx.Err(); err != nil {
		return fatal(err)
	}
	x.enter(StateCalibrating)
	cal, err := r.stages.Calibrate.Calibrate(ctx, x.rc, CalibrationRequest{
		Frames:     frames.Clone(),
		Instrument: batch.Profile.Name,
		MinStars:   r.params.MinStars,
		Filter:     batch.Filter.Name(),
		Profile:    batch.Profile,
	})
	if err != nil {
		return fatal(fmt.Errorf("calibrate: %w", err))
	}
	if cal == nil {
		x.log.Error("nothing to do, calibration returned no result")
		x.abort(StageCalibration)
		return fatal(ErrNoCalibration)
	}
	x.emit(calibrationSummary(cal))

	if err := ctx.Err(); err != nil {
		return fatal(err)
	}
	x.enter(StateDistilling)
	dist, err := r.stages.Distill.Distill(ctx, x.rc, DistillRequest{
		Catalogs:   append([]string(nil), cal.Catalogs...),
		TargetName: job.TargetName,
	})
	if err != nil {
		return fatal(fmt.Errorf("distill: %w", err))
	}
	x.emit(distillSummary(dist))

	x.res.State, x.res.Outcome = StateDone, OutcomeDone
	x.log.Info("successfully done with this process")
	return nil
}
