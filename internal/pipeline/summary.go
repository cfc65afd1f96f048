package pipeline

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"photopipe/internal/storage"
)

// Level grades a summary line.
type Level string

const (
	LevelSuccess Level = "success"
	LevelPartial Level = "partial"
	LevelFailure Level = "failure"
)

// Stage names used in summary lines and abort markers.
const (
	StagePrepare     = "prepare"
	StageRegister    = "register"
	StagePhotometry  = "photometry"
	StageCalibration = "calibrate"
	StageDistill     = "distill"
)

// controlStar is the distilled pseudo-target that never counts as primary.
const controlStar = "control_star"

// SummaryLine is the status string emitted after a completed stage.
type SummaryLine struct {
	Stage   string `json:"stage"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Reporter receives summary lines and abort markers for a run.
type Reporter interface {
	Report(rc RunContext, line SummaryLine) error
	Abort(rc RunContext, stage string) error
}

func registerSummary(total, registered int) SummaryLine {
	switch {
	case registered == total:
		return SummaryLine{Stage: StageRegister, Level: LevelSuccess, Message: "all images registered"}
	case registered == 0:
		return SummaryLine{Stage: StageRegister, Level: LevelFailure, Message: "registration failed"}
	default:
		return SummaryLine{Stage: StageRegister, Level: LevelPartial,
			Message: fmt.Sprintf("registration failed for %d/%d images", total-registered, total)}
	}
}

func photometrySummary(res PhotometryResult) SummaryLine {
	msg := fmt.Sprintf("aprad = %5.1f px, ", res.OptimumApertureRadius)
	if res.TargetFrames > 0 {
		return SummaryLine{Stage: StagePhotometry, Level: LevelSuccess, Message: msg + "based on target and background"}
	}
	return SummaryLine{Stage: StagePhotometry, Level: LevelPartial, Message: msg + "based on background only"}
}

func calibrationSummary(res *CalibrationResult) SummaryLine {
	zps := make([]float64, len(res.ZeroPoints))
	sigs := make([]float64, len(res.ZeroPoints))
	allZero := true
	for i, zp := range res.ZeroPoints {
		zps[i], sigs[i] = zp.ZP, zp.Sigma
		if zp.ZP != 0 {
			allZero = false
		}
	}
	if allZero {
		return SummaryLine{Stage: StageCalibration, Level: LevelFailure, Message: "no phot. calibration"}
	}
	return SummaryLine{Stage: StageCalibration, Level: LevelSuccess,
		Message: fmt.Sprintf("average zeropoint = %5.2f+-%5.2f using %s", mean(zps), mean(sigs), res.ReferenceCatalog)}
}

func distillSummary(res DistillResult) SummaryLine {
	target, ok := primaryTarget(res)
	if !ok {
		return SummaryLine{Stage: StageDistill, Level: LevelPartial, Message: "no primary target extracted"}
	}
	mags := make([]float64, len(target.Measurements))
	for i, m := range target.Measurements {
		mags[i] = m.Magnitude
	}
	return SummaryLine{Stage: StageDistill, Level: LevelSuccess,
		Message: fmt.Sprintf("average target brightness and std: %5.2f+-%5.2f", mean(mags), stddev(mags))}
}

// primaryTarget picks the first distilled target that is not the control star
// and has at least one measurement.
func primaryTarget(res DistillResult) (TargetPhotometry, bool) {
	for _, t := range res.Targets {
		if t.Name == controlStar || len(t.Measurements) == 0 {
			continue
		}
		return t, true
	}
	return TargetPhotometry{}, false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var acc float64
	for _, x := range xs {
		acc += (x - m) * (x - m)
	}
	return math.Sqrt(acc / float64(len(xs)))
}

// SummaryFile appends one tab-separated row per summary line to a text file
// shared by all datasets of a tree walk.
type SummaryFile struct {
	mu   sync.Mutex
	path string
}

// NewSummaryFile creates (or truncates) the summary file and writes its header.
func NewSummaryFile(path string) (*SummaryFile, error) {
	header := fmt.Sprintf("# photopipe summary %s\n# dataset\trun\tstage\tlevel\tmessage\n", time.Now().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		return nil, fmt.Errorf("create summary file: %w", err)
	}
	return &SummaryFile{path: path}, nil
}

// Path returns the summary file location.
func (s *SummaryFile) Path() string { return s.path }

func (s *SummaryFile) Report(rc RunContext, line SummaryLine) error {
	return s.appendRow(fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n", rc.DataRoot, rc.RunID, line.Stage, line.Level, line.Message))
}

func (s *SummaryFile) Abort(rc RunContext, stage string) error {
	return s.appendRow(fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n", rc.DataRoot, rc.RunID, stage, LevelFailure, "aborted"))
}

func (s *SummaryFile) appendRow(row string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(row); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LedgerReporter records summary lines in the run ledger.
type LedgerReporter struct {
	store *storage.Store
}

// NewLedgerReporter returns a Reporter backed by store.
func NewLedgerReporter(store *storage.Store) *LedgerReporter {
	return &LedgerReporter{store: store}
}

func (l *LedgerReporter) Report(rc RunContext, line SummaryLine) error {
	return l.store.RecordSummary(storage.SummaryRecord{
		RunID:   rc.RunID,
		Stage:   line.Stage,
		Level:   string(line.Level),
		Message: line.Message,
	})
}

func (l *LedgerReporter) Abort(rc RunContext, stage string) error {
	return l.store.RecordSummary(storage.SummaryRecord{
		RunID:   rc.RunID,
		Stage:   stage,
		Level:   string(LevelFailure),
		Message: "aborted",
	})
}

// MultiReporter forwards to every non-nil reporter.
type MultiReporter []Reporter

func (m MultiReporter) Report(rc RunContext, line SummaryLine) error {
	var errs []error
	for _, r := range m {
		if r != nil {
			errs = append(errs, r.Report(rc, line))
		}
	}
	return errors.Join(errs...)
}

func (m MultiReporter) Abort(rc RunContext, stage string) error {
	var errs []error
	for _, r := range m {
		if r != nil {
			errs = append(errs, r.Abort(rc, stage))
		}
	}
	return errors.Join(errs...)
}
