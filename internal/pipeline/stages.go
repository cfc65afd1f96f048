package pipeline

import (
	"context"
	"errors"

	"photopipe/internal/instrument"
)

// PrepareRequest asks for frames to be normalized for the pipeline.
type PrepareRequest struct {
	Frames     FrameSet           `json:"frames"`
	Instrument string             `json:"instrument"`
	Profile    instrument.Profile `json:"-"`
}

// RegisterRequest drives astrometric registration.
type RegisterRequest struct {
	Frames         FrameSet           `json:"frames"`
	Instrument     string             `json:"instrument"`
	Threshold      float64            `json:"snr"`
	MinArea        float64            `json:"source_minarea"`
	ApertureRadius float64            `json:"aprad"`
	Profile        instrument.Profile `json:"-"`
}

// RegisterResult splits the input into registered and failed frames.
type RegisterResult struct {
	Registered FrameSet `json:"registered"`
	Failed     FrameSet `json:"failed"`
}

// PhotometryRequest drives aperture photometry. A nil ApertureRadius asks the
// stage to derive the radius from a curve-of-growth analysis.
type PhotometryRequest struct {
	Frames         FrameSet           `json:"frames"`
	Instrument     string             `json:"instrument"`
	Threshold      float64            `json:"snr"`
	MinArea        float64            `json:"source_minarea"`
	ApertureRadius *float64           `json:"aprad"`
	TargetName     string             `json:"target,omitempty"`
	BackgroundOnly bool               `json:"background_only"`
	TargetOnly     bool               `json:"target_only"`
	Profile        instrument.Profile `json:"-"`
}

// PhotometryResult reports the selected aperture.
type PhotometryResult struct {
	OptimumApertureRadius float64  `json:"optimum_aprad"`
	TargetFrames          int      `json:"n_target"`
	Catalogs              []string `json:"catalogs"`
}

// CalibrationRequest drives photometric calibration. An empty ManualCatalog
// lets the stage pick a reference catalog.
type CalibrationRequest struct {
	Frames        FrameSet           `json:"frames"`
	Instrument    string             `json:"instrument"`
	MinStars      int                `json:"minstars"`
	Filter        string             `json:"filter"`
	ManualCatalog string             `json:"manual_catalog,omitempty"`
	Profile       instrument.Profile `json:"-"`
}

// ZeroPoint is the calibration of one frame.
type ZeroPoint struct {
	Frame string  `json:"frame"`
	ZP    float64 `json:"zp"`
	Sigma float64 `json:"zp_sig"`
}

// CalibrationResult carries per-frame zero points and calibrated catalogs.
type CalibrationResult struct {
	ZeroPoints       []ZeroPoint `json:"zeropoints"`
	ReferenceCatalog string      `json:"ref_cat"`
	Catalogs         []string    `json:"catalogs"`
}

// DistillRequest extracts target photometry from calibrated catalogs.
type DistillRequest struct {
	Catalogs       []string   `json:"catalogs"`
	TargetName     string     `json:"target,omitempty"`
	PositionOffset [2]float64 `json:"offset"`
}

// Measurement is one brightness measurement of a target.
type Measurement struct {
	Frame     string  `json:"frame"`
	Magnitude float64 `json:"mag"`
	Sigma     float64 `json:"sig"`
}

// TargetPhotometry collects the measurements of one target.
type TargetPhotometry struct {
	Name         string        `json:"name"`
	Measurements []Measurement `json:"measurements"`
}

// DistillResult lists the distilled targets in the order the stage found them.
type DistillResult struct {
	Targets []TargetPhotometry `json:"targets"`
}

// Preparer normalizes frames before registration.
type Preparer interface {
	Prepare(ctx context.Context, rc RunContext, req PrepareRequest) (FrameSet, error)
}

// Registrar registers frames against a reference catalog.
type Registrar interface {
	Register(ctx context.Context, rc RunContext, req RegisterRequest) (RegisterResult, error)
}

// Photometer selects an aperture and measures sources.
type Photometer interface {
	Photometer(ctx context.Context, rc RunContext, req PhotometryRequest) (PhotometryResult, error)
}

// Calibrator calibrates magnitudes. A nil result without error means the
// stage produced nothing usable.
type Calibrator interface {
	Calibrate(ctx context.Context, rc RunContext, req CalibrationRequest) (*CalibrationResult, error)
}

// Distiller extracts per-target results.
type Distiller interface {
	Distill(ctx context.Context, rc RunContext, req DistillRequest) (DistillResult, error)
}

// Stages bundles the five stage collaborators.
type Stages struct {
	Prepare    Preparer
	Register   Registrar
	Photometry Photometer
	Calibrate  Calibrator
	Distill    Distiller
}

func (s Stages) validate() error {
	var errs []error
	if s.Prepare == nil {
		errs = append(errs, errors.New("pipeline: prepare stage missing"))
	}
	if s.Register == nil {
		errs = append(errs, errors.New("pipeline: register stage missing"))
	}
	if s.Photometry == nil {
		errs = append(errs, errors.New("pipeline: photometry stage missing"))
	}
	if s.Calibrate == nil {
		errs = append(errs, errors.New("pipeline: calibrate stage missing"))
	}
	if s.Distill == nil {
		errs = append(errs, errors.New("pipeline: distill stage missing"))
	}
	return errors.Join(errs...)
}
