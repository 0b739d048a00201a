package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pnp-feeder/internal/sprocket"
	"pnp-feeder/pkg/geometry"
)

// Settings bound the convergence loop and the confidence gate.
type Settings struct {
	MaxPasses         int     `yaml:"max_passes"`
	ToleranceMm       float64 `yaml:"tolerance_mm"`
	MinStatistic      int     `yaml:"min_statistic"`
	PrecisionWantedMm float64 `yaml:"precision_wanted_mm"`
}

// DefaultSettings returns three passes, 0.3mm tolerance, two samples and
// 0.1mm wanted precision.
func DefaultSettings() Settings {
	return Settings{
		MaxPasses:         3,
		ToleranceMm:       0.3,
		MinStatistic:      2,
		PrecisionWantedMm: 0.1,
	}
}

// Validate reports misconfigured settings.
func (s Settings) Validate() error {
	switch {
	case s.MaxPasses < 1:
		return fmt.Errorf("max passes %d < 1", s.MaxPasses)
	case s.ToleranceMm <= 0:
		return fmt.Errorf("calibration tolerance %.3fmm must be positive", s.ToleranceMm)
	case s.PrecisionWantedMm <= 0:
		return fmt.Errorf("wanted precision %.3fmm must be positive", s.PrecisionWantedMm)
	}
	return nil
}

// PrecisionSufficient reports whether enough calibrations were recorded and
// their 95% confidence bound is within the wanted precision.
func (s Settings) PrecisionSufficient(stats Statistics) bool {
	if stats.Count < s.MinStatistic || stats.Count < 2 {
		return false
	}
	return stats.ConfidenceBound()/s.PrecisionWantedMm <= 1.0
}

// Store selects which calibration outputs a caller keeps.
type Store struct {
	Holes        bool
	PickLocation bool
	VisionOffset bool
}

// State is the feeder geometry a calibration starts from.
type State struct {
	Anchor           geometry.Location
	Hole1            geometry.Location
	Hole2            geometry.Location
	VisionOffset     *geometry.Location
	RotationInFeeder float64
}

// Subject is the feeder being calibrated.
type Subject interface {
	Name() string
	CalibrationState() State
	// FarthestPickLocation is the pick location of the first part of a feed
	// cycle (the largest moment arm) for the given frame and vision offset.
	FarthestPickLocation(frame geometry.Frame, offset *geometry.Location) geometry.Location
	CommitCalibration(outcome *Outcome, store Store)
}

// HoleLocator performs one vision pass at the current camera position.
type HoleLocator interface {
	Locate(ctx context.Context, req sprocket.Request) (*sprocket.Result, error)
}

// Positioner moves the camera and blocks until motion has settled.
type Positioner interface {
	MoveTo(ctx context.Context, loc geometry.Location) error
}

// Outcome is the result of a calibration run.
type Outcome struct {
	Hole1        geometry.Location
	Hole2        geometry.Location
	PickLocation geometry.Location
	VisionOffset geometry.Location

	Passes    int
	Converged bool
	ErrorMm   float64 // error of the last pass

	// RecordedErrorsMm are the pass errors added to the statistics: every
	// pass that started from a running vision offset.
	RecordedErrorsMm []float64
}

// Engine iterates vision passes until the pick location estimate stops moving.
type Engine struct {
	Settings Settings
	Camera   Positioner
	Locator  HoleLocator
	Logger   *slog.Logger
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(settings Settings, camera Positioner, locator HoleLocator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Settings: settings, Camera: camera, Locator: locator, Logger: logger}
}

// Calibrate runs up to MaxPasses passes and commits the outputs selected by
// store. Each pass that starts from a vision offset, the prior one or the
// previous pass's, records its error into stats. Exhausting the passes
// without converging still commits the last estimate. A failed pass aborts
// without committing or recording anything.
func (e *Engine) Calibrate(ctx context.Context, subject Subject, stats *Statistics, store Store) (*Outcome, error) {
	if err := e.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("feeder %s: %w", subject.Name(), err)
	}
	st := subject.CalibrationState()
	if !geometry.HolesUsable(st.Hole1, st.Hole2) {
		return nil, fmt.Errorf("feeder %s: hole locations %v %v: %w", subject.Name(), st.Hole1, st.Hole2, ErrHolesNotConfigured)
	}
	log := e.Logger.With("feeder", subject.Name())

	// Best known actual positions: the nominal geometry shifted by the offset.
	shift := geometry.Location{}
	if st.VisionOffset != nil {
		shift = st.VisionOffset.WithRotation(0).WithZ(0)
	}
	hole1 := st.Hole1.Sub(shift)
	hole2 := st.Hole2.Sub(shift)
	pick := st.Anchor.Sub(shift)
	offset := st.VisionOffset

	outcome := &Outcome{}
	for pass := 1; pass <= e.Settings.MaxPasses; pass++ {
		mid := hole1.XY().Add(hole2.XY()).Scale(0.5)
		camLoc := geometry.Location{
			X:        mid.X,
			Y:        mid.Y,
			Z:        hole1.Z,
			Rotation: pick.Rotation + st.RotationInFeeder,
		}
		if err := e.Camera.MoveTo(ctx, camLoc); err != nil {
			return nil, fmt.Errorf("feeder %s: move camera for pass %d: %w", subject.Name(), pass, err)
		}

		res, err := e.Locator.Locate(ctx, sprocket.Request{
			Mode:         sprocket.CalibrateHoles,
			Hole1:        hole1,
			Hole2:        hole2,
			PickLocation: pick,
			Anchor:       st.Anchor,
		})
		if err != nil {
			return nil, fmt.Errorf("feeder %s: vision pass %d: %w", subject.Name(), pass, err)
		}

		before := subject.FarthestPickLocation(geometry.DeriveFrame(st.Anchor, hole1, hole2), offset)
		newOffset := res.VisionOffset
		after := subject.FarthestPickLocation(geometry.DeriveFrame(st.Anchor, res.Hole1, res.Hole2), &newOffset)
		errMm := before.LinearDistance(after)
		if offset != nil {
			outcome.RecordedErrorsMm = append(outcome.RecordedErrorsMm, errMm)
		}

		hole1, hole2, pick, offset = res.Hole1, res.Hole2, res.PickLocation, &newOffset
		outcome.Passes = pass
		outcome.ErrorMm = errMm
		log.Debug("calibration pass", "pass", pass, "error_mm", errMm)

		if errMm < e.Settings.ToleranceMm {
			outcome.Converged = true
			break
		}
	}

	outcome.Hole1, outcome.Hole2 = hole1, hole2
	outcome.PickLocation = pick
	outcome.VisionOffset = *offset

	if stats != nil {
		for _, errMm := range outcome.RecordedErrorsMm {
			stats.Add(errMm)
		}
	}

	if outcome.Converged {
		log.Info("calibration converged",
			"passes", outcome.Passes,
			"error_mm", outcome.ErrorMm,
			"offset_x", outcome.VisionOffset.X,
			"offset_y", outcome.VisionOffset.Y)
	} else {
		log.Warn("calibration did not converge, keeping last estimate",
			"passes", outcome.Passes,
			"error_mm", outcome.ErrorMm,
			"tolerance_mm", e.Settings.ToleranceMm)
	}

	subject.CommitCalibration(outcome, store)
	return outcome, nil
}

// ErrHolesNotConfigured means the subject has no usable hole pair.
var ErrHolesNotConfigured = errors.New("calibration holes not configured")
