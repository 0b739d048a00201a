package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pnp-feeder/internal/calibration"
	"pnp-feeder/internal/machine"
	"pnp-feeder/internal/sprocket"
	"pnp-feeder/pkg/geometry"
)

// TapeSettings is the geometry and calibration setup common to every tape
// feeder variant.
type TapeSettings struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Anchor is the pick location of the part nearest the reel, in machine
	// coordinates. Hole1 and Hole2 are two sprocket holes whose direction
	// defines the feeder X axis.
	Anchor geometry.Location `yaml:"anchor"`
	Hole1  geometry.Location `yaml:"hole1"`
	Hole2  geometry.Location `yaml:"hole2"`

	Cycle            `yaml:",inline"`
	RotationInFeeder float64 `yaml:"rotation_in_feeder"`

	Trigger     CalibrationTrigger   `yaml:"calibration_trigger"`
	Calibration calibration.Settings `yaml:"calibration"`
	Vision      sprocket.Params      `yaml:"vision"`
}

// DefaultTapeSettings returns 8mm EIA-481 tape with first-use calibration.
func DefaultTapeSettings() TapeSettings {
	return TapeSettings{
		Cycle:       DefaultCycle(),
		Trigger:     TriggerOnFirstUse,
		Calibration: calibration.DefaultSettings(),
		Vision:      sprocket.DefaultParams(),
	}
}

// State is the mutable per-feeder state that is persisted with the settings.
type State struct {
	FeedCount    int                    `yaml:"feed_count"`
	VisionOffset *geometry.Location     `yaml:"vision_offset,omitempty"`
	Statistics   calibration.Statistics `yaml:"statistics"`
}

// tape owns the sprocket-hole frame, the vision offset and the calibration
// statistics. It is composed into each tape variant, which serialises access.
type tape struct {
	settings TapeSettings
	offset   *geometry.Location
	stats    calibration.Statistics
	engine   *calibration.Engine
	logger   *slog.Logger

	frame      geometry.Frame
	frameDirty bool

	// farthest computes the variant's pick location with the largest moment
	// arm for a frame and offset.
	farthest func(frame geometry.Frame, offset *geometry.Location) geometry.Location
}

func newTape(settings TapeSettings, mc *machine.Context, logger *slog.Logger) *tape {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("feeder", settings.Name)
	t := &tape{settings: settings, logger: logger, frameDirty: true}
	if mc != nil && mc.Camera != nil {
		locator := &sprocket.Locator{
			Camera:    mc.Camera,
			Pipeline:  mc.Pipeline,
			Extractor: sprocket.NewExtractor(settings.Vision, logger),
			Reader:    mc.Reader,
			Label:     mc.Label,
		}
		t.engine = calibration.NewEngine(settings.Calibration, mc.Camera, locator, logger)
	}
	return t
}

// currentFrame returns the cached frame, recomputing it if the anchor or the
// holes changed since the last call.
func (t *tape) currentFrame() geometry.Frame {
	if t.frameDirty {
		t.frame = geometry.DeriveFrame(t.settings.Anchor, t.settings.Hole1, t.settings.Hole2)
		t.frameDirty = false
	}
	return t.frame
}

// setAnchor relocates the feeder, dropping the offset and the statistics.
func (t *tape) setAnchor(anchor geometry.Location) {
	if anchor == t.settings.Anchor {
		return
	}
	t.settings.Anchor = anchor
	t.frameDirty = true
	t.invalidate()
	t.stats.Reset()
}

// setHoles redefines the geometry, dropping the offset and the statistics.
func (t *tape) setHoles(hole1, hole2 geometry.Location) {
	if hole1 == t.settings.Hole1 && hole2 == t.settings.Hole2 {
		return
	}
	t.settings.Hole1, t.settings.Hole2 = hole1, hole2
	t.frameDirty = true
	t.invalidate()
	t.stats.Reset()
}

func (t *tape) invalidate() {
	if t.offset != nil {
		t.logger.Info("vision offset invalidated")
	}
	t.offset = nil
}

func (t *tape) checkHoles() error {
	if !geometry.HolesUsable(t.settings.Hole1, t.settings.Hole2) {
		return fmt.Errorf("feeder %s: sprocket holes %v and %v must be set at least %.0fmm apart: %w",
			t.settings.Name, t.settings.Hole1, t.settings.Hole2, geometry.MinHoleDistance, ErrNotConfigured)
	}
	return nil
}

// calibrationWanted applies the trigger rules.
func (t *tape) calibrationWanted(tapeFeed bool) bool {
	trig := t.settings.Trigger
	switch {
	case t.offset == nil && trig != TriggerNone:
		return true
	case tapeFeed && trig == TriggerUntilConfident:
		return !t.settings.Calibration.PrecisionSufficient(t.stats)
	case tapeFeed && trig == TriggerOnEachTapeFeed:
		return true
	}
	return false
}

// assertCalibrated fails on degenerate holes and runs calibration when the
// trigger asks for it. Having no offset after a wanted calibration is fatal.
func (t *tape) assertCalibrated(ctx context.Context, tapeFeed bool) error {
	if err := t.checkHoles(); err != nil {
		return err
	}
	if !t.calibrationWanted(tapeFeed) {
		return nil
	}
	if _, err := t.calibrate(ctx, calibration.Store{VisionOffset: true}); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return err
		}
		return fmt.Errorf("vision failed on feeder %s: %w: %w", t.settings.Name, ErrVisionFailed, err)
	}
	if t.offset == nil {
		return fmt.Errorf("vision failed on feeder %s: no vision offset: %w", t.settings.Name, ErrVisionFailed)
	}
	return nil
}

func (t *tape) calibrate(ctx context.Context, store calibration.Store) (*calibration.Outcome, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("feeder %s: no calibration camera: %w", t.settings.Name, ErrNotConfigured)
	}
	if err := t.settings.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("feeder %s: %w: %w", t.settings.Name, err, ErrNotConfigured)
	}
	t.engine.Settings = t.settings.Calibration
	out, err := t.engine.Calibrate(ctx, t, &t.stats, store)
	if errors.Is(err, calibration.ErrHolesNotConfigured) {
		return nil, fmt.Errorf("%w: %w", err, ErrNotConfigured)
	}
	return out, err
}

// discover runs one hole discovery at the current camera position.
func (t *tape) discover(ctx context.Context) (*sprocket.Result, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("feeder %s: no calibration camera: %w", t.settings.Name, ErrNotConfigured)
	}
	res, err := t.engine.Locator.Locate(ctx, sprocket.Request{Mode: sprocket.DiscoverHoles})
	if err != nil {
		return nil, fmt.Errorf("feeder %s: hole discovery: %w", t.settings.Name, err)
	}
	return res, nil
}

// readLabel reads the reel label through the camera at its current position.
func (t *tape) readLabel(ctx context.Context) (string, error) {
	if t.engine == nil {
		return "", fmt.Errorf("feeder %s: no camera: %w", t.settings.Name, ErrNotConfigured)
	}
	res, err := t.engine.Locator.Locate(ctx, sprocket.Request{Mode: sprocket.OcrOnly})
	if err != nil {
		return "", fmt.Errorf("feeder %s: reading label: %w", t.settings.Name, err)
	}
	t.logger.Debug("label read", "text", res.Text)
	return res.Text, nil
}

// calibration.Subject, called by the engine while the variant holds its lock.

func (t *tape) Name() string { return t.settings.Name }

func (t *tape) CalibrationState() calibration.State {
	return calibration.State{
		Anchor:           t.settings.Anchor,
		Hole1:            t.settings.Hole1,
		Hole2:            t.settings.Hole2,
		VisionOffset:     t.offset,
		RotationInFeeder: t.settings.RotationInFeeder,
	}
}

func (t *tape) FarthestPickLocation(frame geometry.Frame, offset *geometry.Location) geometry.Location {
	return t.farthest(frame, offset)
}

// CommitCalibration stores the selected outputs. Stored holes stay nominal
// (relative to the anchor) when the offset is stored with them. Storing the
// actual holes or pick location without the offset drops the old offset,
// which the stored geometry already includes.
func (t *tape) CommitCalibration(out *calibration.Outcome, store calibration.Store) {
	anchor := t.settings.Anchor
	if store.PickLocation {
		anchor = out.PickLocation.WithZ(anchor.Z)
	}
	off := anchor.Sub(out.PickLocation).Multiply(1, 1, 0, 0)

	if store.Holes {
		shift := geometry.Location{}
		if store.VisionOffset {
			shift = off
		}
		t.settings.Hole1 = out.Hole1.Add(shift)
		t.settings.Hole2 = out.Hole2.Add(shift)
	}
	t.settings.Anchor = anchor
	switch {
	case store.VisionOffset:
		t.offset = &off
	case store.Holes || store.PickLocation:
		t.offset = nil
	}
	t.frameDirty = true
}

var _ calibration.Subject = (*tape)(nil)

// Validate reports configuration errors in the tape geometry setup. Holes
// are checked when they are used, since a new feeder starts without them.
func (s TapeSettings) Validate() error {
	if err := s.Cycle.Validate(); err != nil {
		return fmt.Errorf("feeder %s: %w", s.Name, err)
	}
	if err := s.Calibration.Validate(); err != nil {
		return fmt.Errorf("feeder %s: %w: %w", s.Name, err, ErrNotConfigured)
	}
	if s.Trigger < TriggerNone || s.Trigger > TriggerOnEachTapeFeed {
		return fmt.Errorf("feeder %s: %v: %w", s.Name, s.Trigger, ErrNotConfigured)
	}
	return nil
}
