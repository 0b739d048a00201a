package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"pnp-feeder/internal/calibration"
	"pnp-feeder/internal/machine"
	"pnp-feeder/pkg/geometry"
)

// StripSettings configures a cut strip of tape lying on the machine bed.
type StripSettings struct {
	TapeSettings `yaml:",inline"`

	// MaxParts is the number of parts on the strip, 0 = unlimited.
	MaxParts int `yaml:"max_parts"`
}

// StripFeeder picks parts along a static strip. Nothing is actuated; the pick
// location advances by one part pitch per feed, away from the anchor.
type StripFeeder struct {
	logger *slog.Logger

	mu        sync.Mutex
	cfg       StripSettings
	tape      *tape
	feedCount int

	status atomic.Pointer[Status]
}

var _ Feeder = (*StripFeeder)(nil)

// NewStripFeeder creates a strip feeder and registers it with the machine
// context.
func NewStripFeeder(settings StripSettings, state State, mc *machine.Context, logger *slog.Logger) *StripFeeder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &StripFeeder{
		logger:    logger.With("feeder", settings.Name),
		cfg:       settings,
		feedCount: state.FeedCount,
	}
	f.tape = newTape(settings.TapeSettings, mc, logger)
	f.tape.offset = state.VisionOffset
	f.tape.stats = state.Statistics
	f.tape.farthest = func(frame geometry.Frame, offset *geometry.Location) geometry.Location {
		return f.partLocation(frame, f.pickIndex(), offset)
	}
	if mc != nil {
		mc.Register(f)
	}
	f.publish()
	return f
}

func (f *StripFeeder) ID() string   { return f.cfg.ID }
func (f *StripFeeder) Name() string { return f.cfg.Name }

// Resolve has nothing to bind.
func (f *StripFeeder) Resolve(*machine.Context) error { return nil }

// pickIndex is the strip position of the part to pick: the last one fed.
func (f *StripFeeder) pickIndex() int { return max(f.feedCount-1, 0) }

func (f *StripFeeder) partLocation(frame geometry.Frame, index int, offset *geometry.Location) geometry.Location {
	s := f.tape.settings
	local := geometry.Location{X: s.PartPitch * float64(index), Rotation: s.RotationInFeeder}
	return geometry.ForwardTransform(local, frame.Offset(offset))
}

func (f *StripFeeder) publish() {
	f.status.Store(f.tape.status("strip", f.feedCount))
}

// Status returns the last published snapshot.
func (f *StripFeeder) Status() Status {
	return *f.status.Load()
}

// State returns the persistable state.
func (f *StripFeeder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := State{FeedCount: f.feedCount, Statistics: f.tape.stats}
	if f.tape.offset != nil {
		off := *f.tape.offset
		st.VisionOffset = &off
	}
	return st
}

// SetAnchor moves the strip. The vision offset is dropped.
func (f *StripFeeder) SetAnchor(anchor geometry.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.setAnchor(anchor)
	f.publish()
}

// SetHoles redefines the sprocket holes.
func (f *StripFeeder) SetHoles(hole1, hole2 geometry.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.setHoles(hole1, hole2)
	f.publish()
}

func (f *StripFeeder) InvalidateVisionOffset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.invalidate()
	f.publish()
}

// Calibrate runs a calibration on the next part regardless of the trigger.
func (f *StripFeeder) Calibrate(ctx context.Context, store calibration.Store) (*calibration.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()
	if err := f.tape.checkHoles(); err != nil {
		return nil, err
	}
	return f.tape.calibrate(ctx, store)
}

// PickLocation returns the location of the last fed part.
func (f *StripFeeder) PickLocation(ctx context.Context) (geometry.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()
	if err := f.tape.assertCalibrated(ctx, false); err != nil {
		return geometry.Location{}, err
	}
	return f.partLocation(f.tape.currentFrame(), f.pickIndex(), f.tape.offset), nil
}

// Feed advances to the next part on the strip. Calibration runs on the new
// part; the count is restored when it fails.
func (f *StripFeeder) Feed(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()
	if f.cfg.MaxParts > 0 && f.feedCount >= f.cfg.MaxParts {
		return fmt.Errorf("feeder %s after %d parts: %w", f.cfg.Name, f.feedCount, ErrStripEmpty)
	}
	f.feedCount++
	if err := f.tape.assertCalibrated(ctx, false); err != nil {
		f.feedCount--
		return err
	}
	return nil
}

// ReadLabel reads the text in the label region next to the camera.
func (f *StripFeeder) ReadLabel(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tape.readLabel(ctx)
}

// PostPick does nothing for strips.
func (f *StripFeeder) PostPick(context.Context) error { return nil }

func (f *StripFeeder) CanTakeBackPart() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedCount > 0
}

// TakeBackPart steps back to the previous part.
func (f *StripFeeder) TakeBackPart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedCount == 0 {
		return fmt.Errorf("feeder %s: %w", f.cfg.Name, ErrNoPartToTakeBack)
	}
	f.feedCount--
	f.publish()
	return nil
}
