package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"pnp-feeder/internal/calibration"
	"pnp-feeder/internal/machine"
	"pnp-feeder/pkg/geometry"
)

// Stage is one leg of the push or pull motion.
type Stage struct {
	Enabled bool    `yaml:"enabled"`
	Speed   float64 `yaml:"speed"` // fraction of the maximum feed rate
}

// PushPullSettings configures a feeder that is actuated by a head-mounted pin
// pushed through up to five waypoints and pulled back.
type PushPullSettings struct {
	TapeSettings `yaml:",inline"`

	Actuator       string `yaml:"actuator"`
	TakeUpActuator string `yaml:"take_up_actuator"` // optional cover tape take-up

	FeedStart geometry.Location `yaml:"feed_start"`
	FeedMid1  geometry.Location `yaml:"feed_mid1"`
	FeedMid2  geometry.Location `yaml:"feed_mid2"`
	FeedMid3  geometry.Location `yaml:"feed_mid3"`
	FeedEnd   geometry.Location `yaml:"feed_end"`

	Push1   Stage `yaml:"push1"`
	Push2   Stage `yaml:"push2"`
	Push3   Stage `yaml:"push3"`
	PushEnd Stage `yaml:"push_end"`
	Pull3   Stage `yaml:"pull3"`
	Pull2   Stage `yaml:"pull2"`
	Pull1   Stage `yaml:"pull1"`
	Pull0   Stage `yaml:"pull0"`

	// CalibrateMotionX and CalibrateMotionY apply the vision offset to the
	// feed waypoints per axis.
	CalibrateMotionX bool `yaml:"calibrate_motion_x"`
	CalibrateMotionY bool `yaml:"calibrate_motion_y"`
}

// DefaultPushPullSettings pushes straight from start to end and back.
func DefaultPushPullSettings() PushPullSettings {
	return PushPullSettings{
		TapeSettings:     DefaultTapeSettings(),
		PushEnd:          Stage{Enabled: true, Speed: 1},
		Pull0:            Stage{Enabled: true, Speed: 1},
		Push1:            Stage{Speed: 1},
		Push2:            Stage{Speed: 1},
		Push3:            Stage{Speed: 1},
		Pull3:            Stage{Speed: 1},
		Pull2:            Stage{Speed: 1},
		Pull1:            Stage{Speed: 1},
		CalibrateMotionX: true,
		CalibrateMotionY: true,
	}
}

// Validate reports configuration errors that would abort a feed.
func (s PushPullSettings) Validate() error {
	if err := s.TapeSettings.Validate(); err != nil {
		return err
	}
	if s.Actuator == "" {
		return fmt.Errorf("feeder %s: no feed actuator: %w", s.Name, ErrNotConfigured)
	}
	for _, leg := range s.legs() {
		if !leg.stage.Enabled {
			continue
		}
		if leg.stage.Speed <= 0 || leg.stage.Speed > 1 {
			return fmt.Errorf("feeder %s: %s speed %.3f out of range (0, 1]: %w", s.Name, leg.name, leg.stage.Speed, ErrNotConfigured)
		}
		if leg.to.IsUnset() {
			return fmt.Errorf("feeder %s: %s target location not set: %w", s.Name, leg.name, ErrNotConfigured)
		}
	}
	return nil
}

type leg struct {
	name  string
	stage Stage
	to    geometry.Location
}

// legs lists the push then pull legs in traversal order.
func (s PushPullSettings) legs() []leg {
	return []leg{
		{"push1", s.Push1, s.FeedMid1},
		{"push2", s.Push2, s.FeedMid2},
		{"push3", s.Push3, s.FeedMid3},
		{"push end", s.PushEnd, s.FeedEnd},
		{"pull3", s.Pull3, s.FeedMid3},
		{"pull2", s.Pull2, s.FeedMid2},
		{"pull1", s.Pull1, s.FeedMid1},
		{"pull0", s.Pull0, s.FeedStart},
	}
}

// PushPullFeeder is a tape feeder actuated by pushing a lever or the tape
// itself with a head-mounted actuator.
type PushPullFeeder struct {
	mc     *machine.Context
	logger *slog.Logger

	mu        sync.Mutex
	cfg       PushPullSettings
	tape      *tape
	feedCount int
	actuator  machine.Actuator
	takeUp    machine.Actuator

	status atomic.Pointer[Status]
}

var _ Feeder = (*PushPullFeeder)(nil)

// NewPushPullFeeder creates a feeder from settings and persisted state and
// registers it with the machine context. Actuators are bound by Resolve.
func NewPushPullFeeder(settings PushPullSettings, state State, mc *machine.Context, logger *slog.Logger) *PushPullFeeder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &PushPullFeeder{
		mc:        mc,
		logger:    logger.With("feeder", settings.Name),
		cfg:       settings,
		feedCount: state.FeedCount,
	}
	f.tape = newTape(settings.TapeSettings, mc, logger)
	f.tape.offset = state.VisionOffset
	f.tape.stats = state.Statistics
	f.tape.farthest = func(frame geometry.Frame, offset *geometry.Location) geometry.Location {
		s := f.tape.settings
		return s.PickLocation(frame, 1, s.RotationInFeeder, offset)
	}
	if mc != nil {
		mc.Register(f)
	}
	f.publish()
	return f
}

func (f *PushPullFeeder) ID() string   { return f.cfg.ID }
func (f *PushPullFeeder) Name() string { return f.cfg.Name }

// Resolve binds the actuator names to machine actuators.
func (f *PushPullFeeder) Resolve(mc *machine.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveLocked(mc)
}

func (f *PushPullFeeder) resolveLocked(mc *machine.Context) error {
	if f.cfg.Actuator == "" {
		return fmt.Errorf("feeder %s: no feed actuator: %w", f.cfg.Name, ErrNotConfigured)
	}
	a, err := mc.Actuator(f.cfg.Actuator)
	if err != nil {
		return fmt.Errorf("feeder %s: feed actuator: %w: %w", f.cfg.Name, err, ErrNotConfigured)
	}
	f.actuator = a
	f.takeUp = nil
	if f.cfg.TakeUpActuator != "" {
		t, err := mc.Actuator(f.cfg.TakeUpActuator)
		if err != nil {
			return fmt.Errorf("feeder %s: take-up actuator: %w: %w", f.cfg.Name, err, ErrNotConfigured)
		}
		f.takeUp = t
	}
	return nil
}

// Settings returns the current settings including calibrated geometry.
func (f *PushPullFeeder) Settings() PushPullSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.cfg
	s.TapeSettings = f.tape.settings
	return s
}

// State returns the persistable state.
func (f *PushPullFeeder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := State{FeedCount: f.feedCount, Statistics: f.tape.stats}
	if f.tape.offset != nil {
		off := *f.tape.offset
		st.VisionOffset = &off
	}
	return st
}

// Status returns the last published snapshot.
func (f *PushPullFeeder) Status() Status {
	return *f.status.Load()
}

func (f *PushPullFeeder) publish() {
	f.status.Store(f.tape.status("push-pull", f.feedCount))
}

// SetAnchor moves the anchor. The vision offset is dropped.
func (f *PushPullFeeder) SetAnchor(anchor geometry.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.setAnchor(anchor)
	f.publish()
}

// SetHoles redefines the sprocket holes. The vision offset and the
// calibration statistics are dropped.
func (f *PushPullFeeder) SetHoles(hole1, hole2 geometry.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.setHoles(hole1, hole2)
	f.publish()
}

// SetFeedCount overrides the feed counter, e.g. after loading a new tape.
func (f *PushPullFeeder) SetFeedCount(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCount = max(n, 0)
	f.publish()
}

// InvalidateVisionOffset drops the vision offset, e.g. after unhoming.
func (f *PushPullFeeder) InvalidateVisionOffset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.invalidate()
	f.publish()
}

// AssertCalibrated fails on degenerate holes and calibrates as the trigger
// requires. tapeFeed is true right after the tape was advanced.
func (f *PushPullFeeder) AssertCalibrated(ctx context.Context, tapeFeed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()
	return f.tape.assertCalibrated(ctx, tapeFeed)
}

// Calibrate runs a calibration regardless of the trigger and stores the
// selected outputs.
func (f *PushPullFeeder) Calibrate(ctx context.Context, store calibration.Store) (*calibration.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()
	if err := f.tape.checkHoles(); err != nil {
		return nil, err
	}
	return f.tape.calibrate(ctx, store)
}

// PickLocation returns the pick location of the current part.
func (f *PushPullFeeder) PickLocation(ctx context.Context) (geometry.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()
	if err := f.tape.assertCalibrated(ctx, false); err != nil {
		return geometry.Location{}, err
	}
	s := f.tape.settings
	return s.PickLocation(f.tape.currentFrame(), s.PartInCycle(f.feedCount), s.RotationInFeeder, f.tape.offset), nil
}

// PickLocationFor previews the pick location of a part in the cycle without
// calibrating.
func (f *PushPullFeeder) PickLocationFor(partInCycle int) (geometry.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.tape.settings
	if partInCycle < 1 || partInCycle > s.PartsPerFeedCycle() {
		return geometry.Location{}, fmt.Errorf("feeder %s: part %d outside cycle of %d", s.Name, partInCycle, s.PartsPerFeedCycle())
	}
	if err := f.tape.checkHoles(); err != nil {
		return geometry.Location{}, err
	}
	return s.PickLocation(f.tape.currentFrame(), partInCycle, s.RotationInFeeder, f.tape.offset), nil
}

// Feed presents the next part. The tape is actuated only when a new feed
// cycle starts. The feed count advances only when the whole feed succeeded.
func (f *PushPullFeeder) Feed(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()

	if err := f.tape.assertCalibrated(ctx, false); err != nil {
		return err
	}
	n := f.tape.settings.PartsPerFeedCycle()
	if f.feedCount%n == 0 {
		if err := f.actuate(ctx); err != nil {
			return err
		}
		if err := f.tape.assertCalibrated(ctx, true); err != nil {
			return err
		}
	}
	f.feedCount++
	f.logger.Debug("fed", "feed_count", f.feedCount, "part_in_cycle", f.tape.settings.PartInCycle(f.feedCount))
	return nil
}

// correct shifts a waypoint by the vision offset on the enabled axes.
// Rotation is never corrected.
func (f *PushPullFeeder) correct(loc geometry.Location) geometry.Location {
	if f.tape.offset == nil {
		return loc
	}
	mask := func(on bool) float64 {
		if on {
			return 1
		}
		return 0
	}
	return loc.Sub(f.tape.offset.Multiply(mask(f.cfg.CalibrateMotionX), mask(f.cfg.CalibrateMotionY), 0, 0))
}

// actuate runs the push/pull sequence. Engaged actuators are released
// before an error is returned.
func (f *PushPullFeeder) actuate(ctx context.Context) (err error) {
	cfg := f.cfg
	cfg.TapeSettings = f.tape.settings
	if err := cfg.Validate(); err != nil {
		return err
	}
	if f.mc == nil {
		return fmt.Errorf("feeder %s: no machine: %w", cfg.Name, ErrNotConfigured)
	}
	if f.actuator == nil {
		if err := f.resolveLocked(f.mc); err != nil {
			return err
		}
	}

	var engaged []machine.Actuator
	release := func(ctx context.Context) error {
		var errs []error
		for i := len(engaged) - 1; i >= 0; i-- {
			if err := engaged[i].Actuate(ctx, false); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", engaged[i].Name(), err))
			}
		}
		engaged = nil
		return errors.Join(errs...)
	}
	engage := func(a machine.Actuator) error {
		if a == nil {
			return nil
		}
		if err := a.Actuate(ctx, true); err != nil {
			return fmt.Errorf("engage %s: %w", a.Name(), err)
		}
		engaged = append(engaged, a)
		return nil
	}
	defer func() {
		if err != nil {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				err = errors.Join(err, rerr)
			}
			err = fmt.Errorf("feeder %s: feed: %w", cfg.Name, err)
		}
	}()

	start := f.correct(cfg.FeedStart)
	legs := cfg.legs()
	reps := cfg.Actuations()
	f.logger.Debug("actuating", "repetitions", reps)

	if err := f.mc.MoveToSafeZ(ctx); err != nil {
		return err
	}
	for rep := 0; rep < reps; rep++ {
		if err := f.mc.MoveTo(ctx, start, 1); err != nil {
			return err
		}
		if err := engage(f.actuator); err != nil {
			return err
		}
		if err := engage(f.takeUp); err != nil {
			return err
		}
		for _, l := range legs {
			if !l.stage.Enabled {
				continue
			}
			if err := f.mc.MoveTo(ctx, f.correct(l.to), l.stage.Speed); err != nil {
				return fmt.Errorf("%s: %w", l.name, err)
			}
		}
		if err := release(ctx); err != nil {
			return err
		}
	}
	return f.mc.MoveToSafeZ(ctx)
}

// PostPick does nothing for push/pull feeders.
func (f *PushPullFeeder) PostPick(context.Context) error { return nil }

// CanTakeBackPart reports whether the last fed part can go back without
// crossing into the previous feed cycle.
func (f *PushPullFeeder) CanTakeBackPart() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canTakeBackLocked()
}

func (f *PushPullFeeder) canTakeBackLocked() bool {
	n := f.tape.settings.PartsPerFeedCycle()
	return f.feedCount > 0 && (f.feedCount-1)%n != 0
}

// TakeBackPart steps the feed count back by one part.
func (f *PushPullFeeder) TakeBackPart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.canTakeBackLocked() {
		return fmt.Errorf("feeder %s at feed count %d: %w", f.cfg.Name, f.feedCount, ErrNoPartToTakeBack)
	}
	f.feedCount--
	f.publish()
	return nil
}

// AutoSetup discovers the sprocket holes around the current camera position
// and takes the camera position as the anchor. The geometry is redefined.
func (f *PushPullFeeder) AutoSetup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.publish()

	res, err := f.tape.discover(ctx)
	if err != nil {
		return err
	}
	anchor := res.PickLocation
	if !f.tape.settings.Anchor.IsUnset() {
		anchor.Z = f.tape.settings.Anchor.Z
	}
	f.tape.setHoles(res.Hole1, res.Hole2)
	f.tape.setAnchor(anchor)
	f.logger.Info("auto setup", "hole1", res.Hole1.String(), "hole2", res.Hole2.String(), "anchor", anchor.String())
	return f.tape.checkHoles()
}

// ReadLabel reads the text in the label region next to the camera.
func (f *PushPullFeeder) ReadLabel(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tape.readLabel(ctx)
}

// CloneGeometryFrom copies the tape geometry and pitches of another feeder.
// The vision offset and statistics are reset.
func (f *PushPullFeeder) CloneGeometryFrom(other *PushPullFeeder) {
	if other == f {
		return
	}
	src := other.Settings()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tape.settings.Anchor = src.Anchor
	f.tape.settings.Hole1 = src.Hole1
	f.tape.settings.Hole2 = src.Hole2
	f.tape.settings.Cycle = src.Cycle
	f.tape.settings.RotationInFeeder = src.RotationInFeeder
	f.tape.frameDirty = true
	f.tape.invalidate()
	f.tape.stats.Reset()
	f.publish()
}
