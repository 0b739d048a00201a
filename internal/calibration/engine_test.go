package calibration

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"pnp-feeder/internal/sprocket"
	"pnp-feeder/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics(t *testing.T) {
	var s Statistics
	assert.Zero(t, s.Average())
	assert.True(t, math.IsInf(s.ConfidenceBound(), 1))

	s.Add(0.1)
	assert.True(t, math.IsInf(s.ConfidenceBound(), 1))
	s.Add(-0.3)
	assert.Equal(t, 2, s.Count)
	assert.InDelta(t, 0.2, s.Average(), 1e-12)
	assert.InDelta(t, 0.1, s.Variance(), 1e-12)
	assert.InDelta(t, 1.64*math.Sqrt(0.1/math.Sqrt2), s.ConfidenceBound(), 1e-12)

	s.Reset()
	assert.Equal(t, Statistics{}, s)
}

func TestConfidenceBoundGrowsWithLargeError(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 200; trial++ {
		var s Statistics
		n := 2 + rng.Intn(50)
		maxErr := 0.0
		for i := 0; i < n; i++ {
			e := rng.Float64() * 0.5
			maxErr = math.Max(maxErr, e)
			s.Add(e)
		}
		before := s.ConfidenceBound()
		s.Add(10*maxErr + 0.01)
		assert.GreaterOrEqual(t, s.ConfidenceBound(), before, "trial %d n=%d", trial, n)
	}
}

func TestPrecisionSufficient(t *testing.T) {
	set := DefaultSettings()

	var s Statistics
	s.Add(0.01)
	assert.False(t, set.PrecisionSufficient(s), "one sample is never enough")

	s.Add(0.05)
	s.Reset()
	s.Add(0.05)
	s.Add(0.05)
	assert.True(t, set.PrecisionSufficient(s))

	s.Reset()
	s.Add(0.1)
	s.Add(0.1)
	assert.False(t, set.PrecisionSufficient(s))

	set.MinStatistic = 5
	s.Reset()
	for i := 0; i < 4; i++ {
		s.Add(0)
	}
	assert.False(t, set.PrecisionSufficient(s))
	s.Add(0)
	assert.True(t, set.PrecisionSufficient(s))
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.ToleranceMm = 0
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.MaxPasses = 0
	assert.Error(t, s.Validate())
}

// tapeSubject is a feeder with three parts per cycle along +X at 4mm.
type tapeSubject struct {
	state     State
	committed *Outcome
	store     Store
}

func newTapeSubject(offset *geometry.Location) *tapeSubject {
	return &tapeSubject{state: State{
		Anchor:       geometry.NewLocation(100, 50, -10, 0),
		Hole1:        geometry.NewLocation(98, 46.5, -5, 0),
		Hole2:        geometry.NewLocation(102, 46.5, -5, 0),
		VisionOffset: offset,
	}}
}

func (s *tapeSubject) Name() string            { return "tape" }
func (s *tapeSubject) CalibrationState() State { return s.state }
func (s *tapeSubject) FarthestPickLocation(frame geometry.Frame, offset *geometry.Location) geometry.Location {
	return geometry.ForwardTransform(geometry.NewLocation(8, 0, 0, 0), frame.Offset(offset))
}
func (s *tapeSubject) CommitCalibration(o *Outcome, store Store) {
	s.committed = o
	s.store = store
}

// halvingLocator reports an offset that moves half as far each pass.
type halvingLocator struct {
	hole1   geometry.Location
	hole2   geometry.Location
	offsets []float64
	calls   int
	reqs    []sprocket.Request
	err     error
}

func (l *halvingLocator) Locate(_ context.Context, req sprocket.Request) (*sprocket.Result, error) {
	l.reqs = append(l.reqs, req)
	if l.err != nil {
		return nil, l.err
	}
	off := l.offsets[l.calls]
	l.calls++
	offset := geometry.Location{X: off}
	return &sprocket.Result{
		Hole1:        l.hole1.Sub(offset),
		Hole2:        l.hole2.Sub(offset),
		PickLocation: req.Anchor.Sub(offset),
		VisionOffset: offset,
	}, nil
}

type recordingCamera struct {
	moves []geometry.Location
}

func (c *recordingCamera) MoveTo(_ context.Context, loc geometry.Location) error {
	c.moves = append(c.moves, loc)
	return nil
}

func newLocator(offsets ...float64) *halvingLocator {
	st := newTapeSubject(nil).state
	return &halvingLocator{hole1: st.Hole1, hole2: st.Hole2, offsets: offsets}
}

func halving() *halvingLocator {
	return newLocator(-1, -1.5, -1.75, -1.875, -1.9375)
}

func TestCalibrateConvergesWithinPasses(t *testing.T) {
	cam := &recordingCamera{}
	loc := halving()
	engine := NewEngine(DefaultSettings(), cam, loc, nil)
	subj := newTapeSubject(nil)
	var stats Statistics

	out, err := engine.Calibrate(context.Background(), subj, &stats, Store{VisionOffset: true})
	require.NoError(t, err)

	assert.True(t, out.Converged)
	assert.Equal(t, 3, out.Passes)
	assert.InDelta(t, 0.25, out.ErrorMm, 1e-9)
	assert.InDelta(t, -1.75, out.VisionOffset.X, 1e-9)
	// the first pass has no running offset to compare against
	assert.InDeltaSlice(t, []float64{0.5, 0.25}, out.RecordedErrorsMm, 1e-9)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.75, stats.SumErrors, 1e-9)
	assert.Same(t, out, subj.committed)
	assert.Equal(t, Store{VisionOffset: true}, subj.store)

	require.Len(t, cam.moves, 3)
	assert.InDelta(t, 100, cam.moves[0].X, 1e-9)
	assert.InDelta(t, 46.5, cam.moves[0].Y, 1e-9)
	assert.InDelta(t, -5, cam.moves[0].Z, 1e-9)
	// the second pass is centred on the corrected holes
	assert.InDelta(t, 101, cam.moves[1].X, 1e-9)
}

func TestCalibrateCommitsBestEffortWhenNotConverged(t *testing.T) {
	set := DefaultSettings()
	set.ToleranceMm = 0.1
	engine := NewEngine(set, &recordingCamera{}, halving(), nil)
	subj := newTapeSubject(nil)
	var stats Statistics

	out, err := engine.Calibrate(context.Background(), subj, &stats, Store{VisionOffset: true})
	require.NoError(t, err)

	assert.False(t, out.Converged)
	assert.Equal(t, set.MaxPasses, out.Passes)
	assert.InDelta(t, -1.75, out.VisionOffset.X, 1e-9)
	assert.NotNil(t, subj.committed)
	require.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.75, stats.SumErrors, 1e-9)
}

func TestCalibrateRecordsEveryPassFromPriorOffset(t *testing.T) {
	set := DefaultSettings()
	set.ToleranceMm = 0.1
	prior := geometry.Location{}
	engine := NewEngine(set, &recordingCamera{}, halving(), nil)
	subj := newTapeSubject(&prior)
	var stats Statistics

	out, err := engine.Calibrate(context.Background(), subj, &stats, Store{VisionOffset: true})
	require.NoError(t, err)

	assert.False(t, out.Converged)
	assert.Equal(t, 3, out.Passes)
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 1.75, stats.SumErrors, 1e-9)
	assert.InDelta(t, 1+0.25+0.0625, stats.SumSquares, 1e-9)
}

func TestCalibrateRecordsDriftAgainstPriorOffset(t *testing.T) {
	prior := geometry.Location{X: -1.4}
	loc := newLocator(-1.0, -1.0)
	engine := NewEngine(DefaultSettings(), &recordingCamera{}, loc, nil)
	subj := newTapeSubject(&prior)
	var stats Statistics

	out, err := engine.Calibrate(context.Background(), subj, &stats, Store{VisionOffset: true})
	require.NoError(t, err)

	// 0.4mm drift is past the 0.3mm tolerance, the second pass confirms
	assert.True(t, out.Converged)
	assert.Equal(t, 2, out.Passes)
	assert.InDeltaSlice(t, []float64{0.4, 0}, out.RecordedErrorsMm, 1e-9)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.4, stats.SumErrors, 1e-9)

	// running estimate starts from the holes corrected by the prior offset
	assert.InDelta(t, 98+1.4, loc.reqs[0].Hole1.X, 1e-9)
	assert.Equal(t, subj.state.Anchor, loc.reqs[0].Anchor)
}

func TestCalibrateVisionFailureCommitsNothing(t *testing.T) {
	prior := geometry.Location{X: 0.2}
	loc := newLocator()
	loc.err = sprocket.ErrNoLine
	engine := NewEngine(DefaultSettings(), &recordingCamera{}, loc, nil)
	subj := newTapeSubject(&prior)
	stats := Statistics{Count: 3, SumErrors: 0.3, SumSquares: 0.03}

	_, err := engine.Calibrate(context.Background(), subj, &stats, Store{VisionOffset: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, sprocket.ErrNoLine)
	assert.Contains(t, err.Error(), "tape")
	assert.Nil(t, subj.committed)
	assert.Equal(t, 3, stats.Count)
}

func TestCalibrateRejectsDegenerateHoles(t *testing.T) {
	subj := newTapeSubject(nil)
	subj.state.Hole2 = subj.state.Hole1
	_, err := NewEngine(DefaultSettings(), &recordingCamera{}, halving(), nil).
		Calibrate(context.Background(), subj, nil, Store{})
	assert.True(t, errors.Is(err, ErrHolesNotConfigured))
}
