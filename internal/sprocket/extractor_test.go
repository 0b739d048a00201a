package sprocket

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"testing"
	"time"

	"pnp-feeder/internal/vision"
	"pnp-feeder/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func circle(x, y, d float64) vision.MachineFeature {
	return vision.MachineFeature{Kind: vision.KindCircle, Center: geometry.NewPoint2D(x, y), Diameter: d}
}

func TestFitLinesFindsHoleRow(t *testing.T) {
	pts := []geometry.Point2D{
		{X: -8, Y: 1}, {X: -4, Y: 1}, {X: 0, Y: 1}, {X: 4, Y: 1},
		{X: 1, Y: -3}, // stray
	}
	lines := FitLines(pts, 4, 0.6, 100, rand.New(rand.NewSource(1)))
	require.NotEmpty(t, lines)

	best := lines[0]
	assert.Len(t, best.Inliers, 4)
	assert.InDelta(t, 12, best.Length, 1e-9)
	assert.InDelta(t, 0, best.Distance(geometry.NewPoint2D(10, 1)), 1e-9)
	assert.InDelta(t, 1, best.Distance(geometry.NewPoint2D(0, 0)), 1e-9)
	assert.InDelta(t, 0, best.Residual, 1e-9)
}

func TestFitLinesSampledMatchesExhaustive(t *testing.T) {
	var pts []geometry.Point2D
	for i := 0; i < 12; i++ {
		pts = append(pts, geometry.NewPoint2D(float64(i)*4, 2))
	}
	exhaustive := FitLines(pts, 4, 0.6, 1000, nil)
	sampled := FitLines(pts, 4, 0.6, 60, rand.New(rand.NewSource(7)))
	require.NotEmpty(t, exhaustive)
	require.NotEmpty(t, sampled)
	assert.Len(t, exhaustive[0].Inliers, 12)
	assert.Len(t, sampled[0].Inliers, 12)
}

func TestFitLinesRejectsWrongPitch(t *testing.T) {
	pts := []geometry.Point2D{{X: 0, Y: 0}, {X: 6, Y: 0}}
	assert.Empty(t, FitLines(pts, 4, 0.6, 10, nil))
}

func TestDiscoverAxisAlignedPair(t *testing.T) {
	e := NewExtractor(DefaultParams().WithHoleDistance(0, 0), nil)
	res, err := e.Extract([]vision.MachineFeature{
		circle(-2, 0, 1.5),
		circle(2, 0, 1.5),
	}, Request{Mode: DiscoverHoles, Camera: geometry.NewLocation(0, 0, -4, 0)})
	require.NoError(t, err)

	cam := geometry.Point2D{}
	cross := res.Hole1.XY().Sub(cam).Cross(res.Hole2.XY().Sub(cam))
	assert.GreaterOrEqual(t, cross, 0.0)
	angle := math.Abs(geometry.NormalizeAngle(res.Angle))
	assert.True(t, angle < 1e-9 || math.Abs(angle-180) < 1e-9, "angle %v", res.Angle)
	assert.InDelta(t, 4, res.Hole1.LinearDistance(res.Hole2), 1e-9)
	assert.Equal(t, -4.0, res.Hole1.Z)
	assert.Equal(t, res.Angle, res.PickLocation.Rotation)
}

func TestDiscoverCameraOnHoleLine(t *testing.T) {
	features := []vision.MachineFeature{circle(-2, 0, 1.5), circle(2, 0, 1.5)}
	req := Request{Mode: DiscoverHoles}

	_, err := NewExtractor(DefaultParams(), nil).Extract(features, req)
	assert.ErrorIs(t, err, ErrNoLine, "default minimum distance excludes a line through the camera")

	res, err := NewExtractor(DefaultParams().WithHoleDistance(0, 0), nil).Extract(features, req)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{-2, 2}, []float64{res.Hole1.X, res.Hole2.X})
	assert.InDelta(t, 0, res.Line.Distance(geometry.Point2D{}), 1e-9)
}

func TestExtractLogsLineFit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := NewExtractor(DefaultParams(), logger)
	res, err := e.Extract([]vision.MachineFeature{
		circle(-6, 5.5, 1.5), circle(-2, 5.4, 1.5), circle(2, 5.6, 1.5), circle(6, 5.5, 1.5),
	}, Request{Mode: DiscoverHoles})
	require.NoError(t, err)

	assert.Greater(t, res.Line.Spread, 0.0)
	out := buf.String()
	assert.Contains(t, out, "sprocket holes extracted")
	assert.Contains(t, out, "residual_mm=")
	assert.Contains(t, out, "spread_mm=")
}

func TestDiscoverOrdersCounterClockwise(t *testing.T) {
	e := NewExtractor(DefaultParams(), nil)
	res, err := e.Extract([]vision.MachineFeature{
		circle(3.5, 2, 1.5),
		circle(3.5, -2, 1.5),
		circle(3.5, 6, 1.5),
	}, Request{Mode: DiscoverHoles, Camera: geometry.NewLocation(0, 0, 0, 0)})
	require.NoError(t, err)

	assert.InDelta(t, -2, res.Hole1.Y, 1e-9)
	assert.InDelta(t, 2, res.Hole2.Y, 1e-9)
	assert.InDelta(t, 90, res.Angle, 1e-9)
	assert.Len(t, res.Holes, 3)
}

func TestDiscoverSkipsPocketLine(t *testing.T) {
	e := NewExtractor(DefaultParams(), nil)
	features := []vision.MachineFeature{
		// pockets under the camera, same size as holes
		circle(-4, 0, 1.5), circle(0, 0, 1.5), circle(4, 0, 1.5),
		// sprocket holes
		circle(-2, 5.5, 1.5), circle(2, 5.5, 1.5), circle(6, 5.5, 1.5),
		// oversized blob
		circle(0, -3, 4),
	}
	res, err := e.Extract(features, Request{Mode: DiscoverHoles})
	require.NoError(t, err)
	assert.InDelta(t, 5.5, res.Hole1.Y, 1e-9)
	assert.InDelta(t, 5.5, res.Hole2.Y, 1e-9)
	assert.InDelta(t, 5.5, res.Line.Distance(geometry.Point2D{}), 1e-9)
}

func TestExtractErrors(t *testing.T) {
	e := NewExtractor(DefaultParams(), nil)

	_, err := e.Extract([]vision.MachineFeature{circle(0, 0, 1.5), circle(4, 0, 3)}, Request{Mode: DiscoverHoles})
	assert.ErrorIs(t, err, ErrInsufficientFeatures)

	_, err = e.Extract([]vision.MachineFeature{circle(-2, 0, 1.5), circle(2, 0, 1.5)}, Request{Mode: DiscoverHoles})
	assert.ErrorIs(t, err, ErrNoLine)

	_, err = e.Extract([]vision.MachineFeature{circle(-2, 5, 1.5), circle(2, 5, 1.5)}, Request{
		Mode:  CalibrateHoles,
		Hole1: geometry.NewLocation(-2, 0, 0, 0),
		Hole2: geometry.NewLocation(2, 0, 0, 0),
	})
	assert.ErrorIs(t, err, ErrNoLine)

	_, err = e.Extract(nil, Request{Mode: OcrOnly})
	assert.Error(t, err)
}

func TestCalibrateShiftedTape(t *testing.T) {
	e := NewExtractor(DefaultParams(), nil)
	features := []vision.MachineFeature{
		circle(-6, 0.1, 1.5), circle(-2, 0.1, 1.5), circle(2, 0.1, 1.5), circle(6, 0.1, 1.5),
		circle(0, 3.6, 3.0), // pocket
	}
	anchor := geometry.NewLocation(0, 3.5, -1, 0)
	res, err := e.Extract(features, Request{
		Mode:         CalibrateHoles,
		Camera:       geometry.NewLocation(0, 0, -1, 0),
		Hole1:        geometry.NewLocation(-2, 0, -1, 0),
		Hole2:        geometry.NewLocation(2, 0, -1, 0),
		PickLocation: anchor,
		Anchor:       anchor,
	})
	require.NoError(t, err)

	assert.InDelta(t, -2, res.Hole1.X, 1e-9)
	assert.InDelta(t, 0.1, res.Hole1.Y, 1e-9)
	assert.InDelta(t, 2, res.Hole2.X, 1e-9)
	assert.InDelta(t, 0, res.PickLocation.X, 1e-9)
	assert.InDelta(t, 3.6, res.PickLocation.Y, 1e-9)
	assert.InDelta(t, -1, res.PickLocation.Z, 1e-9)
	assert.InDelta(t, 0, res.VisionOffset.X, 1e-9)
	assert.InDelta(t, -0.1, res.VisionOffset.Y, 1e-9)
	assert.Zero(t, res.VisionOffset.Rotation)
	assert.Zero(t, res.VisionOffset.Z)
}

func TestCalibrateCancelsScaleDistortion(t *testing.T) {
	e := NewExtractor(DefaultParams(), nil)
	res, err := e.Extract([]vision.MachineFeature{
		circle(-2.1, 0, 1.5), circle(2.1, 0, 1.5),
	}, Request{
		Mode:         CalibrateHoles,
		Hole1:        geometry.NewLocation(-2, 0, 0, 0),
		Hole2:        geometry.NewLocation(2, 0, 0, 0),
		PickLocation: geometry.NewLocation(0, 3.5, 0, 90),
		Anchor:       geometry.NewLocation(0, 3.5, 0, 90),
	})
	require.NoError(t, err)
	assert.InDelta(t, -2, res.Hole1.X, 1e-9)
	assert.InDelta(t, 2, res.Hole2.X, 1e-9)
	assert.InDelta(t, 90, res.PickLocation.Rotation, 1e-9)
	assert.InDelta(t, 0, res.VisionOffset.LinearDistance(geometry.Location{}), 1e-9)
}

func TestCalibrateHoleNotMatched(t *testing.T) {
	e := NewExtractor(DefaultParams(), nil)
	_, err := e.Extract([]vision.MachineFeature{
		circle(-2, 0, 1.5), circle(2, 0, 1.5), circle(6, 0, 1.5),
	}, Request{
		Mode:  CalibrateHoles,
		Hole1: geometry.NewLocation(-2, 0, 0, 0),
		Hole2: geometry.NewLocation(-10, 0, 0, 0),
	})
	assert.ErrorIs(t, err, ErrHoleNotMatched)
}

func TestCalibrateRotatedAndSnapped(t *testing.T) {
	// Tape running along +Y, slightly skewed.
	skew := geometry.Radians(2)
	at := func(s float64) vision.MachineFeature {
		return circle(-math.Sin(skew)*s, math.Cos(skew)*s, 1.5)
	}
	features := []vision.MachineFeature{at(-6), at(-2), at(2), at(6)}
	req := Request{
		Mode:         CalibrateHoles,
		Hole1:        geometry.NewLocation(0, -2, 0, 0),
		Hole2:        geometry.NewLocation(0, 2, 0, 0),
		PickLocation: geometry.NewLocation(-3.5, 0, 0, 90),
		Anchor:       geometry.NewLocation(-3.5, 0, 0, 90),
	}

	res, err := NewExtractor(DefaultParams(), nil).Extract(features, req)
	require.NoError(t, err)
	assert.InDelta(t, 92, res.Angle, 1e-6)
	assert.InDelta(t, 92, res.PickLocation.Rotation, 1e-6)

	snapped, err := NewExtractor(DefaultParams().WithAxisSnap(0.2), nil).Extract(features, req)
	require.NoError(t, err)
	assert.InDelta(t, 90, snapped.Angle, 1e-9)
	assert.InDelta(t, 4, snapped.Hole1.LinearDistance(snapped.Hole2), 1e-9)
}

func TestNormalizeToPocketGrid(t *testing.T) {
	got := normalizeToPocketGrid(geometry.NewLocation(2.2, 3.3, 0, 0))
	assert.InDelta(t, 2, got.X, 1e-12)
	assert.InDelta(t, 3.5, got.Y, 1e-12)

	got = normalizeToPocketGrid(geometry.NewLocation(-3.9, -7.7, 0, 0))
	assert.InDelta(t, -4, got.X, 1e-12)
	assert.InDelta(t, -7.5, got.Y, 1e-12)
}

func TestSnapToAxis(t *testing.T) {
	assert.Equal(t, geometry.NewPoint2D(-1, 0), snapToAxis(geometry.NewPoint2D(-0.99, 0.1).Unit(), 0.2))
	assert.Equal(t, geometry.NewPoint2D(0, 1), snapToAxis(geometry.NewPoint2D(0.1, 0.99).Unit(), 0.2))
	u := geometry.NewPoint2D(1, 1).Unit()
	assert.Equal(t, u, snapToAxis(u, 0.2))
}

type stubCamera struct {
	loc geometry.Location
}

func (c *stubCamera) Name() string                    { return "stub" }
func (c *stubCamera) Location() geometry.Location     { return c.loc }
func (c *stubCamera) UnitsPerPixel() geometry.Point2D { return geometry.NewPoint2D(0.1, 0.1) }
func (c *stubCamera) SettleTime() time.Duration       { return 0 }
func (c *stubCamera) MoveTo(_ context.Context, loc geometry.Location) error {
	c.loc = loc
	return nil
}
func (c *stubCamera) Capture(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

type stubPipeline struct {
	result *vision.Result
	props  vision.Properties
}

func (p *stubPipeline) Process(_ context.Context, _ vision.Camera, props vision.Properties) (*vision.Result, error) {
	p.props = props
	return p.result, nil
}

type stubReader struct{}

func (stubReader) Read(context.Context, vision.Camera, vision.OCRRegion) (string, error) {
	return "C0603-100N", nil
}

func TestLocatorConvertsPixels(t *testing.T) {
	cam := &stubCamera{loc: geometry.NewLocation(100, 100, 0, 0)}
	pipe := &stubPipeline{result: &vision.Result{
		Width: 200, Height: 200,
		Features: []vision.Feature{
			{Kind: vision.KindCircle, Center: geometry.NewPoint2D(80, 45), Diameter: 15},
			{Kind: vision.KindCircle, Center: geometry.NewPoint2D(120, 45), Diameter: 15},
		},
	}}
	loc := &Locator{Camera: cam, Pipeline: pipe, Extractor: NewExtractor(DefaultParams(), nil)}

	res, err := loc.Locate(context.Background(), Request{Mode: DiscoverHoles})
	require.NoError(t, err)
	assert.InDelta(t, 105.5, res.Hole1.Y, 1e-9)
	assert.InDelta(t, 100, res.PickLocation.X, 1e-9)
	assert.InDelta(t, 1.5, pipe.props.HoleDiameterMm, 1e-12)

	loc.Reader = stubReader{}
	text, err := loc.Locate(context.Background(), Request{Mode: OcrOnly})
	require.NoError(t, err)
	assert.Equal(t, "C0603-100N", text.Text)
}
