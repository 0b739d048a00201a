// Package sprocket recognises the sprocket holes of carrier tape in vision
// results and derives calibrated hole locations, pick location and vision
// offset from them.
package sprocket

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"pnp-feeder/internal/vision"
	"pnp-feeder/pkg/geometry"
)

// Mode selects what the extractor derives from a frame.
type Mode int

const (
	// DiscoverHoles finds a hole pair without prior knowledge (auto setup).
	DiscoverHoles Mode = iota
	// CalibrateHoles refines a known hole pair.
	CalibrateHoles
	// OcrOnly skips hole recognition and only reads the label.
	OcrOnly
)

func (m Mode) String() string {
	switch m {
	case DiscoverHoles:
		return "DiscoverHoles"
	case CalibrateHoles:
		return "CalibrateHoles"
	case OcrOnly:
		return "OcrOnly"
	default:
		return "Unknown"
	}
}

var (
	// ErrInsufficientFeatures means fewer than two qualifying holes were found.
	ErrInsufficientFeatures = errors.New("insufficient features")
	// ErrNoLine means no line of holes satisfied the distance constraint.
	ErrNoLine = errors.New("no line of sprocket holes recognized")
	// ErrHoleNotMatched means a known hole had no detection nearby.
	ErrHoleNotMatched = errors.New("calibration hole not matched")
)

// Request describes one extraction.
type Request struct {
	Mode   Mode
	Camera geometry.Location // camera location at capture time

	// CalibrateHoles inputs: the running hole pair and pick location estimate.
	Hole1        geometry.Location
	Hole2        geometry.Location
	PickLocation geometry.Location

	// Anchor is the feeder's stored anchor. The vision offset is relative to it.
	Anchor geometry.Location
}

// Result holds the calibrated geometry derived from one frame.
type Result struct {
	Hole1        geometry.Location
	Hole2        geometry.Location
	PickLocation geometry.Location
	VisionOffset geometry.Location // rotation and Z are always zero
	Angle        float64           // tape angle, degrees
	Line         Line
	Holes        []geometry.Point2D // holes on the chosen line, nearest to the camera first
	Text         string             // OcrOnly
}

// Extractor turns detected features into calibrated sprocket geometry.
type Extractor struct {
	Params Params
	Logger *slog.Logger

	rng *rand.Rand
}

// NewExtractor creates an extractor. A nil logger uses slog.Default().
func NewExtractor(params Params, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		Params: params,
		Logger: logger,
		rng:    rand.New(rand.NewSource(params.Seed)),
	}
}

// Extract runs hole recognition on the features of one frame.
func (e *Extractor) Extract(features []vision.MachineFeature, req Request) (*Result, error) {
	if req.Mode == OcrOnly {
		return nil, fmt.Errorf("extract: mode %s has no hole geometry", req.Mode)
	}
	p := e.Params
	cam := req.Camera.XY()

	candidates := e.filterBySize(features)
	if len(candidates) < 2 {
		return nil, fmt.Errorf("%d of %d shapes match hole diameter %.2fmm: %w",
			len(candidates), len(features), p.HoleDiameterMm, ErrInsufficientFeatures)
	}

	lines := FitLines(candidates, p.HolePitchMm, p.HoleToleranceMm, p.RansacIterations, e.rng)
	line, ok := e.selectLine(lines, cam, req.Mode)
	if !ok {
		return nil, fmt.Errorf("%d candidate lines: %w", len(lines), ErrNoLine)
	}

	var holes []geometry.Point2D
	for _, c := range candidates {
		if line.Distance(c) <= p.HoleToleranceMm {
			holes = append(holes, c)
		}
	}
	sort.SliceStable(holes, func(i, j int) bool {
		return holes[i].Distance(cam) < holes[j].Distance(cam)
	})
	if len(holes) < 2 {
		return nil, fmt.Errorf("%d holes on line: %w", len(holes), ErrInsufficientFeatures)
	}

	var (
		result *Result
		err    error
	)
	switch req.Mode {
	case DiscoverHoles:
		result = e.discover(holes, line, req)
	case CalibrateHoles:
		result, err = e.calibrate(holes, line, req)
	default:
		err = fmt.Errorf("extract: unknown mode %d", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	result.Line = line
	result.Holes = holes
	result.VisionOffset = geometry.Location{
		X: req.Anchor.X - result.PickLocation.X,
		Y: req.Anchor.Y - result.PickLocation.Y,
	}
	e.Logger.Debug("sprocket holes extracted",
		"mode", req.Mode.String(),
		"holes", len(holes),
		"angle", result.Angle,
		"residual_mm", line.Residual,
		"spread_mm", line.Spread,
		"offset_x", result.VisionOffset.X,
		"offset_y", result.VisionOffset.Y)
	return result, nil
}

func (e *Extractor) filterBySize(features []vision.MachineFeature) []geometry.Point2D {
	var out []geometry.Point2D
	for _, f := range features {
		if math.Abs(f.Diameter-e.Params.HoleDiameterMm) > e.Params.HoleToleranceMm {
			e.Logger.Debug("shape discarded by size",
				"kind", f.Kind.String(),
				"x", f.Center.X,
				"y", f.Center.Y,
				"diameter_mm", f.Diameter)
			continue
		}
		out = append(out, f.Center)
	}
	return out
}

// selectLine applies the mode's distance constraint. Lines arrive longest
// first, so the first acceptable line is the best one when calibrating.
func (e *Extractor) selectLine(lines []Line, cam geometry.Point2D, mode Mode) (Line, bool) {
	p := e.Params
	switch mode {
	case CalibrateHoles:
		for _, l := range lines {
			if l.Distance(cam) <= p.CalibrationToleranceMm {
				return l, true
			}
		}
	case DiscoverHoles:
		best := -1
		bestDist := math.Inf(1)
		for i, l := range lines {
			d := l.Distance(cam)
			if d < p.HoleDistanceMinMm {
				continue
			}
			if p.HoleDistanceMaxMm > 0 && d > p.HoleDistanceMaxMm {
				continue
			}
			if d < bestDist {
				best, bestDist = i, d
			}
		}
		if best >= 0 {
			return lines[best], true
		}
	}
	return Line{}, false
}

// discover takes the two holes nearest the camera, ordered counter-clockwise
// as seen from the camera, and the camera position as the pick location.
func (e *Extractor) discover(holes []geometry.Point2D, line Line, req Request) *Result {
	cam := req.Camera.XY()
	h1, h2 := holes[0], holes[1]
	if h1.Sub(cam).Cross(h2.Sub(cam)) < 0 {
		h1, h2 = h2, h1
	}
	unit := line.Unit
	if unit.Dot(h2.Sub(h1)) < 0 {
		unit = unit.Scale(-1)
	}
	angle := geometry.Degrees(math.Atan2(unit.Y, unit.X))

	return &Result{
		Hole1:        geometry.Location{X: h1.X, Y: h1.Y, Z: req.Camera.Z},
		Hole2:        geometry.Location{X: h2.X, Y: h2.Y, Z: req.Camera.Z},
		PickLocation: req.Camera.WithRotation(angle),
		Angle:        angle,
	}
}

// calibrate matches the known holes, re-projects them symmetrically around
// their midpoint at a whole number of hole pitches and carries the pick
// location's hole-relative offset over to the new hole pair.
func (e *Extractor) calibrate(holes []geometry.Point2D, line Line, req Request) (*Result, error) {
	p := e.Params
	if !geometry.HolesUsable(req.Hole1, req.Hole2) {
		return nil, fmt.Errorf("calibrate: hole pair %v %v is not usable: %w", req.Hole1, req.Hole2, ErrHoleNotMatched)
	}

	i1 := nearest(holes, req.Hole1.XY(), p.CalibrationToleranceMm, -1)
	if i1 < 0 {
		return nil, fmt.Errorf("hole1 near %v: %w", req.Hole1, ErrHoleNotMatched)
	}
	i2 := nearest(holes, req.Hole2.XY(), p.CalibrationToleranceMm, i1)
	if i2 < 0 {
		return nil, fmt.Errorf("hole2 near %v: %w", req.Hole2, ErrHoleNotMatched)
	}
	m1, m2 := holes[i1], holes[i2]

	unit := line.Unit
	if unit.Dot(m2.Sub(m1)) < 0 {
		unit = unit.Scale(-1)
	}
	if p.SnapToAxis {
		unit = snapToAxis(unit, p.SnapRatio)
	}

	mid := m1.Add(m2).Scale(0.5)
	span := math.Max(1, math.Round(m1.Distance(m2)/p.HolePitchMm)) * p.HolePitchMm
	c1 := mid.Sub(unit.Scale(span / 2))
	c2 := mid.Add(unit.Scale(span / 2))
	angle := geometry.Degrees(math.Atan2(unit.Y, unit.X))

	// Pick offset relative to the running hole1, in the running tape frame.
	oldUnit := req.Hole2.XY().Sub(req.Hole1.XY())
	oldAngle := geometry.Degrees(math.Atan2(oldUnit.Y, oldUnit.X))
	oldFrame := geometry.Frame{Anchor: req.Hole1.WithRotation(oldAngle), Rotation: oldAngle}
	local := geometry.BackwardTransform(req.PickLocation, oldFrame)
	if p.NormalizeToGrid {
		local = normalizeToPocketGrid(local)
	}

	newFrame := geometry.Frame{
		Anchor:   geometry.Location{X: c1.X, Y: c1.Y, Z: req.Hole1.Z, Rotation: angle},
		Rotation: angle,
	}
	pick := geometry.ForwardTransform(local, newFrame)
	pick.Z = req.PickLocation.Z

	return &Result{
		Hole1:        geometry.Location{X: c1.X, Y: c1.Y, Z: req.Hole1.Z},
		Hole2:        geometry.Location{X: c2.X, Y: c2.Y, Z: req.Hole2.Z},
		PickLocation: pick,
		Angle:        angle,
	}, nil
}

// nearest returns the index of the point closest to target within tol,
// skipping index skip, or -1.
func nearest(points []geometry.Point2D, target geometry.Point2D, tol float64, skip int) int {
	best := -1
	bestDist := tol
	for i, p := range points {
		if i == skip {
			continue
		}
		if d := p.Distance(target); d <= bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func snapToAxis(u geometry.Point2D, ratio float64) geometry.Point2D {
	ax, ay := math.Abs(u.X), math.Abs(u.Y)
	switch {
	case ay <= ratio*ax:
		return geometry.Point2D{X: math.Copysign(1, u.X)}
	case ax <= ratio*ay:
		return geometry.Point2D{Y: math.Copysign(1, u.Y)}
	}
	return u
}

// normalizeToPocketGrid rounds a hole-relative pick offset onto the EIA-481
// pocket grid: along the tape to PocketGrid, across to PocketRowOffset+n*2mm.
func normalizeToPocketGrid(local geometry.Location) geometry.Location {
	local.X = math.Round(local.X/PocketGrid) * PocketGrid
	row := math.Max(0, math.Round((math.Abs(local.Y)-PocketRowOffset)/PocketGrid))
	local.Y = math.Copysign(PocketRowOffset+row*PocketGrid, local.Y)
	return local
}
