// Package vision defines the camera and pipeline collaborators used by feeder
// calibration. OpenCV and Tesseract implementations live in vision/cv.
package vision

import (
	"context"
	"image"
	"time"

	"pnp-feeder/pkg/geometry"
)

// FeatureKind identifies the shape a pipeline reported.
type FeatureKind int

const (
	// KindCircle is a fitted circle (center + diameter).
	KindCircle FeatureKind = iota
	// KindRotatedRect is a minimum-area rotated rectangle.
	KindRotatedRect
	// KindKeyPoint is a blob keypoint with a size.
	KindKeyPoint
)

func (k FeatureKind) String() string {
	switch k {
	case KindCircle:
		return "Circle"
	case KindRotatedRect:
		return "RotatedRect"
	case KindKeyPoint:
		return "KeyPoint"
	default:
		return "Unknown"
	}
}

// Feature is one shape detected in a single camera frame. Coordinates are
// pixels with the origin at the top-left of the image.
type Feature struct {
	Kind     FeatureKind
	Center   geometry.Point2D
	Diameter float64 // circles and keypoints
	Width    float64 // rotated rects
	Height   float64 // rotated rects
	Angle    float64 // rotated rects, degrees
}

// Size returns the nominal diameter of the feature in pixels. Rotated
// rectangles use the mean of their sides.
func (f Feature) Size() float64 {
	if f.Kind == KindRotatedRect {
		return (f.Width + f.Height) / 2
	}
	return f.Diameter
}

// Result is the output of one pipeline run on one frame.
type Result struct {
	Features []Feature
	Width    int // frame width in pixels
	Height   int // frame height in pixels
}

// MachineFeature is a Feature converted to machine coordinates (mm).
type MachineFeature struct {
	Kind     FeatureKind
	Center   geometry.Point2D
	Diameter float64
}

// ToMachine converts every feature into machine coordinates, given the camera
// location at capture time and its units per pixel. Image Y grows downwards,
// machine Y grows upwards.
func (r *Result) ToMachine(camera geometry.Location, upp geometry.Point2D) []MachineFeature {
	if r == nil {
		return nil
	}
	cx := float64(r.Width) / 2
	cy := float64(r.Height) / 2
	scale := (upp.X + upp.Y) / 2

	out := make([]MachineFeature, 0, len(r.Features))
	for _, f := range r.Features {
		out = append(out, MachineFeature{
			Kind: f.Kind,
			Center: geometry.Point2D{
				X: camera.X + (f.Center.X-cx)*upp.X,
				Y: camera.Y - (f.Center.Y-cy)*upp.Y,
			},
			Diameter: f.Size() * scale,
		})
	}
	return out
}

// Mover is the slice of the motion service a head-mounted camera needs.
type Mover interface {
	MoveTo(ctx context.Context, loc geometry.Location, speed float64) error
}

// Camera is a head-mounted camera. MoveTo blocks until motion has completed.
type Camera interface {
	Name() string
	Location() geometry.Location
	MoveTo(ctx context.Context, loc geometry.Location) error
	UnitsPerPixel() geometry.Point2D
	SettleTime() time.Duration
	Capture(ctx context.Context) (image.Image, error)
}

// Properties are the tunable numeric inputs of a sprocket hole pipeline.
type Properties struct {
	HoleDiameterMm  float64
	HoleToleranceMm float64
	HolePitchMm     float64
	SearchRadiusMm  float64 // 0 = whole frame
}

// Pipeline processes one frame from a camera into typed shapes.
type Pipeline interface {
	Process(ctx context.Context, camera Camera, props Properties) (*Result, error)
}

// Settle waits for the camera settle time or until ctx is done.
func Settle(ctx context.Context, camera Camera) error {
	d := camera.SettleTime()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OCRRegion is a rectangle relative to the camera center, in mm.
type OCRRegion struct {
	Offset geometry.Point2D `yaml:"offset"` // center of the region relative to the camera
	Width  float64          `yaml:"width"`
	Height float64          `yaml:"height"`
}

// TextReader reads printed text inside a camera-relative region.
type TextReader interface {
	Read(ctx context.Context, camera Camera, region OCRRegion) (string, error)
}
