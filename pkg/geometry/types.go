// Package geometry provides the coordinate types and transforms shared by the
// feeder, vision and calibration packages. All lengths are millimetres and all
// rotations are degrees unless stated otherwise.
package geometry

import (
	"fmt"
	"math"
)

// Point2D represents a 2D point with floating-point coordinates.
type Point2D struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns the sum of two points.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point2D) Scale(factor float64) Point2D {
	return Point2D{X: p.X * factor, Y: p.Y * factor}
}

// Length returns the distance from the origin.
func (p Point2D) Length() float64 {
	return math.Hypot(p.X, p.Y)
}

// Unit returns the point normalised to length 1. The result is NaN for the
// zero vector; callers that can see one must check IsFinite.
func (p Point2D) Unit() Point2D {
	l := p.Length()
	return Point2D{X: p.X / l, Y: p.Y / l}
}

// Cross returns the z component of the cross product p × other.
func (p Point2D) Cross(other Point2D) float64 {
	return p.X*other.Y - p.Y*other.X
}

// Dot returns the dot product.
func (p Point2D) Dot(other Point2D) float64 {
	return p.X*other.X + p.Y*other.Y
}

// IsFinite reports whether both coordinates are finite numbers.
func (p Point2D) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Location is a machine or feeder-local position including height and
// rotation. The zero value doubles as "not set" (see IsUnset), matching how
// unconfigured hole locations arrive from persistence.
type Location struct {
	X        float64 `json:"x" yaml:"x"`
	Y        float64 `json:"y" yaml:"y"`
	Z        float64 `json:"z" yaml:"z"`
	Rotation float64 `json:"rotation" yaml:"rotation"`
}

// NewLocation creates a new Location.
func NewLocation(x, y, z, rotation float64) Location {
	return Location{X: x, Y: y, Z: z, Rotation: rotation}
}

// XY returns the planar part of the location.
func (l Location) XY() Point2D {
	return Point2D{X: l.X, Y: l.Y}
}

// IsUnset reports whether every coordinate is zero.
func (l Location) IsUnset() bool {
	return l == Location{}
}

// Add adds all four coordinates.
func (l Location) Add(other Location) Location {
	return Location{X: l.X + other.X, Y: l.Y + other.Y, Z: l.Z + other.Z, Rotation: l.Rotation + other.Rotation}
}

// Sub subtracts all four coordinates.
func (l Location) Sub(other Location) Location {
	return Location{X: l.X - other.X, Y: l.Y - other.Y, Z: l.Z - other.Z, Rotation: l.Rotation - other.Rotation}
}

// Multiply scales each coordinate by its own factor. A factor of 0 masks an axis.
func (l Location) Multiply(x, y, z, rotation float64) Location {
	return Location{X: l.X * x, Y: l.Y * y, Z: l.Z * z, Rotation: l.Rotation * rotation}
}

// WithXY returns a copy with the planar coordinates replaced.
func (l Location) WithXY(p Point2D) Location {
	l.X, l.Y = p.X, p.Y
	return l
}

// WithZ returns a copy with Z replaced.
func (l Location) WithZ(z float64) Location {
	l.Z = z
	return l
}

// WithRotation returns a copy with the rotation replaced.
func (l Location) WithRotation(rotation float64) Location {
	l.Rotation = rotation
	return l
}

// LinearDistance returns the planar distance to another location.
func (l Location) LinearDistance(other Location) float64 {
	return l.XY().Distance(other.XY())
}

// String formats the location for logs and errors.
func (l Location) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f, %.3f°)", l.X, l.Y, l.Z, l.Rotation)
}

// AffineTransform represents a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Translation returns a translation transform.
func Translation(tx, ty float64) AffineTransform {
	return AffineTransform{A: 1, D: 1, TX: tx, TY: ty}
}

// Rotation returns a rotation transform around the origin.
func Rotation(radians float64) AffineTransform {
	cos := math.Cos(radians)
	sin := math.Sin(radians)
	return AffineTransform{A: cos, B: -sin, C: sin, D: cos}
}

// Apply applies the transform to a point.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Compose returns this transform composed with another (this * other).
func (t AffineTransform) Compose(other AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Inverse returns the inverse transform, if it exists.
func (t AffineTransform) Inverse() (AffineTransform, bool) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < 1e-10 {
		return AffineTransform{}, false
	}

	invDet := 1.0 / det
	return AffineTransform{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// NormalizeAngle folds an angle in degrees into (-180, 180].
func NormalizeAngle(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
