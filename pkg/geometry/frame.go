package geometry

import "math"

// MinHoleDistance is the smallest hole1→hole2 separation (mm) that defines a
// usable feeder frame. Closer pairs cannot give a reliable tape direction.
const MinHoleDistance = 3.0

// Frame is a feeder-local coordinate system: local +X runs along the tape from
// hole1 towards hole2, rotated by Rotation degrees and anchored at Anchor.
type Frame struct {
	Anchor   Location // machine position of the local origin; Rotation is the frame rotation
	Unit     Point2D  // unit vector of the local X axis in machine coordinates, zero when uncalibrated
	Holes    bool     // true when derived from a valid hole pair
	Rotation float64  // degrees
}

// DeriveFrame builds the frame for a feeder from its anchor and its two
// calibration holes. When the holes are unset or closer than MinHoleDistance
// the frame keeps the anchor's own rotation, gets a zero-length axis and
// reports Holes == false.
func DeriveFrame(anchor, hole1, hole2 Location) Frame {
	if !HolesUsable(hole1, hole2) {
		return Frame{Anchor: anchor, Rotation: anchor.Rotation}
	}
	unit := hole2.XY().Sub(hole1.XY()).Unit()
	if !unit.IsFinite() {
		unit = Point2D{X: 0, Y: 1}
	}
	rotation := Degrees(math.Atan2(unit.Y, unit.X))
	return Frame{
		Anchor:   anchor.WithRotation(rotation),
		Unit:     unit,
		Holes:    true,
		Rotation: rotation,
	}
}

// HolesUsable reports whether a hole pair is set and far enough apart.
func HolesUsable(hole1, hole2 Location) bool {
	if hole1.IsUnset() || hole2.IsUnset() {
		return false
	}
	return hole1.LinearDistance(hole2) >= MinHoleDistance
}

// Offset returns the frame shifted by -offset. The offset's rotation is
// ignored; a vision offset is always a pure translation.
func (f Frame) Offset(offset *Location) Frame {
	if offset == nil {
		return f
	}
	o := offset.WithRotation(0)
	f.Anchor = f.Anchor.Sub(o)
	return f
}

// Transform returns the local→machine affine transform of the frame.
func (f Frame) Transform() AffineTransform {
	return Translation(f.Anchor.X, f.Anchor.Y).Compose(Rotation(Radians(f.Rotation)))
}

// ForwardTransform maps a feeder-local location into machine coordinates:
// rotate by the frame rotation, then translate by the anchor.
func ForwardTransform(local Location, f Frame) Location {
	p := f.Transform().Apply(local.XY())
	return Location{
		X:        p.X,
		Y:        p.Y,
		Z:        f.Anchor.Z + local.Z,
		Rotation: f.Rotation + local.Rotation,
	}
}

// BackwardTransform is the inverse of ForwardTransform.
func BackwardTransform(machine Location, f Frame) Location {
	// A rotation plus translation is always invertible.
	inv, _ := f.Transform().Inverse()
	p := inv.Apply(machine.XY())
	return Location{
		X:        p.X,
		Y:        p.Y,
		Z:        machine.Z - f.Anchor.Z,
		Rotation: machine.Rotation - f.Rotation,
	}
}
