package sprocket

// EIA-481 carrier tape constants (mm).
const (
	// NominalHoleDiameter is the sprocket hole diameter.
	NominalHoleDiameter = 1.5
	// NominalHolePitch is the distance between adjacent sprocket holes.
	NominalHolePitch = 4.0
	// PocketGrid is the along-tape grid of pocket centers relative to a hole.
	PocketGrid = 2.0
	// PocketRowOffset is the across-tape offset of the first pocket row grid
	// (3.5 for 8mm tape, then every 2mm: 5.5, 7.5, 9.5, 11.5 ...).
	PocketRowOffset = 1.5
)

// Params holds the tolerances and constraints used to recognise sprocket holes.
type Params struct {
	HoleDiameterMm  float64 `yaml:"hole_diameter_mm"`  // expected hole diameter
	HoleToleranceMm float64 `yaml:"hole_tolerance_mm"` // accepted diameter deviation, also the line band
	HolePitchMm     float64 `yaml:"hole_pitch_mm"`     // expected hole pitch

	// HoleDistanceMinMm and HoleDistanceMaxMm bound the distance between the
	// camera and the hole line when discovering holes. The minimum keeps part
	// pockets (which sit under the camera) from being taken for holes. Set
	// both to 0 with WithHoleDistance(0, 0) to discover with the camera
	// centred on the hole line, e.g. between two holes.
	HoleDistanceMinMm float64 `yaml:"hole_distance_min_mm"`
	HoleDistanceMaxMm float64 `yaml:"hole_distance_max_mm"` // 0 = unbounded

	// CalibrationToleranceMm is how far the hole line and each known hole may
	// be from where they are expected when calibrating.
	CalibrationToleranceMm float64 `yaml:"calibration_tolerance_mm"`

	SnapToAxis      bool    `yaml:"snap_to_axis"`      // snap a nearly axis-aligned tape to the axis
	SnapRatio       float64 `yaml:"snap_ratio"`        // off-axis/on-axis component ratio that still snaps
	NormalizeToGrid bool    `yaml:"normalize_to_grid"` // round the pick offset to the EIA-481 pocket grid

	RansacIterations int   `yaml:"ransac_iterations"` // upper bound on sampled hole pairs
	Seed             int64 `yaml:"seed"`              // RANSAC sampling seed
}

// DefaultParams returns parameters for standard EIA-481 tape, with the
// camera expected over the pockets during discovery.
func DefaultParams() Params {
	return Params{
		HoleDiameterMm:         NominalHoleDiameter,
		HoleToleranceMm:        0.6,
		HolePitchMm:            NominalHolePitch,
		HoleDistanceMinMm:      1.6,
		HoleDistanceMaxMm:      0,
		CalibrationToleranceMm: 1.0,
		SnapToAxis:             false,
		SnapRatio:              0.2,
		NormalizeToGrid:        false,
		RansacIterations:       2000,
		Seed:                   1,
	}
}

// WithHoleDistance returns a copy with the discovery distance window replaced.
func (p Params) WithHoleDistance(minMm, maxMm float64) Params {
	p.HoleDistanceMinMm = minMm
	p.HoleDistanceMaxMm = maxMm
	return p
}

// WithCalibrationTolerance returns a copy with the calibration tolerance replaced.
func (p Params) WithCalibrationTolerance(mm float64) Params {
	p.CalibrationToleranceMm = mm
	return p
}

// WithAxisSnap returns a copy with axis snapping enabled at the given ratio.
func (p Params) WithAxisSnap(ratio float64) Params {
	p.SnapToAxis = true
	p.SnapRatio = ratio
	return p
}
