package feeder

import "errors"

var (
	// ErrNotConfigured covers configuration that needs operator correction:
	// degenerate holes, missing actuators, bad pitches or tolerances.
	ErrNotConfigured = errors.New("feeder not configured")

	// ErrVisionFailed means calibration could not produce a vision offset.
	ErrVisionFailed = errors.New("vision failed")

	// ErrNoPartToTakeBack means the previous part belongs to an earlier feed cycle.
	ErrNoPartToTakeBack = errors.New("no part to take back")

	// ErrStripEmpty means every part of a strip has been fed.
	ErrStripEmpty = errors.New("strip empty")
)
