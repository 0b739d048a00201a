package feeder

import (
	"fmt"
	"math"

	"pnp-feeder/pkg/geometry"
)

// pitchEpsilon absorbs float noise in pitch ratios before rounding up.
const pitchEpsilon = 1e-9

// Cycle describes how parts are laid out relative to one actuation cycle.
type Cycle struct {
	PartPitch      float64 `yaml:"part_pitch"`      // mm between parts
	FeedPitch      float64 `yaml:"feed_pitch"`      // mm the tape advances per actuation
	FeedMultiplier int     `yaml:"feed_multiplier"` // feed cycles per actuation sequence
}

// DefaultCycle is 4mm parts on a 4mm feeder, one part per cycle.
func DefaultCycle() Cycle {
	return Cycle{PartPitch: 4, FeedPitch: 4, FeedMultiplier: 1}
}

// Validate reports pitches that cannot describe a tape.
func (c Cycle) Validate() error {
	switch {
	case c.PartPitch <= 0:
		return fmt.Errorf("part pitch %.3fmm must be positive: %w", c.PartPitch, ErrNotConfigured)
	case c.FeedPitch <= 0:
		return fmt.Errorf("feed pitch %.3fmm must be positive: %w", c.FeedPitch, ErrNotConfigured)
	case c.FeedMultiplier < 1:
		return fmt.Errorf("feed multiplier %d < 1: %w", c.FeedMultiplier, ErrNotConfigured)
	}
	return nil
}

func ceilPitch(x float64) float64 {
	return math.Ceil(x - pitchEpsilon)
}

// FeedsPerPart is the number of actuations needed to expose one new part.
func (c Cycle) FeedsPerPart() int {
	n := int(ceilPitch(c.PartPitch / c.FeedPitch))
	if n < 1 {
		return 1
	}
	return n
}

// Actuations is the number of push/pull repetitions of one feed.
func (c Cycle) Actuations() int {
	return max(c.FeedMultiplier, 1) * c.FeedsPerPart()
}

// PartsPerFeedCycle is the number of parts exposed by one feed, at least 1.
func (c Cycle) PartsPerFeedCycle() int {
	perFeed := ceilPitch(float64(c.FeedsPerPart()) * c.FeedPitch / c.PartPitch)
	n := int(math.Round(float64(max(c.FeedMultiplier, 1)) * perFeed))
	if n < 1 {
		return 1
	}
	return n
}

// PartInCycle maps a 1-based feed count to the 1-based part index within the
// cycle. Part 1 is the farthest from the reel and is picked first.
func (c Cycle) PartInCycle(feedCount int) int {
	n := c.PartsPerFeedCycle()
	return ((feedCount+n-1)%n+n)%n + 1
}

// LocalOffset is the feeder-local location of a part. Parts count down from
// the farthest pitch to the anchor, which holds the last part of a cycle.
func (c Cycle) LocalOffset(partInCycle int, rotationInFeeder float64) geometry.Location {
	n := c.PartsPerFeedCycle()
	pitches := ((n-partInCycle)%n + n) % n
	return geometry.Location{X: c.PartPitch * float64(pitches), Rotation: rotationInFeeder}
}

// PickLocation forward-transforms a part into machine coordinates, shifting
// the frame by the vision offset (nil = uncorrected).
func (c Cycle) PickLocation(frame geometry.Frame, partInCycle int, rotationInFeeder float64, offset *geometry.Location) geometry.Location {
	return geometry.ForwardTransform(c.LocalOffset(partInCycle, rotationInFeeder), frame.Offset(offset))
}
