// Package feeder implements vision-calibrated tape feeders: the feed-cycle
// pick location calculator, the push/pull feed state machine and a static
// strip variant. Both variants compose the same sprocket-hole calibration.
package feeder

import (
	"context"

	"pnp-feeder/internal/calibration"
	"pnp-feeder/internal/machine"
	"pnp-feeder/pkg/geometry"
)

// Feeder is the capability set shared by all feeder variants.
type Feeder interface {
	machine.Component
	machine.Invalidator

	ID() string
	// PickLocation returns where the nozzle picks the current part. It may
	// run calibration first.
	PickLocation(ctx context.Context) (geometry.Location, error)
	// Feed presents the next part.
	Feed(ctx context.Context) error
	PostPick(ctx context.Context) error
	CanTakeBackPart() bool
	TakeBackPart() error
	// Status returns the last published snapshot. Safe from any goroutine.
	Status() Status
}

// Status is an immutable snapshot of a feeder for display.
type Status struct {
	ID                string
	Name              string
	Kind              string
	FeedCount         int
	PartsPerFeedCycle int
	PartInCycle       int

	Anchor geometry.Location
	Hole1  geometry.Location
	Hole2  geometry.Location

	Calibrated          bool
	VisionOffset        geometry.Location
	Statistics          calibration.Statistics
	PrecisionSufficient bool
}

func (t *tape) status(kind string, feedCount int) *Status {
	s := &Status{
		ID:                  t.settings.ID,
		Name:                t.settings.Name,
		Kind:                kind,
		FeedCount:           feedCount,
		PartsPerFeedCycle:   t.settings.PartsPerFeedCycle(),
		PartInCycle:         t.settings.PartInCycle(feedCount),
		Anchor:              t.settings.Anchor,
		Hole1:               t.settings.Hole1,
		Hole2:               t.settings.Hole2,
		Calibrated:          t.offset != nil,
		Statistics:          t.stats,
		PrecisionSufficient: t.settings.Calibration.PrecisionSufficient(t.stats),
	}
	if t.offset != nil {
		s.VisionOffset = *t.offset
	}
	return s
}
