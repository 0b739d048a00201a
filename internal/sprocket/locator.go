package sprocket

import (
	"context"
	"fmt"

	"pnp-feeder/internal/vision"
)

// Locator runs one vision pass on a stationary camera: settle, capture and
// process, then hand the features to the extractor.
type Locator struct {
	Camera    vision.Camera
	Pipeline  vision.Pipeline
	Extractor *Extractor

	// Reader and Label are only used in OcrOnly mode.
	Reader vision.TextReader
	Label  vision.OCRRegion
}

// Properties returns the pipeline properties implied by the extractor params.
func (l *Locator) Properties() vision.Properties {
	p := l.Extractor.Params
	return vision.Properties{
		HoleDiameterMm:  p.HoleDiameterMm,
		HoleToleranceMm: p.HoleToleranceMm,
		HolePitchMm:     p.HolePitchMm,
		SearchRadiusMm:  3*p.HolePitchMm + p.HoleDistanceMaxMm,
	}
}

// Locate performs one pass. req.Camera is filled in from the camera.
func (l *Locator) Locate(ctx context.Context, req Request) (*Result, error) {
	if err := vision.Settle(ctx, l.Camera); err != nil {
		return nil, err
	}
	req.Camera = l.Camera.Location()

	if req.Mode == OcrOnly {
		if l.Reader == nil {
			return nil, fmt.Errorf("camera %s: no OCR reader configured", l.Camera.Name())
		}
		text, err := l.Reader.Read(ctx, l.Camera, l.Label)
		if err != nil {
			return nil, fmt.Errorf("OCR on %s: %w", l.Camera.Name(), err)
		}
		return &Result{Text: text}, nil
	}

	res, err := l.Pipeline.Process(ctx, l.Camera, l.Properties())
	if err != nil {
		return nil, fmt.Errorf("pipeline on %s: %w", l.Camera.Name(), err)
	}
	features := res.ToMachine(req.Camera, l.Camera.UnitsPerPixel())
	return l.Extractor.Extract(features, req)
}
