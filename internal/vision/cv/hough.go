// Package cv implements the vision collaborators on top of OpenCV (gocv)
// and Tesseract (gosseract).
package cv

import (
	"context"
	"fmt"
	"image"
	"math"

	"pnp-feeder/internal/vision"
	"pnp-feeder/pkg/geometry"

	"gocv.io/x/gocv"
)

// HoughParams tunes the Hough circle transform used to find sprocket holes.
type HoughParams struct {
	DP         float64 // inverse ratio of accumulator resolution
	Param1     float64 // Canny high threshold
	Param2     float64 // accumulator threshold
	BlurKernel int     // odd Gaussian kernel size, 0 disables the blur
}

// DefaultHoughParams returns parameters tuned for backlit sprocket holes on
// paper and plastic carrier tape.
func DefaultHoughParams() HoughParams {
	return HoughParams{
		DP:         1.2,
		Param1:     80,
		Param2:     22,
		BlurKernel: 5,
	}
}

// HoughPipeline finds circular features with gocv's HoughCircles.
type HoughPipeline struct {
	Params HoughParams
}

// NewHoughPipeline creates a pipeline with default parameters.
func NewHoughPipeline() *HoughPipeline {
	return &HoughPipeline{Params: DefaultHoughParams()}
}

// Process captures one frame and returns the circles whose radius lies within
// the expected hole diameter ± tolerance.
func (p *HoughPipeline) Process(ctx context.Context, camera vision.Camera, props vision.Properties) (*vision.Result, error) {
	frame, err := camera.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture on %s: %w", camera.Name(), err)
	}

	mat, err := imageToMat(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	upp := camera.UnitsPerPixel()
	scale := (upp.X + upp.Y) / 2
	if scale <= 0 {
		return nil, fmt.Errorf("camera %s has no units per pixel", camera.Name())
	}

	circles := p.detect(mat, props, scale)

	result := &vision.Result{Width: mat.Cols(), Height: mat.Rows()}
	center := geometry.Point2D{X: float64(mat.Cols()) / 2, Y: float64(mat.Rows()) / 2}
	searchPx := props.SearchRadiusMm / scale
	for _, c := range circles {
		if searchPx > 0 && c.Center.Distance(center) > searchPx {
			continue
		}
		result.Features = append(result.Features, c)
	}
	return result, nil
}

func (p *HoughPipeline) detect(src gocv.Mat, props vision.Properties, scale float64) []vision.Feature {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBAToGray)

	if k := p.Params.BlurKernel; k > 0 {
		if k%2 == 0 {
			k++
		}
		gocv.GaussianBlur(gray, &gray, image.Point{k, k}, 0, 0, gocv.BorderDefault)
	}

	minR := int(math.Floor((props.HoleDiameterMm - props.HoleToleranceMm) / scale / 2))
	maxR := int(math.Ceil((props.HoleDiameterMm + props.HoleToleranceMm) / scale / 2))
	if minR < 1 {
		minR = 1
	}
	minDist := props.HolePitchMm / scale / 2
	if minDist < 1 {
		minDist = 1
	}

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(gray, &circles, gocv.HoughGradient,
		p.Params.DP, minDist, p.Params.Param1, p.Params.Param2, minR, maxR)

	if circles.Empty() || circles.Cols() == 0 {
		return nil
	}

	features := make([]vision.Feature, circles.Cols())
	for i := 0; i < circles.Cols(); i++ {
		features[i] = vision.Feature{
			Kind: vision.KindCircle,
			Center: geometry.Point2D{
				X: float64(circles.GetFloatAt(0, i*3)),
				Y: float64(circles.GetFloatAt(0, i*3+1)),
			},
			Diameter: 2 * float64(circles.GetFloatAt(0, i*3+2)),
		}
	}
	return features
}

// imageToMat converts a Go image into a 4-channel RGBA Mat.
func imageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) || rgba.Stride != 4*w {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				rgba.Set(x, y, img.At(x+bounds.Min.X, y+bounds.Min.Y))
			}
		}
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return gocv.Mat{}, err
	}
	return mat, nil
}
