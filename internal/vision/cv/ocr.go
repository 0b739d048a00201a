package cv

import (
	"context"
	"fmt"
	"image"
	"strings"

	"pnp-feeder/internal/vision"
	"pnp-feeder/pkg/geometry"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// LabelChars is the character set printed on reel and tape labels.
const LabelChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-./"

// OCRReader reads label text on the tape with Tesseract.
type OCRReader struct {
	client *gosseract.Client
}

// NewOCRReader creates a reader restricted to LabelChars.
func NewOCRReader() (*OCRReader, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage("eng"); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	// Part numbers are not dictionary words.
	_ = client.SetVariable("load_system_dawg", "false")
	_ = client.SetVariable("load_freq_dawg", "false")
	if err := client.SetWhitelist(LabelChars); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set whitelist: %w", err)
	}
	return &OCRReader{client: client}, nil
}

// Close releases OCR resources.
func (r *OCRReader) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Read captures one frame and returns the text inside region.
func (r *OCRReader) Read(ctx context.Context, camera vision.Camera, region vision.OCRRegion) (string, error) {
	frame, err := camera.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("capture on %s: %w", camera.Name(), err)
	}
	mat, err := imageToMat(frame)
	if err != nil {
		return "", fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	rect, err := regionRect(region, camera.UnitsPerPixel(), mat.Cols(), mat.Rows())
	if err != nil {
		return "", err
	}

	roi := mat.Region(rect)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(roi, &gray, gocv.ColorRGBAToGray)
	gocv.Threshold(gray, &gray, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, gray)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	if err := r.client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return "", fmt.Errorf("failed to set PSM: %w", err)
	}
	if err := r.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}
	text, err := r.client.Text()
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// regionRect converts a camera-relative region in mm into a clipped pixel rectangle.
func regionRect(region vision.OCRRegion, upp geometry.Point2D, cols, rows int) (image.Rectangle, error) {
	if upp.X <= 0 || upp.Y <= 0 {
		return image.Rectangle{}, fmt.Errorf("invalid units per pixel %v", upp)
	}
	cx := float64(cols)/2 + region.Offset.X/upp.X
	cy := float64(rows)/2 - region.Offset.Y/upp.Y
	hw := region.Width / upp.X / 2
	hh := region.Height / upp.Y / 2

	rect := image.Rect(int(cx-hw), int(cy-hh), int(cx+hw), int(cy+hh)).
		Intersect(image.Rect(0, 0, cols, rows))
	if rect.Empty() {
		return image.Rectangle{}, fmt.Errorf("OCR region outside of frame")
	}
	return rect, nil
}
