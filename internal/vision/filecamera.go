package vision

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pnp-feeder/pkg/geometry"

	_ "golang.org/x/image/tiff"
)

// FileCamera replays captured frames from a directory. It is used for
// offline calibration runs and by the command line tools' dry-run mode.
type FileCamera struct {
	name   string
	files  []string
	upp    geometry.Point2D
	settle time.Duration
	mover  Mover
	speed  float64

	mu   sync.Mutex
	next int
	loc  geometry.Location
}

// NewFileCamera loads the list of .tif/.tiff/.png/.jpg frames in dir, sorted by
// name. mover may be nil, in which case MoveTo only records the location.
func NewFileCamera(name, dir string, upp geometry.Point2D, settle time.Duration, mover Mover) (*FileCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff", ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames in %s", dir)
	}
	sort.Strings(files)

	return &FileCamera{
		name:   name,
		files:  files,
		upp:    upp,
		settle: settle,
		mover:  mover,
		speed:  1.0,
	}, nil
}

// Name returns the camera name.
func (c *FileCamera) Name() string { return c.name }

// UnitsPerPixel returns the mm per pixel of the frames.
func (c *FileCamera) UnitsPerPixel() geometry.Point2D { return c.upp }

// SettleTime returns the delay awaited before each capture.
func (c *FileCamera) SettleTime() time.Duration { return c.settle }

// Location returns the last commanded camera location.
func (c *FileCamera) Location() geometry.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc
}

// MoveTo moves the head so the camera is at loc.
func (c *FileCamera) MoveTo(ctx context.Context, loc geometry.Location) error {
	if c.mover != nil {
		if err := c.mover.MoveTo(ctx, loc, c.speed); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
	return nil
}

// Capture decodes the next frame, cycling through the directory.
func (c *FileCamera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	path := c.files[c.next]
	c.next = (c.next + 1) % len(c.files)
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
