package sprocket

import (
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"pnp-feeder/pkg/geometry"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Line is a candidate line of sprocket holes.
type Line struct {
	Point    geometry.Point2D // centroid of the inliers
	Unit     geometry.Point2D // direction, unit length
	Inliers  []int            // indices into the fitted point set
	Length   float64          // extent of the inlier segment along the line
	Residual float64          // mean orthogonal distance of the inliers
	Spread   float64          // standard deviation of the orthogonal distances
}

// Distance returns the orthogonal distance from p to the line.
func (l Line) Distance(p geometry.Point2D) float64 {
	return math.Abs(toR2(l.Unit).Cross(toR2(p).Sub(toR2(l.Point))))
}

// Project returns the signed position of p along the line, relative to Point.
func (l Line) Project(p geometry.Point2D) float64 {
	return toR2(l.Unit).Dot(toR2(p).Sub(toR2(l.Point)))
}

// FitLines finds lines of regularly spaced points using RANSAC over point
// pairs. Only pairs one pitch apart within tol (neighbouring holes) seed a
// line. A point is an inlier if it is within tol of the line and sits on the
// pitch grid within tol. Lines are returned longest segment first.
func FitLines(points []geometry.Point2D, pitch, tol float64, iterations int, rng *rand.Rand) []Line {
	n := len(points)
	if n < 2 || pitch <= 0 {
		return nil
	}

	pts := make([]r2.Point, n)
	for i, p := range points {
		pts[i] = toR2(p)
	}

	seen := make(map[string]bool)
	var lines []Line

	try := func(i, j int) {
		d := pts[j].Sub(pts[i])
		dist := d.Norm()
		if math.Abs(dist-pitch) > tol {
			return
		}
		unit := d.Mul(1 / dist)

		var inliers []int
		for idx, p := range pts {
			v := p.Sub(pts[i])
			if math.Abs(unit.Cross(v)) > tol {
				continue
			}
			t := unit.Dot(v)
			if math.Abs(t-math.Round(t/pitch)*pitch) > tol {
				continue
			}
			inliers = append(inliers, idx)
		}
		if len(inliers) < 2 {
			return
		}
		key := inlierKey(inliers)
		if seen[key] {
			return
		}
		seen[key] = true
		lines = append(lines, refineLine(pts, inliers, unit))
	}

	pairs := n * (n - 1) / 2
	if pairs <= iterations || rng == nil {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				try(i, j)
			}
		}
	} else {
		for iter := 0; iter < iterations; iter++ {
			i := rng.Intn(n)
			j := rng.Intn(n - 1)
			if j >= i {
				j++
			}
			try(i, j)
		}
	}

	sort.SliceStable(lines, func(a, b int) bool {
		if lines[a].Length != lines[b].Length {
			return lines[a].Length > lines[b].Length
		}
		return len(lines[a].Inliers) > len(lines[b].Inliers)
	})
	return lines
}

// refineLine fits the inliers with total least squares. The direction is the
// principal axis of the centred inliers, oriented like the seed direction.
func refineLine(pts []r2.Point, inliers []int, seed r2.Point) Line {
	var c r2.Point
	for _, idx := range inliers {
		c = c.Add(pts[idx])
	}
	c = c.Mul(1 / float64(len(inliers)))

	data := make([]float64, 0, 2*len(inliers))
	for _, idx := range inliers {
		v := pts[idx].Sub(c)
		data = append(data, v.X, v.Y)
	}

	dir := seed
	var svd mat.SVD
	if svd.Factorize(mat.NewDense(len(inliers), 2, data), mat.SVDThin) {
		var v mat.Dense
		svd.VTo(&v)
		cand := r2.Point{X: v.At(0, 0), Y: v.At(1, 0)}
		if n := cand.Norm(); n > 0 && !math.IsNaN(n) {
			dir = cand.Mul(1 / n)
		}
	}
	if dir.Dot(seed) < 0 {
		dir = dir.Mul(-1)
	}

	line := Line{
		Point:   fromR2(c),
		Unit:    fromR2(dir),
		Inliers: inliers,
	}

	residuals := make([]float64, len(inliers))
	minT, maxT := math.Inf(1), math.Inf(-1)
	for i, idx := range inliers {
		v := pts[idx].Sub(c)
		residuals[i] = math.Abs(dir.Cross(v))
		t := dir.Dot(v)
		minT = math.Min(minT, t)
		maxT = math.Max(maxT, t)
	}
	line.Length = maxT - minT
	line.Residual, line.Spread = stat.MeanStdDev(residuals, nil)
	if math.IsNaN(line.Spread) {
		line.Spread = 0
	}
	return line
}

func inlierKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func toR2(p geometry.Point2D) r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

func fromR2(p r2.Point) geometry.Point2D {
	return geometry.Point2D{X: p.X, Y: p.Y}
}
