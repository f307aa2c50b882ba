// Package facemetrics turns one face's landmark point cloud into calibrated
// expression metrics.
//
// The calculator is a pure function of (point cloud, region set, calibration): no I/O,
// no state carried between frames. Every ratio is normalized by the distance between
// the eye centres so metrics do not depend on how far the face is from the camera.
package facemetrics

import (
	"errors"
	"fmt"
	"math"

	"github.com/Arfidz12/PCV/internal/regions"
	"github.com/Arfidz12/PCV/internal/types"
)

// epsilon keeps divisions finite when landmarks collapse onto each other
const epsilon = 1e-6

// ErrMalformedCloud is returned by Validate for clouds Compute must not see
var ErrMalformedCloud = errors.New("facemetrics: malformed point cloud")

// Calculator computes FaceMetrics for a fixed region set and calibration
type Calculator struct {
	set regions.Set
	cal Calibration
}

// NewCalculator creates a calculator. The set is copied by value and never mutated.
func NewCalculator(set regions.Set, cal Calibration) *Calculator {
	return &Calculator{set: set, cal: cal}
}

// Calibration returns the constants in use
func (c *Calculator) Calibration() Calibration {
	return c.cal
}

// Validate checks the calculator's region set against pts
func (c *Calculator) Validate(pts types.PointCloud) error {
	return Validate(pts, c.set)
}

// Validate checks the Compute precondition: every region index is inside the cloud
// and every point the calculator reads is finite.
func Validate(pts types.PointCloud, set regions.Set) error {
	if len(pts) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedCloud)
	}
	if max := set.MaxIndex(); max >= len(pts) {
		return fmt.Errorf("%w: %d points, regions need index %d", ErrMalformedCloud, len(pts), max)
	}
	for _, r := range regions.Required {
		for _, idx := range set.Get(r) {
			if idx < 0 || !pts[idx].Finite() {
				return fmt.Errorf("%w: %s vertex %d is not finite", ErrMalformedCloud, r, idx)
			}
		}
	}
	return nil
}

// Compute returns the calibrated metrics of one face.
// The cloud must satisfy Validate; Compute does not re-check it.
func (c *Calculator) Compute(pts types.PointCloud) types.FaceMetrics {
	leftEye := mean(pts, c.set.LeftEye)
	rightEye := mean(pts, c.set.RightEye)
	eyeCenter := midpoint(leftEye, rightEye)
	eyeDist := math.Hypot(leftEye.X-rightEye.X, leftEye.Y-rightEye.Y) + epsilon

	lipsTop, lipsBottom := yRange(pts, c.set.Lips)
	mouthOpen := (lipsBottom - lipsTop) / eyeDist

	leftBrowIdx := c.set.LeftBrow
	if len(leftBrowIdx) == 0 {
		leftBrowIdx = c.set.LeftEye
	}
	rightBrowIdx := c.set.RightBrow
	if len(rightBrowIdx) == 0 {
		rightBrowIdx = c.set.RightEye
	}
	leftBrowRaise := (leftEye.Y - mean(pts, leftBrowIdx).Y) / eyeDist
	rightBrowRaise := (rightEye.Y - mean(pts, rightBrowIdx).Y) / eyeDist

	m := types.FaceMetrics{
		Mouth:    types.Openness{Open: clip(c.cal.Mouth.Apply(mouthOpen), 0, 1)},
		LeftEye:  types.Openness{Open: clip(c.cal.Eye.Apply(eyeAspect(pts, c.set.LeftEye)), 0, 1)},
		RightEye: types.Openness{Open: clip(c.cal.Eye.Apply(eyeAspect(pts, c.set.RightEye)), 0, 1)},
		Brow: types.BrowRaise{
			Left:  clip(c.cal.Brow.Apply(leftBrowRaise), -1, 1),
			Right: clip(c.cal.Brow.Apply(rightBrowRaise), -1, 1),
		},
	}

	if c.cal.HeadPose {
		roll := degrees(math.Atan2(rightEye.Y-leftEye.Y, rightEye.X-leftEye.X))

		nose := eyeCenter
		if len(c.set.Nose) > 0 {
			nose = mean(pts, c.set.Nose)
		}
		limit := c.cal.MaxHeadAngle
		if limit <= 0 {
			limit = DefaultMaxHeadAngle
		}
		m.Head = &types.HeadPose{
			Pitch: clip((eyeCenter.Y-nose.Y)/eyeDist*c.cal.DegreesPerUnit, -limit, limit),
			Yaw:   clip((nose.X-eyeCenter.X)/eyeDist*c.cal.DegreesPerUnit, -limit, limit),
			Roll:  clip(roll, -180, 180),
		}
	}

	if c.cal.IncludeMeta {
		m.Meta = &types.Meta{EyeDist: eyeDist}
	}

	return m
}

// eyeAspect is the bounding-box height/width ratio of an eye region
func eyeAspect(pts types.PointCloud, idx regions.Indices) float64 {
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		p := pts[i]
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	if len(idx) == 0 {
		return 0
	}
	return (maxY - minY) / (maxX - minX + epsilon)
}

func yRange(pts types.PointCloud, idx regions.Indices) (lo, hi float64) {
	if len(idx) == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		lo = math.Min(lo, pts[i].Y)
		hi = math.Max(hi, pts[i].Y)
	}
	return lo, hi
}

func mean(pts types.PointCloud, idx regions.Indices) types.Point {
	var sum types.Point
	if len(idx) == 0 {
		return sum
	}
	for _, i := range idx {
		sum.X += pts[i].X
		sum.Y += pts[i].Y
		sum.Z += pts[i].Z
	}
	n := float64(len(idx))
	return types.Point{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
}

func midpoint(a, b types.Point) types.Point {
	return types.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2, Z: (a.Z + b.Z) / 2}
}

// clip bounds v to [lo, hi]; NaN maps to lo so the range holds for any input
func clip(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
