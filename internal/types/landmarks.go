package types

import "math"

// Landmark is one model vertex in normalized image coordinates.
// X and Y are in [0,1] relative to frame width and height; Z is a relative depth
// on roughly the same scale as X.
type Landmark struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
}

// Point is a landmark rescaled to pixel space: x by width, y by height, z by width
type Point struct {
	X, Y, Z float64
}

// PointCloud is the ordered vertex list of one detected face in one frame.
// Index i always names the same anatomical vertex for a given model topology.
type PointCloud []Point

// ToPointCloud rescales normalized landmarks to the pixel space of a width x height frame
func ToPointCloud(landmarks []Landmark, width, height int) PointCloud {
	w := float64(width)
	h := float64(height)
	pts := make(PointCloud, len(landmarks))
	for i, lm := range landmarks {
		pts[i] = Point{X: lm.X * w, Y: lm.Y * h, Z: lm.Z * w}
	}
	return pts
}

// Finite reports whether every coordinate of p is a finite number
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) &&
		!math.IsNaN(p.Z) && !math.IsInf(p.Z, 0)
}
