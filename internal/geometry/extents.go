package geometry

import (
	"math"

	"honnef.co/go/curve"
)

const pi = math.Pi

// Epsilon is the size below which a box dimension counts as zero.
const Epsilon = 1e-6

// Extents is an axis-aligned bounding box. An Extents is valid when
// Min <= Max on both axes and all coordinates are finite; invalid boxes
// never take part in tolerance or clustering math.
//
// The zero value is a valid point box at the origin. Use Empty for a box
// that contains nothing.
type Extents struct {
	Min Point
	Max Point
}

// Empty returns the invalid box that is the identity for Union.
func Empty() Extents {
	return Extents{
		Min: curve.Pt(math.Inf(1), math.Inf(1)),
		Max: curve.Pt(math.Inf(-1), math.Inf(-1)),
	}
}

// FromRect converts a curve.Rect, normalizing its corners.
func FromRect(r curve.Rect) Extents {
	return Extents{
		Min: curve.Pt(r.MinX(), r.MinY()),
		Max: curve.Pt(r.MaxX(), r.MaxY()),
	}
}

// Rect returns the box as a curve.Rect.
func (e Extents) Rect() curve.Rect {
	return curve.Rect{X0: e.Min.X, Y0: e.Min.Y, X1: e.Max.X, Y1: e.Max.Y}
}

// Valid reports whether the box is well formed.
func (e Extents) Valid() bool {
	if !finite(e.Min.X) || !finite(e.Min.Y) || !finite(e.Max.X) || !finite(e.Max.Y) {
		return false
	}
	return e.Min.X <= e.Max.X && e.Min.Y <= e.Max.Y
}

// NonDegenerate reports whether the box is valid and strictly wider or
// taller than a point.
func (e Extents) NonDegenerate() bool {
	return e.Valid() && (e.Min.X < e.Max.X || e.Min.Y < e.Max.Y)
}

func (e Extents) Width() float64  { return e.Max.X - e.Min.X }
func (e Extents) Height() float64 { return e.Max.Y - e.Min.Y }

// Union returns the smallest box enclosing both. Invalid operands are
// ignored, so Union of two invalid boxes is invalid.
func (e Extents) Union(o Extents) Extents {
	switch {
	case !o.Valid():
		return e
	case !e.Valid():
		return o
	}
	return FromRect(e.Rect().Union(o.Rect()))
}

// AddPoint grows the box to include pt. Starting from Empty, a series of
// AddPoint calls yields the points' enclosing box.
func (e Extents) AddPoint(pt Point) Extents {
	if !e.Valid() {
		if math.IsInf(e.Min.X, 1) && math.IsInf(e.Max.X, -1) {
			return Extents{Min: pt, Max: pt}
		}
		return e
	}
	return FromRect(e.Rect().UnionPoint(pt))
}

// Expand grows the box outward by d on both axes. Invalid boxes stay
// invalid.
func (e Extents) Expand(d float64) Extents {
	if !e.Valid() {
		return Empty()
	}
	return FromRect(e.Rect().Inflate(d, d))
}

// Overlaps is the closed AABB intersection test. It is false when either
// box is invalid.
func (e Extents) Overlaps(o Extents) bool {
	if !e.Valid() || !o.Valid() {
		return false
	}
	return e.Min.X <= o.Max.X && e.Max.X >= o.Min.X &&
		e.Min.Y <= o.Max.Y && e.Max.Y >= o.Min.Y
}

// ComputeExtents returns the bounding box of a primitive, or an invalid box
// when its geometry is malformed. Arcs use the full circle's box.
func ComputeExtents(p Primitive) Extents {
	return ComputeExtentsN(p, DefaultSplineSamples)
}

// ComputeExtentsN is ComputeExtents with an explicit spline sample count.
func ComputeExtentsN(p Primitive, splineSamples int) Extents {
	switch v := p.(type) {
	case Segment:
		return checked(FromRect(curve.NewRectFromPoints(v.Start, v.End)))
	case *Segment:
		return ComputeExtentsN(*v, splineSamples)
	case Circle:
		return circleExtents(v.Center, v.Radius)
	case *Circle:
		return ComputeExtentsN(*v, splineSamples)
	case Arc:
		return circleExtents(v.Center, v.Radius)
	case *Arc:
		return ComputeExtentsN(*v, splineSamples)
	case Polyline:
		return pointsExtents(v.Vertices)
	case *Polyline:
		return ComputeExtentsN(*v, splineSamples)
	case Spline:
		return pointsExtents(v.Samples(splineSamples))
	case *Spline:
		return ComputeExtentsN(*v, splineSamples)
	default:
		return Empty()
	}
}

func circleExtents(center Point, radius float64) Extents {
	if !(radius >= 0) {
		return Empty()
	}
	return checked(FromRect(curve.Circle{Center: center, Radius: radius}.BoundingBox()))
}

func pointsExtents(pts []Point) Extents {
	if len(pts) == 0 {
		return Empty()
	}
	e := Empty()
	for _, pt := range pts {
		if !finite(pt.X) || !finite(pt.Y) {
			return Empty()
		}
		e = e.AddPoint(pt)
	}
	return e
}

func checked(e Extents) Extents {
	if !e.Valid() {
		return Empty()
	}
	return e
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
