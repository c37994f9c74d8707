/**
 * Drawing Primitives
 *
 * Closed set of vector shapes that can be extracted from a host drawing
 * and reassembled into text. Primitives are immutable once decoded.
 */

package geometry

import (
	"fmt"
	"math"

	"honnef.co/go/curve"
)

// Point is a drawing-space coordinate (Y grows upwards).
type Point = curve.Point

// DefaultSplineSamples is the number of parameter intervals used when a
// spline is reduced to a polyline, for both extents and rendering.
const DefaultSplineSamples = 20

// Kind identifies the concrete shape behind a Primitive
type Kind int

const (
	KindSegment Kind = iota + 1
	KindArc
	KindCircle
	KindPolyline
	KindSpline
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindArc:
		return "arc"
	case KindCircle:
		return "circle"
	case KindPolyline:
		return "polyline"
	case KindSpline:
		return "spline"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Primitive is one atomic vector shape. The set of implementations is
// closed: Segment, Arc, Circle, Polyline and Spline.
type Primitive interface {
	Kind() Kind
	primitive()
}

// Segment is a straight line between two points
type Segment struct {
	Start Point
	End   Point
}

// Arc is a circular arc. Angles are in radians, measured counter-clockwise
// from the positive X axis; the arc runs from StartAngle to EndAngle.
type Arc struct {
	Center     Point
	Radius     float64
	StartAngle float64
	EndAngle   float64
}

// Circle is a full circle
type Circle struct {
	Center Point
	Radius float64
}

// Polyline is an ordered vertex sequence, optionally closed.
type Polyline struct {
	Vertices []Point
	Closed   bool
}

// Sampler evaluates a parametric curve. Any curve.ParametricCurve
// (CubicBez, QuadBez, Line) satisfies it, as does BSpline.
type Sampler interface {
	Eval(t float64) Point
}

// Spline is a parametric curve restricted to [StartParam, EndParam].
type Spline struct {
	Curve      Sampler
	StartParam float64
	EndParam   float64
}

func (Segment) Kind() Kind  { return KindSegment }
func (Arc) Kind() Kind      { return KindArc }
func (Circle) Kind() Kind   { return KindCircle }
func (Polyline) Kind() Kind { return KindPolyline }
func (Spline) Kind() Kind   { return KindSpline }

func (Segment) primitive()  {}
func (Arc) primitive()      {}
func (Circle) primitive()   {}
func (Polyline) primitive() {}
func (Spline) primitive()   {}

// SweepAngle returns the counter-clockwise sweep from StartAngle to
// EndAngle in (0, 2π]. A negative difference gains a full turn, so a
// difference that is a nonzero multiple of 2π is a full circle. Equal
// angles sweep nothing and return 0.
func (a Arc) SweepAngle() float64 {
	d := a.EndAngle - a.StartAngle
	if d == 0 {
		return 0
	}
	sweep := math.Mod(d, 2*pi)
	if sweep < 0 {
		sweep += 2 * pi
	}
	if sweep == 0 {
		sweep = 2 * pi
	}
	return sweep
}

// Samples evaluates the spline at n+1 evenly spaced parameters covering
// [StartParam, EndParam] inclusive. It returns nil when the spline has no
// curve or n is not positive.
func (s Spline) Samples(n int) []Point {
	if s.Curve == nil || n <= 0 {
		return nil
	}
	pts := make([]Point, 0, n+1)
	span := s.EndParam - s.StartParam
	for i := 0; i <= n; i++ {
		t := s.StartParam + span*float64(i)/float64(n)
		pts = append(pts, s.Curve.Eval(t))
	}
	return pts
}
