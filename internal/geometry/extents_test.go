/**
 * Extents Model Tests
 *
 * Covers bounding boxes for every primitive kind, the invalid-box
 * contract, and the overlap test used by the clusterer.
 */

package geometry

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"honnef.co/go/curve"
)

func box(x0, y0, x1, y1 float64) Extents {
	return Extents{Min: curve.Pt(x0, y0), Max: curve.Pt(x1, y1)}
}

func TestComputeExtents(t *testing.T) {
	testCases := []struct {
		name string
		prim Primitive
		want Extents
	}{
		{
			name: "segment with reversed endpoints",
			prim: Segment{Start: curve.Pt(5, 10), End: curve.Pt(1, 2)},
			want: box(1, 2, 5, 10),
		},
		{
			name: "circle",
			prim: Circle{Center: curve.Pt(3, 4), Radius: 2},
			want: box(1, 2, 5, 6),
		},
		{
			name: "arc uses full circle box",
			prim: Arc{Center: curve.Pt(0, 0), Radius: 1, StartAngle: 0, EndAngle: math.Pi / 4},
			want: box(-1, -1, 1, 1),
		},
		{
			name: "open polyline",
			prim: Polyline{Vertices: []Point{curve.Pt(0, 0), curve.Pt(4, -2), curve.Pt(2, 7)}},
			want: box(0, -2, 4, 7),
		},
		{
			name: "single vertex polyline is a point box",
			prim: Polyline{Vertices: []Point{curve.Pt(2, 2)}},
			want: box(2, 2, 2, 2),
		},
		{
			name: "pointer primitive",
			prim: &Segment{Start: curve.Pt(0, 0), End: curve.Pt(1, 1)},
			want: box(0, 0, 1, 1),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeExtents(tc.prim)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ComputeExtents() mismatch (-want +got):\n%s", diff)
			}
			if !got.Valid() {
				t.Errorf("expected valid extents, got %+v", got)
			}
		})
	}
}

func TestComputeExtentsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		prim Primitive
	}{
		{"empty polyline", Polyline{}},
		{"negative radius", Circle{Center: curve.Pt(0, 0), Radius: -1}},
		{"NaN radius arc", Arc{Radius: math.NaN()}},
		{"NaN vertex", Polyline{Vertices: []Point{curve.Pt(0, 0), curve.Pt(math.NaN(), 1)}}},
		{"infinite segment", Segment{Start: curve.Pt(0, 0), End: curve.Pt(math.Inf(1), 0)}},
		{"spline without curve", Spline{StartParam: 0, EndParam: 1}},
		{"malformed bspline", Spline{Curve: BSpline{Degree: 3}, EndParam: 1}},
		{"nil primitive", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeExtents(tc.prim)
			if got.Valid() {
				t.Errorf("expected invalid extents, got %+v", got)
			}
			if got.NonDegenerate() {
				t.Errorf("invalid extents reported non-degenerate")
			}
		})
	}
}

func TestSplineExtentsSamplesEndpoints(t *testing.T) {
	s := Spline{
		Curve: curve.CubicBez{
			P0: curve.Pt(0, 0), P1: curve.Pt(0, 10), P2: curve.Pt(10, 10), P3: curve.Pt(10, 0),
		},
		EndParam: 1,
	}
	pts := s.Samples(DefaultSplineSamples)
	if len(pts) != DefaultSplineSamples+1 {
		t.Fatalf("expected %d samples, got %d", DefaultSplineSamples+1, len(pts))
	}

	got := ComputeExtents(s)
	if got.Min.X != 0 || got.Max.X != 10 || got.Min.Y != 0 {
		t.Errorf("unexpected spline extents %+v", got)
	}
	// Peak of this cubic is 7.5 at t=0.5, which is one of the samples.
	if math.Abs(got.Max.Y-7.5) > 1e-9 {
		t.Errorf("expected max Y 7.5, got %v", got.Max.Y)
	}
}

func TestExtentsUnion(t *testing.T) {
	a := box(0, 0, 1, 1)
	b := box(5, -2, 6, 0)

	if diff := cmp.Diff(box(0, -2, 6, 1), a.Union(b)); diff != "" {
		t.Errorf("Union mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(a, a.Union(Empty())); diff != "" {
		t.Errorf("Union with empty changed box (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(b, Empty().Union(b)); diff != "" {
		t.Errorf("empty Union mismatch (-want +got):\n%s", diff)
	}
	if Empty().Union(Empty()).Valid() {
		t.Error("union of two empty boxes should stay invalid")
	}
}

func TestExtentsExpandAndOverlap(t *testing.T) {
	a := box(0, 0, 5, 10)
	b := box(7, 0, 12, 10)

	if a.Overlaps(b) {
		t.Fatal("boxes 2 units apart should not overlap")
	}
	if !a.Expand(2).Overlaps(b) {
		t.Error("expanding by the gap should make touching boxes overlap")
	}
	if a.Expand(1.9).Overlaps(b) {
		t.Error("expanding by less than the gap should not overlap")
	}
	if Empty().Expand(100).Valid() {
		t.Error("expanding an invalid box must keep it invalid")
	}
	if a.Overlaps(Empty()) || Empty().Overlaps(a) {
		t.Error("overlap with an invalid box must be false")
	}
}

func TestNonDegenerate(t *testing.T) {
	if box(1, 1, 1, 1).NonDegenerate() {
		t.Error("point box reported non-degenerate")
	}
	if !box(0, 3, 4, 3).NonDegenerate() {
		t.Error("horizontal segment box is non-degenerate in X")
	}
}

func TestArcSweepAngle(t *testing.T) {
	testCases := []struct {
		name       string
		start, end float64
		want       float64
	}{
		{"forward", 0, math.Pi / 2, math.Pi / 2},
		{"wraps through zero", 3 * math.Pi / 2, math.Pi / 2, math.Pi},
		{"negative angles", -math.Pi / 2, 0, math.Pi / 2},
		{"negative sweep gains a turn", math.Pi, math.Pi / 2, 3 * math.Pi / 2},
		{"full turn forward", 0, 2 * math.Pi, 2 * math.Pi},
		{"full turn backward", 2 * math.Pi, 0, 2 * math.Pi},
		{"equal angles", math.Pi / 3, math.Pi / 3, 0},
		{"more than a turn", 0, 5 * math.Pi / 2, math.Pi / 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Arc{Radius: 1, StartAngle: tc.start, EndAngle: tc.end}.SweepAngle()
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("SweepAngle() = %v, want %v", got, tc.want)
			}
		})
	}
}
