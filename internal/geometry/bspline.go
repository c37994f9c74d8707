package geometry

import (
	"math"

	"honnef.co/go/curve"
)

// BSpline is a (possibly rational) B-spline as stored by CAD hosts:
// degree p, n control points, n+p+1 knots and optional per-point weights.
// Eval follows de Boor's algorithm in homogeneous coordinates.
type BSpline struct {
	Degree  int
	Knots   []float64
	Control []Point
	Weights []float64
}

// Valid reports whether the definition is internally consistent.
func (b BSpline) Valid() bool {
	n := len(b.Control)
	if b.Degree < 1 || n < b.Degree+1 || len(b.Knots) != n+b.Degree+1 {
		return false
	}
	if len(b.Weights) != 0 && len(b.Weights) != n {
		return false
	}
	for i := 1; i < len(b.Knots); i++ {
		if b.Knots[i] < b.Knots[i-1] {
			return false
		}
	}
	for _, w := range b.Weights {
		if !(w > 0) {
			return false
		}
	}
	return b.Knots[b.Degree] < b.Knots[n]
}

// Domain returns the parameter interval the spline is defined on.
func (b BSpline) Domain() (float64, float64) {
	if !b.Valid() {
		return 0, 0
	}
	return b.Knots[b.Degree], b.Knots[len(b.Control)]
}

// Eval returns the point at parameter t, clamped to the domain. A
// malformed spline evaluates to NaN so that its extents come out invalid.
func (b BSpline) Eval(t float64) Point {
	if !b.Valid() || math.IsNaN(t) {
		return curve.Pt(math.NaN(), math.NaN())
	}
	p, n := b.Degree, len(b.Control)
	lo, hi := b.Knots[p], b.Knots[n]
	t = min(max(t, lo), hi)

	k := p
	for i := p; i < n; i++ {
		if b.Knots[i] <= t && b.Knots[i] < b.Knots[i+1] {
			k = i
		}
	}

	type hpoint struct{ x, y, w float64 }
	d := make([]hpoint, p+1)
	for j := 0; j <= p; j++ {
		c := b.Control[j+k-p]
		w := 1.0
		if len(b.Weights) != 0 {
			w = b.Weights[j+k-p]
		}
		d[j] = hpoint{c.X * w, c.Y * w, w}
	}
	for r := 1; r <= p; r++ {
		for j := p; j >= r; j-- {
			left := b.Knots[j+k-p]
			den := b.Knots[j+1+k-r] - left
			alpha := 0.0
			if den != 0 {
				alpha = (t - left) / den
			}
			d[j] = hpoint{
				x: (1-alpha)*d[j-1].x + alpha*d[j].x,
				y: (1-alpha)*d[j-1].y + alpha*d[j].y,
				w: (1-alpha)*d[j-1].w + alpha*d[j].w,
			}
		}
	}
	return curve.Pt(d[p].x/d[p].w, d[p].y/d[p].w)
}
