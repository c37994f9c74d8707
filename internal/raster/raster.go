/**
 * Glyph Rasterizer
 *
 * Renders one cluster's primitives into a padded square bitmap:
 * - Placement transform from drawing space (Y up) to pixels (Y down)
 * - Anti-aliased black strokes on white
 * - PNG encoding for the classifier and a downsampled feature vector
 */

package raster

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/gogpu/gg"
	"golang.org/x/image/draw"
	"honnef.co/go/curve"

	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
)

const (
	// MinSize is the smallest bitmap edge in pixels.
	MinSize = 20

	// PaddingRatio is the margin around the glyph as a fraction of its
	// larger dimension.
	PaddingRatio = 0.2

	// PenDivisor sets the stroke width to size/PenDivisor, at least 1px.
	PenDivisor = 50

	// FeatureSize is the edge of the downsampled feature grid.
	FeatureSize = 32

	// DefaultMaxSize caps the bitmap edge when Rasterizer.MaxSize is unset.
	DefaultMaxSize = 2048
)

// ErrDegenerateExtents is returned for clusters whose box is invalid or
// thinner than geometry.Epsilon on either axis.
var ErrDegenerateExtents = errors.New("cluster extents are invalid or degenerate")

// ErrOversizedCluster is returned for clusters whose bitmap edge would
// exceed the rasterizer's MaxSize, such as drawing frames.
var ErrOversizedCluster = errors.New("cluster is too large to rasterize")

// Placement maps a cluster's drawing-space box onto a square bitmap.
type Placement struct {
	Size      int
	Padding   float64
	PenWidth  float64
	Transform curve.Affine
}

// Place computes the bitmap size and drawing-to-pixel transform for
// extents. One drawing unit maps to one pixel; the Y axis is flipped so
// larger drawing Y appears higher in the image.
func Place(ext geometry.Extents) (Placement, error) {
	if !ext.Valid() || ext.Width() < geometry.Epsilon || ext.Height() < geometry.Epsilon {
		return Placement{}, ErrDegenerateExtents
	}

	span := max(ext.Width(), ext.Height())
	pad := PaddingRatio * span
	size := MinSize
	if edge := math.Ceil(span + 2*pad); edge > math.MaxInt32 {
		size = math.MaxInt32
	} else if edge > MinSize {
		size = int(edge)
	}

	origin := curve.Vec(-(ext.Min.X - pad), -(ext.Min.Y - pad))
	aff := curve.Translate(origin).
		ThenScale(1, -1).
		ThenTranslate(curve.Vec(0, float64(size)))

	return Placement{
		Size:      size,
		Padding:   pad,
		PenWidth:  max(1, float64(size)/PenDivisor),
		Transform: aff,
	}, nil
}

// Bitmap is one rendered glyph candidate. Call Close once the classifier
// is done with it.
type Bitmap struct {
	Placement
	Extents geometry.Extents

	ctx *gg.Context
	img image.Image
}

// Image returns the rendered pixels.
func (b *Bitmap) Image() image.Image { return b.img }

// EncodePNG writes the bitmap as PNG.
func (b *Bitmap) EncodePNG(w io.Writer) error {
	return b.ctx.EncodePNG(w)
}

// Features downsamples the bitmap to an n×n grid of ink coverage in
// [0, 1], row-major from the top-left.
func (b *Bitmap) Features(n int) []float32 {
	if n <= 0 {
		n = FeatureSize
	}
	gray := image.NewGray(image.Rect(0, 0, n, n))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), b.img, b.img.Bounds(), draw.Src, nil)

	out := make([]float32, n*n)
	for i, v := range gray.Pix {
		out[i] = 1 - float32(v)/255
	}
	return out
}

// Close releases the drawing context.
func (b *Bitmap) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Close()
	b.ctx = nil
	return err
}

// Rasterizer renders clusters. The zero value samples splines with
// geometry.DefaultSplineSamples and caps bitmaps at DefaultMaxSize.
type Rasterizer struct {
	SplineSamples int
	MaxSize       int
}

func (r Rasterizer) maxSize() int {
	if r.MaxSize > 0 {
		return r.MaxSize
	}
	return DefaultMaxSize
}

// Render draws prims inside the box ext. Primitives whose own geometry is
// unusable are skipped; degenerate ones (such as zero-length segments)
// are still stroked.
func (r Rasterizer) Render(prims []geometry.Primitive, ext geometry.Extents) (*Bitmap, error) {
	pl, err := Place(ext)
	if err != nil {
		return nil, err
	}
	if limit := r.maxSize(); pl.Size > limit {
		return nil, fmt.Errorf("%w: %dpx exceeds %dpx", ErrOversizedCluster, pl.Size, limit)
	}

	ctx := gg.NewContext(pl.Size, pl.Size)
	ctx.ClearWithColor(gg.White)
	ctx.SetRGB(0, 0, 0)
	ctx.SetLineWidth(pl.PenWidth)
	ctx.SetLineCap(gg.LineCapRound)
	ctx.SetLineJoin(gg.LineJoinRound)

	samples := r.SplineSamples
	if samples <= 0 {
		samples = geometry.DefaultSplineSamples
	}
	for i, p := range prims {
		if !geometry.ComputeExtentsN(p, samples).Valid() {
			continue
		}
		if !stroke(ctx, p, pl.Transform, samples) {
			continue
		}
		if err := ctx.Stroke(); err != nil {
			ctx.Close()
			return nil, fmt.Errorf("failed to stroke primitive %d (%s): %w", i, p.Kind(), err)
		}
	}

	return &Bitmap{
		Placement: pl,
		Extents:   ext,
		ctx:       ctx,
		img:       ctx.Image(),
	}, nil
}

// stroke adds p's outline to the current path and reports whether
// anything was added. Each primitive is stroked on its own so that arcs
// start a fresh subpath.
func stroke(ctx *gg.Context, p geometry.Primitive, aff curve.Affine, samples int) bool {
	switch v := p.(type) {
	case *geometry.Segment:
		return stroke(ctx, *v, aff, samples)
	case *geometry.Arc:
		return stroke(ctx, *v, aff, samples)
	case *geometry.Circle:
		return stroke(ctx, *v, aff, samples)
	case *geometry.Polyline:
		return stroke(ctx, *v, aff, samples)
	case *geometry.Spline:
		return stroke(ctx, *v, aff, samples)

	case geometry.Segment:
		a, b := v.Start.Transform(aff), v.End.Transform(aff)
		ctx.DrawLine(a.X, a.Y, b.X, b.Y)
		return true

	case geometry.Circle:
		c := v.Center.Transform(aff)
		ctx.DrawCircle(c.X, c.Y, v.Radius)
		return true

	case geometry.Arc:
		sweep := v.SweepAngle()
		if sweep == 0 {
			return false
		}
		c := v.Center.Transform(aff)
		if sweep >= 2*math.Pi {
			ctx.DrawCircle(c.X, c.Y, v.Radius)
			return true
		}
		// Flipping Y mirrors angles, so the counter-clockwise sweep
		// [s, s+w] becomes [-(s+w), -s] in pixel space.
		ctx.DrawArc(c.X, c.Y, v.Radius, -(v.StartAngle + sweep), -v.StartAngle)
		return true

	case geometry.Polyline:
		return polyline(ctx, v.Vertices, v.Closed, aff)

	case geometry.Spline:
		return polyline(ctx, v.Samples(samples), false, aff)

	default:
		return false
	}
}

func polyline(ctx *gg.Context, pts []geometry.Point, closed bool, aff curve.Affine) bool {
	path := pathPoints(pts, closed)
	if len(path) < 2 {
		return false
	}
	first := path[0].Transform(aff)
	ctx.MoveTo(first.X, first.Y)
	for _, pt := range path[1:] {
		q := pt.Transform(aff)
		ctx.LineTo(q.X, q.Y)
	}
	return true
}

// pathPoints returns the vertices to connect in order. A closed polyline
// with more than two vertices returns to its first vertex.
func pathPoints(pts []geometry.Point, closed bool) []geometry.Point {
	if len(pts) < 2 {
		return nil
	}
	if !closed || len(pts) == 2 {
		return pts
	}
	out := make([]geometry.Point, 0, len(pts)+1)
	out = append(out, pts...)
	return append(out, pts[0])
}
