/**
 * Tolerance Estimation
 *
 * Derives the clustering distance threshold from the character-height
 * statistics of the primitive population.
 */

package cluster

import (
	"slices"

	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
)

const (
	// DefaultTolerance is returned when no primitive has a usable height.
	DefaultTolerance = 1.0

	// MedianScale is the canonical k in median(height) * k.
	MedianScale = 0.4

	// MeanScale is k for the whole-cluster policy's mean(height) * k.
	MeanScale = 1.5
)

// Heights returns the heights of all valid extents taller than
// geometry.Epsilon, in input order.
func Heights(extents []geometry.Extents) []float64 {
	heights := make([]float64, 0, len(extents))
	for _, e := range extents {
		if !e.NonDegenerate() {
			continue
		}
		if h := e.Height(); h > geometry.Epsilon {
			heights = append(heights, h)
		}
	}
	return heights
}

// MedianTolerance returns the upper median of the usable heights times
// scale, or DefaultTolerance if there are none. A non-positive scale means
// MedianScale.
func MedianTolerance(extents []geometry.Extents, scale float64) float64 {
	if scale <= 0 {
		scale = MedianScale
	}
	heights := Heights(extents)
	if len(heights) == 0 {
		return DefaultTolerance
	}
	slices.Sort(heights)
	return heights[len(heights)/2] * scale
}

// MeanTolerance returns the mean usable height times scale, or
// DefaultTolerance if there are none. A non-positive scale means MeanScale.
func MeanTolerance(extents []geometry.Extents, scale float64) float64 {
	if scale <= 0 {
		scale = MeanScale
	}
	heights := Heights(extents)
	if len(heights) == 0 {
		return DefaultTolerance
	}
	var sum float64
	for _, h := range heights {
		sum += h
	}
	return sum / float64(len(heights)) * scale
}

// EstimateTolerance is the canonical estimator: median height * 0.4.
func EstimateTolerance(prims []geometry.Primitive) float64 {
	return MedianTolerance(ExtentsOf(prims, geometry.DefaultSplineSamples), MedianScale)
}

// ExtentsOf computes the extents of every primitive once.
func ExtentsOf(prims []geometry.Primitive, splineSamples int) []geometry.Extents {
	out := make([]geometry.Extents, len(prims))
	for i, p := range prims {
		out[i] = geometry.ComputeExtentsN(p, splineSamples)
	}
	return out
}
