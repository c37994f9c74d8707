/**
 * Line Assembly
 *
 * Orders classified glyphs into text lines: rows are quantized by the
 * clustering tolerance, read top to bottom, left to right, and a space is
 * inserted wherever the horizontal gap exceeds 40% of the glyph width.
 */

package layout

import (
	"math"
	"slices"
	"strings"

	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
)

// SpaceGapRatio is the gap-to-width ratio above which a space is inserted.
const SpaceGapRatio = 0.4

// Glyph is one classified cluster
type Glyph struct {
	Extents geometry.Extents
	Text    string
}

// Line is one recognized line of text. Anchor is the leftmost glyph's
// minimum corner; the drawing plane has no Z so it is implicitly zero.
type Line struct {
	Text   string         `json:"text"`
	Anchor geometry.Point `json:"anchor"`
	Height float64        `json:"height"`
	Glyphs []Glyph        `json:"-"`
}

// Row returns the quantized row key for a glyph. Halves round to even.
func Row(g Glyph, tolerance float64) int64 {
	return int64(math.RoundToEven(g.Extents.Min.Y / tolerance))
}

// Usable reports whether a glyph takes part in assembly.
func Usable(g Glyph) bool {
	return g.Extents.Valid() && strings.TrimSpace(g.Text) != ""
}

// Assemble groups glyphs into lines ordered top to bottom. Glyphs with
// blank text or invalid extents are dropped. A non-positive tolerance
// quantizes with 1.
func Assemble(glyphs []Glyph, tolerance float64) []Line {
	if !(tolerance > 0) {
		tolerance = 1
	}

	type keyed struct {
		row int64
		g   Glyph
	}
	items := make([]keyed, 0, len(glyphs))
	for _, g := range glyphs {
		if Usable(g) {
			items = append(items, keyed{row: Row(g, tolerance), g: g})
		}
	}

	slices.SortStableFunc(items, func(a, b keyed) int {
		switch {
		case a.row != b.row:
			if a.row > b.row {
				return -1
			}
			return 1
		case a.g.Extents.Min.X < b.g.Extents.Min.X:
			return -1
		case a.g.Extents.Min.X > b.g.Extents.Min.X:
			return 1
		}
		return 0
	})

	var lines []Line
	for start := 0; start < len(items); {
		end := start + 1
		for end < len(items) && items[end].row == items[start].row {
			end++
		}
		row := make([]Glyph, 0, end-start)
		for _, it := range items[start:end] {
			row = append(row, it.g)
		}
		lines = append(lines, buildLine(row))
		start = end
	}
	return lines
}

func buildLine(row []Glyph) Line {
	var sb strings.Builder
	var heights float64
	for i, g := range row {
		sb.WriteString(g.Text)
		heights += g.Extents.Height()
		if i+1 < len(row) && NeedsSpace(g, row[i+1]) {
			sb.WriteByte(' ')
		}
	}
	return Line{
		Text:   sb.String(),
		Anchor: row[0].Extents.Min,
		Height: heights / float64(len(row)),
		Glyphs: row,
	}
}

// NeedsSpace reports whether the gap between cur and next is wider than
// SpaceGapRatio times cur's width.
func NeedsSpace(cur, next Glyph) bool {
	gap := next.Extents.Min.X - cur.Extents.Max.X
	return gap > SpaceGapRatio*cur.Extents.Width()
}

// Text joins line texts with newlines.
func Text(lines []Line) string {
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	return strings.Join(texts, "\n")
}
