package geometry

import (
	"encoding/json"
	"fmt"
	"strings"

	"honnef.co/go/curve"
)

// Snapshot is a decoded read-only batch of drawable primitives, in the
// order the host listed them.
type Snapshot struct {
	DrawingID  string
	Primitives []Primitive
	// Skipped counts entities whose type is not a recognized primitive.
	Skipped      int
	SkippedTypes map[string]int
}

type wirePoint [2]float64

func (p wirePoint) point() Point { return curve.Pt(p[0], p[1]) }

type wireEntity struct {
	Type string `json:"type"`

	Start *wirePoint `json:"start,omitempty"`
	End   *wirePoint `json:"end,omitempty"`

	Center     *wirePoint `json:"center,omitempty"`
	Radius     float64    `json:"radius,omitempty"`
	StartAngle float64    `json:"startAngle,omitempty"`
	EndAngle   float64    `json:"endAngle,omitempty"`

	Vertices []wirePoint `json:"vertices,omitempty"`
	Closed   bool        `json:"closed,omitempty"`

	Degree        int         `json:"degree,omitempty"`
	Knots         []float64   `json:"knots,omitempty"`
	ControlPoints []wirePoint `json:"controlPoints,omitempty"`
	Weights       []float64   `json:"weights,omitempty"`
	StartParam    *float64    `json:"startParam,omitempty"`
	EndParam      *float64    `json:"endParam,omitempty"`
}

type wireSnapshot struct {
	DrawingID string       `json:"drawingId,omitempty"`
	Entities  []wireEntity `json:"entities"`
}

// DecodeSnapshot parses the JSON entity snapshot:
//
//	{"drawingId": "...", "entities": [{"type": "segment", "start": [0,0], "end": [0,10]}, ...]}
//
// Accepted types are segment (alias line), arc, circle, polyline (alias
// lwpolyline) and spline. Anything else is counted in Skipped. Malformed
// geometry of an accepted type is kept; its extents come out invalid.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var ws wireSnapshot
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to decode drawing snapshot: %w", err)
	}

	snap := &Snapshot{
		DrawingID:    ws.DrawingID,
		Primitives:   make([]Primitive, 0, len(ws.Entities)),
		SkippedTypes: map[string]int{},
	}
	for i, we := range ws.Entities {
		p, ok, err := we.primitive()
		if err != nil {
			return nil, fmt.Errorf("entity %d (%s): %w", i, we.Type, err)
		}
		if !ok {
			snap.Skipped++
			snap.SkippedTypes[strings.ToLower(we.Type)]++
			continue
		}
		snap.Primitives = append(snap.Primitives, p)
	}
	return snap, nil
}

func (we wireEntity) primitive() (Primitive, bool, error) {
	switch strings.ToLower(we.Type) {
	case "segment", "line":
		if we.Start == nil || we.End == nil {
			return nil, false, fmt.Errorf("segment requires start and end")
		}
		return Segment{Start: we.Start.point(), End: we.End.point()}, true, nil

	case "circle":
		if we.Center == nil {
			return nil, false, fmt.Errorf("circle requires center")
		}
		return Circle{Center: we.Center.point(), Radius: we.Radius}, true, nil

	case "arc":
		if we.Center == nil {
			return nil, false, fmt.Errorf("arc requires center")
		}
		return Arc{
			Center:     we.Center.point(),
			Radius:     we.Radius,
			StartAngle: we.StartAngle,
			EndAngle:   we.EndAngle,
		}, true, nil

	case "polyline", "lwpolyline":
		verts := make([]Point, len(we.Vertices))
		for i, v := range we.Vertices {
			verts[i] = v.point()
		}
		return Polyline{Vertices: verts, Closed: we.Closed}, true, nil

	case "spline":
		return we.spline(), true, nil

	default:
		return nil, false, nil
	}
}

// spline builds a Spline from either a full B-spline definition or, when
// no knots are given, four Bézier control points.
func (we wireEntity) spline() Spline {
	ctrl := make([]Point, len(we.ControlPoints))
	for i, c := range we.ControlPoints {
		ctrl[i] = c.point()
	}

	var s Spline
	if len(we.Knots) == 0 && len(ctrl) == 4 {
		s = Spline{
			Curve:    curve.CubicBez{P0: ctrl[0], P1: ctrl[1], P2: ctrl[2], P3: ctrl[3]},
			EndParam: 1,
		}
	} else {
		bs := BSpline{Degree: we.Degree, Knots: we.Knots, Control: ctrl, Weights: we.Weights}
		lo, hi := bs.Domain()
		s = Spline{Curve: bs, StartParam: lo, EndParam: hi}
	}
	if we.StartParam != nil {
		s.StartParam = *we.StartParam
	}
	if we.EndParam != nil {
		s.EndParam = *we.EndParam
	}
	return s
}
