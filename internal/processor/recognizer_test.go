package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"honnef.co/go/curve"

	"github.com/adverant/nexus/vectortext-worker/internal/cluster"
	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/ocr"
	"github.com/adverant/nexus/vectortext-worker/internal/raster"
	"github.com/adverant/nexus/vectortext-worker/internal/storage"
)

// fakeEngine answers by the left edge of each bitmap's extents.
type fakeEngine struct {
	openErr  error
	texts    map[float64]string
	errs     map[float64]error
	onClass  func()
	opened   int
	closed   int
	classify int
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Open(ctx context.Context) (ocr.Session, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.opened++
	return &fakeSession{e: e}, nil
}

type fakeSession struct{ e *fakeEngine }

func (s *fakeSession) Classify(ctx context.Context, bm *raster.Bitmap) (ocr.Prediction, error) {
	s.e.classify++
	if s.e.onClass != nil {
		s.e.onClass()
	}
	x := bm.Extents.Min.X
	if err := s.e.errs[x]; err != nil {
		return ocr.Prediction{}, err
	}
	return ocr.Prediction{Text: s.e.texts[x], Confidence: 0.9}, nil
}

func (s *fakeSession) Close() error {
	s.e.closed++
	return nil
}

// glyphBox is an "L" shaped polyline filling (x,y)-(x+5,y+10).
func glyphBox(x, y float64) geometry.Primitive {
	return geometry.Polyline{Vertices: []geometry.Point{
		curve.Pt(x, y+10), curve.Pt(x, y), curve.Pt(x+5, y),
	}}
}

func newTestRecognizer(t *testing.T, e ocr.Engine) *Recognizer {
	t.Helper()
	r, err := NewRecognizer(RecognizerConfig{
		Engine: e,
		Logger: logging.NewLoggerTo(io.Discard, "test"),
	})
	if err != nil {
		t.Fatalf("NewRecognizer() error: %v", err)
	}
	return r
}

func TestRecognizeSkipsEmptyClassification(t *testing.T) {
	var prims []geometry.Primitive
	for i := 0; i < 5; i++ {
		prims = append(prims, glyphBox(float64(i*20), 0))
	}
	e := &fakeEngine{texts: map[float64]string{0: "A", 20: "B", 40: "  ", 60: "D", 80: "E"}}

	res, err := newTestRecognizer(t, e).Recognize(context.Background(), prims)
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}

	if res.Report.Glyphs != 4 || res.Report.EmptyClassifications != 1 {
		t.Errorf("report = %+v, want 4 glyphs and 1 empty", res.Report)
	}
	if got := res.Text(); got != "A B D E" {
		t.Errorf("Text() = %q, want %q", got, "A B D E")
	}
	if e.opened != 1 || e.closed != 1 {
		t.Errorf("session opened %d closed %d, want 1/1", e.opened, e.closed)
	}
	if diff := cmp.Diff([]float64{0.9}, res.LineConfidence, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("LineConfidence mismatch (-want +got):\n%s", diff)
	}
}

func TestRecognizeToleratesDegeneratePrimitives(t *testing.T) {
	prims := []geometry.Primitive{
		glyphBox(0, 0),
		geometry.Segment{Start: curve.Pt(1, 5), End: curve.Pt(3, 5)},
		glyphBox(20, 0),
		geometry.Segment{Start: curve.Pt(100, 50), End: curve.Pt(110, 50)},
		geometry.Circle{Center: curve.Pt(200, 200), Radius: -1},
	}
	e := &fakeEngine{texts: map[float64]string{0: "A", 20: "B"}}

	res, err := newTestRecognizer(t, e).Recognize(context.Background(), prims)
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}

	if res.Tolerance != 4 {
		t.Errorf("Tolerance = %v, want 4", res.Tolerance)
	}
	want := Report{
		Primitives:        5,
		InvalidPrimitives: 1,
		Clusters:          4,
		RejectedClusters:  2,
		Glyphs:            2,
		Lines:             1,
	}
	got := res.Report
	got.Duration = 0
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if res.Glyphs[0].Members != 2 {
		t.Errorf("first glyph has %d members, want 2", res.Glyphs[0].Members)
	}
	if e.classify != 2 {
		t.Errorf("classifier called %d times, want 2", e.classify)
	}
}

func TestRecognizeResourceErrorAborts(t *testing.T) {
	e := &fakeEngine{openErr: fmt.Errorf("%w: /data/eng.traineddata not found", ocr.ErrResourceUnavailable)}

	res, err := newTestRecognizer(t, e).Recognize(context.Background(), []geometry.Primitive{glyphBox(0, 0)})
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if !errors.Is(err, ocr.ErrResourceUnavailable) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if !strings.Contains(err.Error(), "/data/eng.traineddata") {
		t.Errorf("error %q does not name the missing file", err)
	}
	if e.classify != 0 {
		t.Errorf("classifier called %d times", e.classify)
	}
}

func TestRecognizeClassificationErrors(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{"malformed bitmap", errors.New("bad image"), false},
		{"engine lost data", fmt.Errorf("%w: gone", ocr.ErrResourceUnavailable), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := &fakeEngine{
				texts: map[float64]string{20: "B"},
				errs:  map[float64]error{0: tc.err},
			}
			prims := []geometry.Primitive{glyphBox(0, 0), glyphBox(20, 0)}
			res, err := newTestRecognizer(t, e).Recognize(context.Background(), prims)

			if tc.wantFatal {
				if err == nil || res != nil {
					t.Fatalf("expected fatal error, got %v / %+v", err, res)
				}
				return
			}
			if err != nil {
				t.Fatalf("Recognize() error: %v", err)
			}
			if res.Report.FailedClassifications != 1 || res.Text() != "B" {
				t.Errorf("got text %q report %+v", res.Text(), res.Report)
			}
		})
	}
}

func TestRecognizeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := &fakeEngine{texts: map[float64]string{0: "A", 20: "B"}, onClass: cancel}

	prims := []geometry.Primitive{glyphBox(0, 0), glyphBox(20, 0), glyphBox(40, 0)}
	_, err := newTestRecognizer(t, e).Recognize(ctx, prims)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if e.classify != 1 {
		t.Errorf("classifier called %d times, want 1", e.classify)
	}
	if e.closed != 1 {
		t.Errorf("session not closed")
	}
}

func TestRecognizeLimitsAndHooks(t *testing.T) {
	e := &fakeEngine{texts: map[float64]string{0: "A", 40: "B"}}
	r, err := NewRecognizer(RecognizerConfig{
		Engine:        e,
		Policy:        cluster.WholeClusterPolicy{},
		MaxPrimitives: 2,
		Logger:        logging.NewLoggerTo(io.Discard, "test"),
	})
	if err != nil {
		t.Fatalf("NewRecognizer() error: %v", err)
	}

	var features [][]float32
	hooked := r.WithGlyphHook(func(ctx context.Context, s GlyphSample) {
		features = append(features, s.Bitmap.Features(0))
	})

	res, err := hooked.Recognize(context.Background(), []geometry.Primitive{glyphBox(0, 0), glyphBox(40, 0)})
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if res.Policy != cluster.PolicyWholeCluster {
		t.Errorf("Policy = %q", res.Policy)
	}
	if len(features) != 2 || len(features[0]) != raster.FeatureSize*raster.FeatureSize {
		t.Errorf("hook saw %d samples", len(features))
	}

	_, err = r.Recognize(context.Background(), []geometry.Primitive{glyphBox(0, 0), glyphBox(20, 0), glyphBox(40, 0)})
	if !errors.Is(err, ErrTooManyPrimitives) {
		t.Errorf("expected ErrTooManyPrimitives, got %v", err)
	}
}

func TestRecognizeSnapshotCarriesSkipped(t *testing.T) {
	snap, err := geometry.DecodeSnapshot([]byte(`{"drawingId":"d1","entities":[
		{"type":"lwpolyline","vertices":[[0,10],[0,0],[5,0]]},
		{"type":"mtext"},{"type":"dimension"}]}`))
	if err != nil {
		t.Fatalf("DecodeSnapshot() error: %v", err)
	}
	e := &fakeEngine{texts: map[float64]string{0: "L"}}
	res, err := newTestRecognizer(t, e).RecognizeSnapshot(context.Background(), snap)
	if err != nil {
		t.Fatalf("RecognizeSnapshot() error: %v", err)
	}
	if res.Report.SkippedEntities != 2 || res.Text() != "L" {
		t.Errorf("got text %q report %+v", res.Text(), res.Report)
	}
}

func TestNewRecognizerRequiresEngine(t *testing.T) {
	if _, err := NewRecognizer(RecognizerConfig{}); err == nil {
		t.Error("expected error without engine")
	}
}

func TestRecognizeRejectsOversizedClusters(t *testing.T) {
	// A title-block frame beside two glyphs, far larger than any bitmap.
	frame := geometry.Polyline{
		Vertices: []geometry.Point{curve.Pt(1000, 1000), curve.Pt(3e6, 1000), curve.Pt(3e6, 3e6), curve.Pt(1000, 3e6)},
		Closed:   true,
	}
	e := &fakeEngine{texts: map[float64]string{0: "A", 20: "B"}}
	r, err := NewRecognizer(RecognizerConfig{
		Engine:        e,
		MaxBitmapSize: 512,
		Logger:        logging.NewLoggerTo(io.Discard, "test"),
	})
	if err != nil {
		t.Fatalf("NewRecognizer() error: %v", err)
	}

	res, err := r.Recognize(context.Background(), []geometry.Primitive{glyphBox(0, 0), frame, glyphBox(20, 0)})
	if err != nil {
		t.Fatalf("Recognize() error: %v", err)
	}
	if res.Report.RejectedClusters != 1 || res.Text() != "A B" {
		t.Errorf("got text %q report %+v", res.Text(), res.Report)
	}
	if e.classify != 2 {
		t.Errorf("classifier called %d times, want 2", e.classify)
	}
}

type fakeIndex struct {
	matches []storage.GlyphMatch
	err     error
	queries int
}

func (f *fakeIndex) SearchSimilarGlyphs(ctx context.Context, vector []float32, limit int) ([]storage.GlyphMatch, error) {
	f.queries++
	if len(vector) != raster.FeatureSize*raster.FeatureSize || limit != 1 {
		return nil, fmt.Errorf("unexpected query: %d dims, limit %d", len(vector), limit)
	}
	return f.matches, f.err
}

func TestRecognizeFallsBackToGlyphIndex(t *testing.T) {
	testCases := []struct {
		name        string
		index       *fakeIndex
		wantText    string
		wantMatches int
		wantEmpty   int
	}{
		{
			name:        "close sample fills the gap",
			index:       &fakeIndex{matches: []storage.GlyphMatch{{ID: "s1", Text: "Z", Score: 0.95}}},
			wantText:    "A Z",
			wantMatches: 1,
		},
		{
			name:      "distant sample is ignored",
			index:     &fakeIndex{matches: []storage.GlyphMatch{{ID: "s1", Text: "Z", Score: 0.5}}},
			wantText:  "A",
			wantEmpty: 1,
		},
		{
			name:      "blank sample text is ignored",
			index:     &fakeIndex{matches: []storage.GlyphMatch{{ID: "s1", Text: " ", Score: 0.99}}},
			wantText:  "A",
			wantEmpty: 1,
		},
		{
			name:      "lookup failure is not fatal",
			index:     &fakeIndex{err: errors.New("qdrant down")},
			wantText:  "A",
			wantEmpty: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := &fakeEngine{texts: map[float64]string{0: "A", 20: ""}}
			r, err := NewRecognizer(RecognizerConfig{
				Engine: e,
				Index:  tc.index,
				Logger: logging.NewLoggerTo(io.Discard, "test"),
			})
			if err != nil {
				t.Fatalf("NewRecognizer() error: %v", err)
			}

			var hooked int
			r = r.WithGlyphHook(func(ctx context.Context, s GlyphSample) { hooked++ })

			res, err := r.Recognize(context.Background(), []geometry.Primitive{glyphBox(0, 0), glyphBox(20, 0)})
			if err != nil {
				t.Fatalf("Recognize() error: %v", err)
			}
			if got := res.Text(); got != tc.wantText {
				t.Errorf("Text() = %q, want %q", got, tc.wantText)
			}
			if res.Report.IndexMatches != tc.wantMatches || res.Report.EmptyClassifications != tc.wantEmpty {
				t.Errorf("report = %+v", res.Report)
			}
			if tc.index.queries != 1 {
				t.Errorf("index queried %d times, want 1", tc.index.queries)
			}
			// Only classifier output is fed back into the index.
			if hooked != 1 {
				t.Errorf("hook called %d times, want 1", hooked)
			}
		})
	}
}
