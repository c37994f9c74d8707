package storage

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSanitizeConfidence(t *testing.T) {
	testCases := []struct {
		in, want float64
	}{
		{0.9632000000000001, 0.9632},
		{-0.2, 0},
		{1.7, 1},
		{math.NaN(), 0},
	}
	for _, tc := range testCases {
		if got := sanitizeConfidence(tc.in); got != tc.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeForPostgres(t *testing.T) {
	got := string(sanitizeJSONForPostgres([]byte(`{"text":"A\u0000B\u0007C"}`)))
	if got != `{"text":"AB C"}` {
		t.Errorf("sanitizeJSONForPostgres() = %s", got)
	}
	if got := sanitizeText("M6\x00x20"); got != "M6x20" {
		t.Errorf("sanitizeText() = %q", got)
	}
}

func TestClampProgress(t *testing.T) {
	for in, want := range map[int]int{-5: 0, 0: 0, 55: 55, 100: 100, 140: 100} {
		if got := clampProgress(in); got != want {
			t.Errorf("clampProgress(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"text":       "R",
		"confidence": 0.91,
		"count":      3,
		"indexed":    true,
	}
	want := map[string]interface{}{
		"text":       "R",
		"confidence": 0.91,
		"count":      int64(3),
		"indexed":    true,
	}
	if diff := cmp.Diff(want, fromPayload(toPayload(in))); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestGlyphPointStruct(t *testing.T) {
	g := &GlyphPoint{Vector: make([]float32, GlyphVectorSize), Text: "7", RunID: "run-1"}
	ps, err := glyphPointStruct(g)
	if err != nil {
		t.Fatalf("glyphPointStruct() error: %v", err)
	}
	if g.ID == "" || ps.GetId().GetUuid() != g.ID {
		t.Errorf("expected generated ID to be used, got %q / %q", g.ID, ps.GetId().GetUuid())
	}
	if got := ps.GetPayload()["text"].GetStringValue(); got != "7" {
		t.Errorf("payload text = %q", got)
	}

	if _, err := glyphPointStruct(&GlyphPoint{Vector: make([]float32, 10)}); err == nil {
		t.Error("expected dimension error")
	}
}

func TestRunFilter(t *testing.T) {
	f := runFilter("run-9")
	if len(f.GetMust()) != 1 {
		t.Fatalf("expected one condition, got %d", len(f.GetMust()))
	}
	field := f.GetMust()[0].GetField()
	if field.GetKey() != "run_id" || field.GetMatch().GetKeyword() != "run-9" {
		t.Errorf("unexpected condition %v", field)
	}
}
