/**
 * Recognition Pipeline
 *
 * Turns one snapshot of vector primitives into text lines:
 * extents → tolerance → clusters → per-cluster bitmap → classifier → lines.
 *
 * Runs sequentially. The classifier session is opened before any cluster
 * is drawn so a missing resource aborts the run with no partial output.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/vectortext-worker/internal/cluster"
	perrors "github.com/adverant/nexus/vectortext-worker/internal/errors"
	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
	"github.com/adverant/nexus/vectortext-worker/internal/layout"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/ocr"
	"github.com/adverant/nexus/vectortext-worker/internal/raster"
	"github.com/adverant/nexus/vectortext-worker/internal/storage"
)

// ErrTooManyPrimitives is returned when a snapshot exceeds MaxPrimitives.
var ErrTooManyPrimitives = errors.New("snapshot exceeds primitive limit")

// DefaultMatchMinScore is the cosine similarity a stored glyph sample
// needs before it stands in for an empty classification.
const DefaultMatchMinScore = 0.9

// GlyphIndex finds previously classified glyph samples that look like a
// bitmap's feature grid. StorageManager implements it over Qdrant.
type GlyphIndex interface {
	SearchSimilarGlyphs(ctx context.Context, vector []float32, limit int) ([]storage.GlyphMatch, error)
}

// RecognizerConfig holds recognizer configuration
type RecognizerConfig struct {
	Engine        ocr.Engine
	Policy        cluster.Policy // defaults to local-seed
	SplineSamples int
	MaxPrimitives int // 0 means unlimited
	MaxBitmapSize int // 0 means raster.DefaultMaxSize
	Logger        *logging.Logger

	// Index, when set, is asked for the nearest stored sample whenever
	// the classifier returns nothing for a cluster.
	Index         GlyphIndex
	MatchMinScore float64 // 0 means DefaultMatchMinScore
}

// GlyphSample is handed to the OnGlyph hook for every classified cluster
// while its bitmap is still open.
type GlyphSample struct {
	RunID      string
	Cluster    int
	Members    int
	Bitmap     *raster.Bitmap
	Prediction ocr.Prediction
}

// RecognizedGlyph is one cluster that produced text
type RecognizedGlyph struct {
	Cluster    int
	Members    int
	Glyph      layout.Glyph
	Confidence float64
}

// Report counts what happened during one run
type Report struct {
	Primitives            int
	SkippedEntities       int
	InvalidPrimitives     int
	Clusters              int
	RejectedClusters      int
	FailedClassifications int
	EmptyClassifications  int
	IndexMatches          int
	Glyphs                int
	Lines                 int
	Duration              time.Duration
}

// Result is the outcome of one recognition run
type Result struct {
	RunID     string
	Tolerance float64
	Policy    string
	Lines     []layout.Line
	Glyphs    []RecognizedGlyph
	Report    Report

	// LineConfidence is parallel to Lines: the mean glyph confidence.
	LineConfidence []float64

	// Failures holds one CLASSIFICATION_FAILED error per failed cluster.
	Failures []*perrors.ProcessingError
}

// Text joins the line texts with newlines.
func (r *Result) Text() string {
	return layout.Text(r.Lines)
}

// Recognizer runs the recognition pipeline
type Recognizer struct {
	engine        ocr.Engine
	policy        cluster.Policy
	rasterizer    raster.Rasterizer
	splineSamples int
	maxPrimitives int
	logger        *logging.Logger
	index         GlyphIndex
	matchMinScore float64
	onGlyph       func(ctx context.Context, sample GlyphSample)
}

// NewRecognizer creates a new recognizer
func NewRecognizer(cfg RecognizerConfig) (*Recognizer, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("classifier engine is required")
	}
	if cfg.MaxPrimitives < 0 {
		return nil, fmt.Errorf("max primitives must be non-negative, got %d", cfg.MaxPrimitives)
	}
	policy := cfg.Policy
	if policy == nil {
		policy = cluster.LocalSeedPolicy{}
	}
	samples := cfg.SplineSamples
	if samples <= 0 {
		samples = geometry.DefaultSplineSamples
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Recognizer")
	}
	minScore := cfg.MatchMinScore
	if minScore <= 0 {
		minScore = DefaultMatchMinScore
	}
	return &Recognizer{
		engine:        cfg.Engine,
		policy:        policy,
		rasterizer:    raster.Rasterizer{SplineSamples: samples, MaxSize: cfg.MaxBitmapSize},
		splineSamples: samples,
		maxPrimitives: cfg.MaxPrimitives,
		logger:        logger,
		index:         cfg.Index,
		matchMinScore: minScore,
	}, nil
}

// WithGlyphHook returns a copy of r that calls fn for every classified
// cluster. The bitmap is closed after fn returns.
func (r *Recognizer) WithGlyphHook(fn func(ctx context.Context, sample GlyphSample)) *Recognizer {
	c := *r
	c.onGlyph = fn
	return &c
}

// RecognizeSnapshot recognizes a decoded snapshot and carries its skipped
// entity count into the report.
func (r *Recognizer) RecognizeSnapshot(ctx context.Context, snap *geometry.Snapshot) (*Result, error) {
	res, err := r.Recognize(ctx, snap.Primitives)
	if err != nil {
		return nil, err
	}
	res.Report.SkippedEntities = snap.Skipped
	return res, nil
}

// Recognize runs the full pipeline over prims.
func (r *Recognizer) Recognize(ctx context.Context, prims []geometry.Primitive) (*Result, error) {
	start := time.Now()
	if r.maxPrimitives > 0 && len(prims) > r.maxPrimitives {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPrimitives, len(prims), r.maxPrimitives)
	}

	res := &Result{
		RunID:  uuid.New().String(),
		Policy: r.policy.Name(),
	}
	runLog := r.logger.With(res.RunID[:8])
	runLog.Info("Recognition started", "primitives", len(prims), "policy", res.Policy)

	session, err := r.engine.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s classifier: %w", r.engine.Name(), err)
	}
	defer session.Close()

	extents := cluster.ExtentsOf(prims, r.splineSamples)
	for _, e := range extents {
		if !e.Valid() {
			res.Report.InvalidPrimitives++
		}
	}
	res.Report.Primitives = len(prims)

	res.Tolerance = r.policy.Tolerance(extents)
	clusters := r.policy.Cluster(prims, extents, res.Tolerance)
	res.Report.Clusters = len(clusters)
	runLog.Info("Clustering complete", "tolerance", res.Tolerance, "clusters", len(clusters))

	glyphs := make([]layout.Glyph, 0, len(clusters))
	for i, c := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("recognition cancelled after %d of %d clusters: %w", i, len(clusters), err)
		}

		g, ok, err := r.classifyCluster(ctx, session, res, i, c)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		res.Glyphs = append(res.Glyphs, g)
		glyphs = append(glyphs, g.Glyph)
	}
	res.Report.Glyphs = len(res.Glyphs)

	res.Lines = layout.Assemble(glyphs, res.Tolerance)
	res.LineConfidence = lineConfidence(res.Lines, res.Glyphs)
	res.Report.Lines = len(res.Lines)
	res.Report.Duration = time.Since(start)

	runLog.Info("Recognition complete",
		"clusters", res.Report.Clusters,
		"rejected", res.Report.RejectedClusters,
		"failed", res.Report.FailedClassifications,
		"glyphs", res.Report.Glyphs,
		"lines", res.Report.Lines,
		"duration", res.Report.Duration)
	return res, nil
}

// classifyCluster renders and classifies one cluster. ok is false when the
// cluster yields no glyph; err is set only for failures that end the run.
func (r *Recognizer) classifyCluster(ctx context.Context, session ocr.Session, res *Result, idx int, c *cluster.Cluster) (g RecognizedGlyph, ok bool, err error) {
	bm, err := r.rasterizer.Render(c.Primitives, c.Extents)
	if err != nil {
		res.Report.RejectedClusters++
		switch {
		case errors.Is(err, raster.ErrDegenerateExtents):
		case errors.Is(err, raster.ErrOversizedCluster):
			r.logger.Debug("Cluster too large for a glyph", "cluster", idx, "members", c.Size(), "error", err)
		default:
			r.logger.Warn("Cluster could not be rendered", "cluster", idx, "error", err)
		}
		return g, false, nil
	}
	defer bm.Close()

	pred, err := session.Classify(ctx, bm)
	switch {
	case errors.Is(err, ocr.ErrResourceUnavailable):
		return g, false, fmt.Errorf("classifier became unavailable at cluster %d: %w", idx, err)
	case err != nil:
		if ctx.Err() != nil {
			return g, false, fmt.Errorf("recognition cancelled at cluster %d: %w", idx, ctx.Err())
		}
		res.Report.FailedClassifications++
		res.Failures = append(res.Failures, perrors.NewClassificationFailedError(res.RunID, idx, err))
		r.logger.Warn("Classification failed", "cluster", idx, "members", c.Size(), "error", err)
		return g, false, nil
	}

	pred.Text = ocr.Normalize(pred.Text)
	r.logger.Debug("Cluster classified", "cluster", idx, "members", c.Size(), "text", pred.Text, "confidence", pred.Confidence)
	if pred.Text == "" && r.index != nil {
		if m, found := r.nearestSample(ctx, bm, idx); found {
			res.Report.IndexMatches++
			r.logger.Debug("Cluster matched from glyph index", "cluster", idx, "text", m.Text, "score", m.Score, "sample", m.ID)
			return RecognizedGlyph{
				Cluster:    idx,
				Members:    c.Size(),
				Glyph:      layout.Glyph{Extents: c.Extents, Text: m.Text},
				Confidence: float64(m.Score),
			}, true, nil
		}
	}
	if pred.Text == "" {
		res.Report.EmptyClassifications++
		return g, false, nil
	}

	if r.onGlyph != nil {
		r.onGlyph(ctx, GlyphSample{
			RunID:      res.RunID,
			Cluster:    idx,
			Members:    c.Size(),
			Bitmap:     bm,
			Prediction: pred,
		})
	}

	return RecognizedGlyph{
		Cluster:    idx,
		Members:    c.Size(),
		Glyph:      layout.Glyph{Extents: c.Extents, Text: pred.Text},
		Confidence: pred.Confidence,
	}, true, nil
}

// nearestSample looks up the closest stored glyph for bm. Lookup errors
// are logged and treated as no match.
func (r *Recognizer) nearestSample(ctx context.Context, bm *raster.Bitmap, idx int) (storage.GlyphMatch, bool) {
	matches, err := r.index.SearchSimilarGlyphs(ctx, bm.Features(raster.FeatureSize), 1)
	if err != nil {
		r.logger.Warn("Glyph index lookup failed", "cluster", idx, "error", err)
		return storage.GlyphMatch{}, false
	}
	if len(matches) == 0 || float64(matches[0].Score) < r.matchMinScore {
		return storage.GlyphMatch{}, false
	}
	m := matches[0]
	m.Text = ocr.Normalize(m.Text)
	return m, m.Text != ""
}

func lineConfidence(lines []layout.Line, glyphs []RecognizedGlyph) []float64 {
	byExtents := make(map[geometry.Extents]float64, len(glyphs))
	for _, g := range glyphs {
		byExtents[g.Glyph.Extents] = g.Confidence
	}
	out := make([]float64, len(lines))
	for i, l := range lines {
		if len(l.Glyphs) == 0 {
			continue
		}
		var sum float64
		for _, g := range l.Glyphs {
			sum += byExtents[g.Extents]
		}
		out[i] = sum / float64(len(l.Glyphs))
	}
	return out
}
