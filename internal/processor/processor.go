/**
 * Drawing Processor for the Vector Text Worker
 *
 * Runs one recognition job end to end:
 * - Load the entity snapshot (inline JSON, snapshot URL, or drawing ID)
 * - Recognize text lines from the vector primitives
 * - Persist lines in PostgreSQL
 * - Index glyph samples in Qdrant (best-effort)
 * - Deliver lines to the text sink (best-effort)
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/vectortext-worker/internal/clients"
	perrors "github.com/adverant/nexus/vectortext-worker/internal/errors"
	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/ocr"
	"github.com/adverant/nexus/vectortext-worker/internal/raster"
	"github.com/adverant/nexus/vectortext-worker/internal/storage"
)

// DrawingProcessorInterface defines the interface for drawing processing
type DrawingProcessorInterface interface {
	ProcessDrawing(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ResultStore is the persistence the processor needs. StorageManager
// implements it.
type ResultStore interface {
	StoreRecognizedLines(ctx context.Context, jobID string, lines []storage.LineRecord) error
	IndexGlyphs(ctx context.Context, runID string, glyphs []*storage.GlyphPoint) error
	GlyphIndexEnabled() bool
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Store            ResultStore
	Recognizer       *Recognizer
	DrawingSourceURL string // optional; needed for jobs that only carry a drawing ID
	TextSinkURL      string // optional
	Logger           *logging.Logger
}

// ProcessRequest represents a recognition request
type ProcessRequest struct {
	JobID     string
	UserID    string
	DrawingID string
	SourceURL string
	Snapshot  []byte
	Metadata  map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	RunID                 string  `json:"runId"`
	Text                  string  `json:"text"`
	Tolerance             float64 `json:"tolerance"`
	Policy                string  `json:"policy"`
	LineCount             int     `json:"lineCount"`
	GlyphCount            int     `json:"glyphCount"`
	ClusterCount          int     `json:"clusterCount"`
	RejectedClusters      int     `json:"rejectedClusters"`
	FailedClassifications int     `json:"failedClassifications"`
	IndexMatches          int     `json:"indexMatches"`
	SkippedEntities       int     `json:"skippedEntities"`
	GlyphsIndexed         int     `json:"glyphsIndexed"`
	Delivered             bool    `json:"delivered"`
	ProcessingTimeMs      int64   `json:"processingTimeMs"`
}

// DrawingProcessor handles recognition jobs
type DrawingProcessor struct {
	store      ResultStore
	recognizer *Recognizer
	source     *clients.DrawingSourceClient
	sink       *clients.TextSinkClient
	logger     *logging.Logger
}

// NewDrawingProcessor creates a new drawing processor
func NewDrawingProcessor(cfg *ProcessorConfig) (*DrawingProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Processor")
	}

	p := &DrawingProcessor{
		store:      cfg.Store,
		recognizer: cfg.Recognizer,
		source:     clients.NewDrawingSourceClient(cfg.DrawingSourceURL),
		logger:     logger,
	}

	if cfg.DrawingSourceURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.source.HealthCheck(ctx); err != nil {
			logger.Warn("Drawing service health check failed; jobs by drawing ID may fail", "url", cfg.DrawingSourceURL, "error", err)
		} else {
			logger.Info("Drawing service connection verified", "url", cfg.DrawingSourceURL)
		}
	}

	if cfg.TextSinkURL != "" {
		p.sink = clients.NewTextSinkClient(cfg.TextSinkURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.sink.HealthCheck(ctx); err != nil {
			logger.Warn("Text sink health check failed; lines will only be stored", "url", cfg.TextSinkURL, "error", err)
		} else {
			logger.Info("Text sink connection verified", "url", cfg.TextSinkURL)
		}
	} else {
		logger.Warn("Text sink URL not configured; lines will only be stored")
	}

	return p, nil
}

// ProcessDrawing processes one drawing snapshot through the complete pipeline
func (p *DrawingProcessor) ProcessDrawing(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	log := p.logger.With("job " + req.JobID)

	// Step 1: Load the snapshot
	snap, err := p.loadSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Info("Snapshot loaded", "drawing", snap.DrawingID, "primitives", len(snap.Primitives), "skipped", snap.Skipped)

	// Step 2: Recognize, collecting glyph samples for the index
	var samples []*storage.GlyphPoint
	recognizer := p.recognizer
	if p.store.GlyphIndexEnabled() {
		recognizer = recognizer.WithGlyphHook(func(ctx context.Context, s GlyphSample) {
			samples = append(samples, glyphPoint(req.JobID, s))
		})
	}

	res, err := recognizer.RecognizeSnapshot(ctx, snap)
	if err != nil {
		return nil, classifyRecognitionError(req.JobID, p.recognizer.engine.Name(), err)
	}
	for _, f := range res.Failures {
		log.Debug("Cluster failed", "error", f)
	}

	// Step 3: Persist lines
	records := lineRecords(req.JobID, res)
	if err := p.store.StoreRecognizedLines(ctx, req.JobID, records); err != nil {
		return nil, perrors.NewStorageFailedError(req.JobID, err)
	}
	log.Info("Recognized lines stored", "lines", len(records), "run", res.RunID)

	result := &ProcessResult{
		RunID:                 res.RunID,
		Text:                  res.Text(),
		Tolerance:             res.Tolerance,
		Policy:                res.Policy,
		LineCount:             res.Report.Lines,
		GlyphCount:            res.Report.Glyphs,
		ClusterCount:          res.Report.Clusters,
		RejectedClusters:      res.Report.RejectedClusters,
		FailedClassifications: res.Report.FailedClassifications,
		IndexMatches:          res.Report.IndexMatches,
		SkippedEntities:       res.Report.SkippedEntities,
	}

	// Step 4: Index glyph samples (non-fatal)
	if len(samples) > 0 {
		if err := p.store.IndexGlyphs(ctx, res.RunID, samples); err != nil {
			log.Warn("Glyph indexing failed", "error", err)
		} else {
			result.GlyphsIndexed = len(samples)
		}
	}

	// Step 5: Deliver to the text sink (non-fatal)
	if p.sink != nil && len(res.Lines) > 0 {
		resp, err := p.sink.PostLines(ctx, sinkRequest(req, snap.DrawingID, res))
		if err != nil {
			log.Warn("Text sink delivery failed", "error", perrors.NewAPICallFailedError(req.JobID, "text-sink", 0, err))
		} else {
			result.Delivered = resp.Success
		}
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	log.Info("Drawing processed", "lines", result.LineCount, "glyphs", result.GlyphCount, "ms", result.ProcessingTimeMs)
	return result, nil
}

// UpdateJobStatus updates job status in the database
func (p *DrawingProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if v, ok := metadata["drawingId"].(string); ok {
			update.DrawingID = v
		}
		if v, ok := metadata["policy"].(string); ok {
			update.Policy = v
		}
		if v, ok := asFloat(metadata["tolerance"]); ok {
			update.Tolerance = v
		}
		if v, ok := asFloat(metadata["lineCount"]); ok {
			update.LineCount = int(v)
		}
		if v, ok := asFloat(metadata["glyphCount"]); ok {
			update.GlyphCount = int(v)
		}
		if v, ok := asFloat(metadata["processingTime"]); ok {
			update.ProcessingTimeMs = int64(v)
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			if code, ok := metadata["error_code"].(string); ok {
				update.ErrorCode = code
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadSnapshot decodes an inline snapshot or fetches one.
func (p *DrawingProcessor) loadSnapshot(ctx context.Context, req *ProcessRequest) (*geometry.Snapshot, error) {
	var (
		snap *geometry.Snapshot
		err  error
	)
	switch {
	case len(req.Snapshot) > 0:
		snap, err = geometry.DecodeSnapshot(req.Snapshot)
		if err != nil {
			return nil, perrors.NewInvalidPayloadError(req.JobID, "snapshot could not be decoded", err)
		}

	case req.SourceURL != "":
		data, ferr := p.source.FetchSnapshot(ctx, req.SourceURL)
		if ferr != nil {
			return nil, perrors.NewAPICallFailedError(req.JobID, req.SourceURL, 0, ferr)
		}
		snap, err = geometry.DecodeSnapshot(data)
		if err != nil {
			return nil, perrors.NewInvalidPayloadError(req.JobID, "snapshot could not be decoded", err)
		}

	case req.DrawingID != "":
		snap, err = p.source.GetDrawablePrimitives(ctx, req.DrawingID)
		if err != nil {
			return nil, perrors.NewAPICallFailedError(req.JobID, "drawing-source", 0, err)
		}

	default:
		return nil, perrors.NewInvalidPayloadError(req.JobID, "no snapshot source provided (snapshot, sourceUrl or drawingId)", nil)
	}

	if snap.DrawingID == "" {
		snap.DrawingID = req.DrawingID
	}
	return snap, nil
}

func classifyRecognitionError(jobID, engine string, err error) error {
	switch {
	case errors.Is(err, ocr.ErrResourceUnavailable):
		return perrors.NewResourceUnavailableError(jobID, engine, err)
	case errors.Is(err, ErrTooManyPrimitives):
		return perrors.NewInvalidPayloadError(jobID, "too many primitives", err)
	default:
		return fmt.Errorf("recognition failed: %w", err)
	}
}

func glyphPoint(jobID string, s GlyphSample) *storage.GlyphPoint {
	return &storage.GlyphPoint{
		ID:         uuid.New().String(),
		Vector:     s.Bitmap.Features(raster.FeatureSize),
		Text:       s.Prediction.Text,
		JobID:      jobID,
		RunID:      s.RunID,
		Confidence: s.Prediction.Confidence,
		Width:      s.Bitmap.Extents.Width(),
		Height:     s.Bitmap.Extents.Height(),
	}
}

func lineRecords(jobID string, res *Result) []storage.LineRecord {
	records := make([]storage.LineRecord, len(res.Lines))
	for i, l := range res.Lines {
		glyphs := make([]string, len(l.Glyphs))
		for j, g := range l.Glyphs {
			glyphs[j] = g.Text
		}
		records[i] = storage.LineRecord{
			ID:         uuid.New().String(),
			JobID:      jobID,
			RunID:      res.RunID,
			LineIndex:  i,
			Text:       l.Text,
			AnchorX:    l.Anchor.X,
			AnchorY:    l.Anchor.Y,
			Height:     l.Height,
			Glyphs:     glyphs,
			Confidence: res.LineConfidence[i],
		}
	}
	return records
}

func sinkRequest(req *ProcessRequest, drawingID string, res *Result) *clients.TextSinkRequest {
	lines := make([]clients.SinkLine, len(res.Lines))
	for i, l := range res.Lines {
		lines[i] = clients.SinkLine{
			Text:    l.Text,
			Anchor:  [3]float64{l.Anchor.X, l.Anchor.Y, 0},
			Height:  l.Height,
			Glyphs:  len(l.Glyphs),
			LineIdx: i,
		}
	}
	return &clients.TextSinkRequest{
		JobID:     req.JobID,
		RunID:     res.RunID,
		DrawingID: drawingID,
		Text:      res.Text(),
		Lines:     lines,
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
