/**
 * PostgreSQL Client for the Vector Text Worker
 *
 * Handles database operations for recognition jobs and recognized lines.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
)

const defaultSchemaTimeout = 15 * time.Second

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	DrawingID        string
	Status           string
	Progress         int
	Tolerance        float64
	Policy           string
	LineCount        int
	GlyphCount       int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// LineRecord is one persisted recognized line
type LineRecord struct {
	ID         string
	JobID      string
	RunID      string
	LineIndex  int
	Text       string
	AnchorX    float64
	AnchorY    float64
	Height     float64
	Glyphs     []string
	Confidence float64
	CreatedAt  time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS vectortext;

	CREATE TABLE IF NOT EXISTS vectortext.recognition_jobs (
		id                 UUID PRIMARY KEY,
		drawing_id         TEXT,
		status             TEXT NOT NULL,
		progress           INTEGER NOT NULL DEFAULT 0,
		tolerance          DOUBLE PRECISION,
		policy             TEXT,
		line_count         INTEGER,
		glyph_count        INTEGER,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS vectortext.recognized_lines (
		id         UUID PRIMARY KEY,
		job_id     UUID NOT NULL REFERENCES vectortext.recognition_jobs(id) ON DELETE CASCADE,
		run_id     UUID NOT NULL,
		line_index INTEGER NOT NULL,
		text       TEXT NOT NULL,
		anchor_x   DOUBLE PRECISION NOT NULL,
		anchor_y   DOUBLE PRECISION NOT NULL,
		height     DOUBLE PRECISION NOT NULL,
		glyphs     TEXT[] NOT NULL DEFAULT '{}',
		confidence NUMERIC(5,4),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (job_id, line_index)
	);
`

// sanitizeConfidence clamps to [0, 1] and rounds to 4 decimals to fit
// NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the vectortext schema and tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row. Zero-valued result fields keep the
// previously stored value.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO vectortext.recognition_jobs (
			id, drawing_id, status, progress, tolerance, policy,
			line_count, glyph_count, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2::text, ''), $3::text, $4::int,
			NULLIF($5::double precision, 0), NULLIF($6::text, ''),
			NULLIF($7::int, 0), NULLIF($8::int, 0), NULLIF($9::bigint, 0),
			NULLIF($10::text, ''), NULLIF($11::text, ''),
			COALESCE(NULLIF($12::text, 'null')::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = GREATEST(EXCLUDED.progress, vectortext.recognition_jobs.progress),
			drawing_id = COALESCE(EXCLUDED.drawing_id, vectortext.recognition_jobs.drawing_id),
			tolerance = COALESCE(EXCLUDED.tolerance, vectortext.recognition_jobs.tolerance),
			policy = COALESCE(EXCLUDED.policy, vectortext.recognition_jobs.policy),
			line_count = COALESCE(EXCLUDED.line_count, vectortext.recognition_jobs.line_count),
			glyph_count = COALESCE(EXCLUDED.glyph_count, vectortext.recognition_jobs.glyph_count),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, vectortext.recognition_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = vectortext.recognition_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,                   // $1
		update.DrawingID,               // $2
		update.Status,                  // $3
		clampProgress(update.Progress), // $4
		update.Tolerance,               // $5
		update.Policy,                  // $6
		update.LineCount,               // $7
		update.GlyphCount,              // $8
		update.ProcessingTimeMs,        // $9
		update.ErrorCode,               // $10
		update.ErrorMessage,            // $11
		string(metadataJSON),           // $12
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

// StoreRecognizedLines replaces the job's lines in one transaction.
func (p *PostgresClient) StoreRecognizedLines(ctx context.Context, jobID string, lines []LineRecord) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectortext.recognized_lines WHERE job_id = $1::uuid`, jobID); err != nil {
		return fmt.Errorf("failed to clear previous lines: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectortext.recognized_lines (
			id, job_id, run_id, line_index, text,
			anchor_x, anchor_y, height, glyphs, confidence, created_at
		) VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7, $8, $9, $10::NUMERIC(5,4), NOW())
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare line insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range lines {
		_, err := stmt.ExecContext(ctx,
			l.ID, jobID, l.RunID, l.LineIndex, sanitizeText(l.Text),
			l.AnchorX, l.AnchorY, l.Height,
			pq.Array(l.Glyphs), sanitizeConfidence(l.Confidence),
		)
		if err != nil {
			return fmt.Errorf("failed to insert line %d: %w", l.LineIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lines: %w", err)
	}
	return nil
}

// GetRecognizedLines returns a job's lines in reading order
func (p *PostgresClient) GetRecognizedLines(ctx context.Context, jobID string) ([]LineRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, run_id, line_index, text, anchor_x, anchor_y,
			height, glyphs, COALESCE(confidence, 0), created_at
		FROM vectortext.recognized_lines
		WHERE job_id = $1::uuid
		ORDER BY line_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []LineRecord
	for rows.Next() {
		var l LineRecord
		var glyphs pq.StringArray
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.RunID, &l.LineIndex, &l.Text,
			&l.AnchorX, &l.AnchorY, &l.Height, &glyphs, &l.Confidence, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		l.Glyphs = []string(glyphs)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lines: %w", err)
	}
	return lines, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, drawing_id, status, progress, tolerance, policy,
			line_count, glyph_count, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		FROM vectortext.recognition_jobs
		WHERE id = $1::uuid
	`

	var (
		id, status              string
		progress                int
		drawingID, policy       sql.NullString
		tolerance               sql.NullFloat64
		lineCount, glyphCount   sql.NullInt64
		processingTimeMs        sql.NullInt64
		errorCode, errorMessage sql.NullString
		metadataJSON            []byte
		createdAt, updatedAt    time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &drawingID, &status, &progress, &tolerance, &policy,
		&lineCount, &glyphCount, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"status":    status,
		"progress":  progress,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if drawingID.Valid {
		result["drawingId"] = drawingID.String
	}
	if tolerance.Valid {
		result["tolerance"] = tolerance.Float64
	}
	if policy.Valid {
		result["policy"] = policy.String
	}
	if lineCount.Valid {
		result["lineCount"] = lineCount.Int64
	}
	if glyphCount.Valid {
		result["glyphCount"] = glyphCount.Int64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
