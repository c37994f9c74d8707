/**
 * Storage Manager for the Vector Text Worker
 *
 * Coordinates PostgreSQL (jobs, recognized lines) and the optional Qdrant
 * glyph index. Lines are authoritative; glyph indexing is best-effort.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient
}

// NewStorageManager creates a new storage manager. An empty qdrantAddress
// leaves the glyph index disabled.
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultSchemaTimeout)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := &StorageManager{postgres: postgres}
	if qdrantAddress == "" {
		return sm, nil
	}

	qc, err := NewQdrantClient(qdrantAddress, qdrantCollection)
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.qdrant = qc

	return sm, nil
}

// GlyphIndexEnabled reports whether a Qdrant client is configured
func (sm *StorageManager) GlyphIndexEnabled() bool {
	return sm.qdrant != nil
}

// StoreRecognizedLines persists a run's lines for a job
func (sm *StorageManager) StoreRecognizedLines(ctx context.Context, jobID string, lines []LineRecord) error {
	return sm.postgres.StoreRecognizedLines(ctx, jobID, lines)
}

// IndexGlyphs replaces any samples from a previous attempt of the same run
// and stores the new ones. It is a no-op without Qdrant.
func (sm *StorageManager) IndexGlyphs(ctx context.Context, runID string, glyphs []*GlyphPoint) error {
	if sm.qdrant == nil || len(glyphs) == 0 {
		return nil
	}
	if err := sm.qdrant.DeleteRun(ctx, runID); err != nil {
		return err
	}
	if err := sm.qdrant.UpsertGlyphs(ctx, glyphs); err != nil {
		// Rollback: drop the partial run
		sm.qdrant.DeleteRun(ctx, runID)
		return err
	}
	return nil
}

// SearchSimilarGlyphs queries the glyph index
func (sm *StorageManager) SearchSimilarGlyphs(ctx context.Context, vector []float32, limit int) ([]GlyphMatch, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("glyph index is not configured")
	}
	return sm.qdrant.SearchSimilarGlyphs(ctx, vector, limit)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres drops \u0000 escapes, which JSONB rejects, and
// replaces other control-character escapes with a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

// sanitizeText removes NUL bytes, which TEXT columns reject.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
