/**
 * Configuration for the Vector Text Worker
 *
 * Loads configuration from environment variables matching .env.vectortext
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/adverant/nexus/vectortext-worker/internal/cluster"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/ocr"
	"github.com/adverant/nexus/vectortext-worker/internal/raster"
)

const (
	QueueModeRedis = "redis"
	QueueModeAsynq = "asynq"
)

// QueueConfig holds the job queue settings shared by the worker and
// producers that submit jobs to it.
type QueueConfig struct {
	RedisURL          string
	QueueName         string
	QueueMode         string
	ProcessingTimeout int // milliseconds
}

// Config holds worker configuration
type Config struct {
	QueueConfig

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant glyph index; empty URL disables it
	QdrantURL        string
	QdrantCollection string

	// Drawing service for jobs that only carry a drawing ID
	DrawingSourceURL string

	// Output consumer endpoint; empty disables it
	TextSinkURL string

	// Worker configuration
	WorkerConcurrency int

	LogLevel string

	Recognition RecognitionConfig
}

// RecognitionConfig holds the pipeline settings shared by the worker and
// the command line tool.
type RecognitionConfig struct {
	MaxPrimitives  int
	ClusterPolicy  string
	ToleranceScale float64
	SplineSamples  int
	MaxBitmapSize  int

	// Glyph index fallback; 0 disables it
	GlyphMatchMinScore float64

	// Tesseract configuration
	TessdataPrefix string
	OCRLanguage    string
	OCRWhitelist   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		QueueConfig:       loadQueue(),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		QdrantURL:         getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:  getEnvOrDefault("QDRANT_COLLECTION", "vectortext_glyphs"),
		DrawingSourceURL:  getEnvOrDefault("DRAWING_SOURCE_URL", ""),
		TextSinkURL:       getEnvOrDefault("TEXT_SINK_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		Recognition:       loadRecognition(),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadQueueConfig loads and validates only the job queue settings.
func LoadQueueConfig() (*QueueConfig, error) {
	qc := loadQueue()
	if err := qc.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &qc, nil
}

func loadQueue() QueueConfig {
	return QueueConfig{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "vectortext:jobs"),
		QueueMode:         strings.ToLower(getEnvOrDefault("QUEUE_MODE", QueueModeRedis)),
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
	}
}

// LoadRecognitionConfig loads and validates only the pipeline settings.
func LoadRecognitionConfig() (*RecognitionConfig, error) {
	rc := loadRecognition()
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &rc, nil
}

func loadRecognition() RecognitionConfig {
	return RecognitionConfig{
		MaxPrimitives:  getEnvAsIntOrDefault("MAX_PRIMITIVES", 20000),
		ClusterPolicy:  getEnvOrDefault("CLUSTER_POLICY", cluster.PolicyLocalSeed),
		ToleranceScale: getEnvAsFloatOrDefault("TOLERANCE_SCALE", 0),
		SplineSamples:  getEnvAsIntOrDefault("SPLINE_SAMPLES", 20),
		MaxBitmapSize:  getEnvAsIntOrDefault("MAX_BITMAP_SIZE", raster.DefaultMaxSize),
		TessdataPrefix: getEnvOrDefault("TESSDATA_PREFIX", ""),
		OCRLanguage:    getEnvOrDefault("OCR_LANGUAGE", ocr.DefaultLanguage),
		OCRWhitelist:   getEnvOrDefault("OCR_CHAR_WHITELIST", ocr.DefaultWhitelist),

		GlyphMatchMinScore: getEnvAsFloatOrDefault("GLYPH_MATCH_MIN_SCORE", 0.9),
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := c.QueueConfig.Validate(); err != nil {
		return err
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}

	return c.Recognition.Validate()
}

// Validate checks the queue settings
func (q *QueueConfig) Validate() error {
	if q.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if q.QueueMode != QueueModeRedis && q.QueueMode != QueueModeAsynq {
		return fmt.Errorf("QUEUE_MODE must be %q or %q, got %q", QueueModeRedis, QueueModeAsynq, q.QueueMode)
	}

	if q.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", q.ProcessingTimeout)
	}

	return nil
}

// Validate checks the pipeline settings
func (r *RecognitionConfig) Validate() error {
	if r.MaxPrimitives < 1 || r.MaxPrimitives > 1000000 {
		return fmt.Errorf("MAX_PRIMITIVES must be between 1 and 1000000, got %d", r.MaxPrimitives)
	}

	if _, err := cluster.ParsePolicy(r.ClusterPolicy, r.ToleranceScale); err != nil {
		return fmt.Errorf("CLUSTER_POLICY: %w", err)
	}

	if r.ToleranceScale < 0 {
		return fmt.Errorf("TOLERANCE_SCALE must not be negative, got %v", r.ToleranceScale)
	}

	if r.SplineSamples < 1 || r.SplineSamples > 1000 {
		return fmt.Errorf("SPLINE_SAMPLES must be between 1 and 1000, got %d", r.SplineSamples)
	}

	if r.MaxBitmapSize < raster.MinSize || r.MaxBitmapSize > 16384 {
		return fmt.Errorf("MAX_BITMAP_SIZE must be between %d and 16384, got %d", raster.MinSize, r.MaxBitmapSize)
	}

	if r.GlyphMatchMinScore < 0 || r.GlyphMatchMinScore > 1 {
		return fmt.Errorf("GLYPH_MATCH_MIN_SCORE must be between 0 and 1, got %v", r.GlyphMatchMinScore)
	}

	if len(ocr.Languages(r.OCRLanguage)) == 0 {
		return fmt.Errorf("OCR_LANGUAGE is required")
	}

	return nil
}

// Policy resolves the configured clustering policy.
func (r *RecognitionConfig) Policy() cluster.Policy {
	p, err := cluster.ParsePolicy(r.ClusterPolicy, r.ToleranceScale)
	if err != nil {
		return cluster.LocalSeedPolicy{Scale: r.ToleranceScale}
	}
	return p
}

// Tesseract returns the classifier settings.
func (r *RecognitionConfig) Tesseract() ocr.TesseractConfig {
	return ocr.TesseractConfig{
		Languages:      r.OCRLanguage,
		Whitelist:      r.OCRWhitelist,
		TessdataPrefix: r.TessdataPrefix,
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
