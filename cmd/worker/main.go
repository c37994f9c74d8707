/**
 * Vector Text Worker - Main Entry Point
 *
 * Recognizes text drawn as raw vector geometry (exploded annotations,
 * stroked fonts) and turns it back into text lines.
 *
 * Architecture:
 * - Redis list or asynq consumer for the job queue
 * - Recognition pipeline: extents → tolerance → clusters → bitmap →
 *   Tesseract single-character classification → line assembly
 * - PostgreSQL persistence for jobs and recognized lines
 * - Optional Qdrant index of classified glyph samples
 * - Optional text sink that materializes lines in the host drawing
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/vectortext-worker/internal/config"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/ocr"
	"github.com/adverant/nexus/vectortext-worker/internal/processor"
	"github.com/adverant/nexus/vectortext-worker/internal/queue"
	"github.com/adverant/nexus/vectortext-worker/internal/storage"
)

// consumer is implemented by both queue modes
type consumer interface {
	start() error
	stop() error
	stats(ctx context.Context) (map[string]interface{}, error)
}

type redisMode struct{ c *queue.RedisConsumer }

func (m redisMode) start() error { return m.c.Start() }
func (m redisMode) stop() error  { return m.c.Stop() }

func (m redisMode) stats(ctx context.Context) (map[string]interface{}, error) {
	counts, err := m.c.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}

type asynqMode struct{ c *queue.Consumer }

func (m asynqMode) start() error { return m.c.Start(context.Background()) }
func (m asynqMode) stop() error  { return m.c.Stop(context.Background()) }

func (m asynqMode) stats(ctx context.Context) (map[string]interface{}, error) {
	return m.c.GetStatistics(), nil
}

func main() {
	if err := godotenv.Load(".env.vectortext"); err != nil {
		log.Printf("Warning: .env.vectortext not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.ConfigureRenderer()
	logger := logging.NewLogger("worker")

	logger.Info("Vector Text Worker starting...")
	logger.Info("Configuration loaded",
		"queue", cfg.QueueName,
		"mode", cfg.QueueMode,
		"qdrant", cfg.QdrantURL != "",
		"workers", cfg.WorkerConcurrency,
		"policy", cfg.Recognition.ClusterPolicy)

	// Check classifier data before taking jobs
	engine := ocr.NewTesseract(cfg.Recognition.Tesseract())
	if err := ocr.CheckTessdata(cfg.Recognition.TessdataPrefix, ocr.Languages(cfg.Recognition.OCRLanguage)); err != nil {
		log.Fatalf("Classifier unavailable: %v", err)
	}

	logger.Info("Connecting to storage (PostgreSQL + Qdrant)...")
	storageManager, err := storage.NewStorageManager(
		cfg.DatabaseURL,
		cfg.QdrantURL,
		cfg.QdrantCollection,
	)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	logger.Info("Storage manager initialized", "glyphIndex", storageManager.GlyphIndexEnabled())

	// Stored glyph samples fill in clusters the classifier leaves empty
	var glyphIndex processor.GlyphIndex
	if cfg.Recognition.GlyphMatchMinScore > 0 && storageManager.GlyphIndexEnabled() {
		glyphIndex = storageManager
	}

	recognizer, err := processor.NewRecognizer(processor.RecognizerConfig{
		Engine:        engine,
		Policy:        cfg.Recognition.Policy(),
		SplineSamples: cfg.Recognition.SplineSamples,
		MaxPrimitives: cfg.Recognition.MaxPrimitives,
		MaxBitmapSize: cfg.Recognition.MaxBitmapSize,
		Logger:        logger.With("recognizer"),
		Index:         glyphIndex,
		MatchMinScore: cfg.Recognition.GlyphMatchMinScore,
	})
	if err != nil {
		log.Fatalf("Failed to initialize recognizer: %v", err)
	}

	proc, err := processor.NewDrawingProcessor(&processor.ProcessorConfig{
		Store:            storageManager,
		Recognizer:       recognizer,
		DrawingSourceURL: cfg.DrawingSourceURL,
		TextSinkURL:      cfg.TextSinkURL,
		Logger:           logger.With("processor"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize drawing processor: %v", err)
	}

	logger.Info("Connecting to Redis queue...")
	var jobs consumer
	switch cfg.QueueMode {
	case config.QueueModeAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logger.With("asynq"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		jobs = asynqMode{c}
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logger.With("redis"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		jobs = redisMode{c}
	}

	if err := jobs.start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	logger.Info("Vector Text Worker is READY",
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"classifier", engine.Name(),
		"languages", cfg.Recognition.OCRLanguage)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown...", "signal", sig)

	statsCtx, cancelStats := context.WithTimeout(context.Background(), 5*time.Second)
	if stats, err := jobs.stats(statsCtx); err == nil {
		logger.Info("Final queue stats", "stats", stats)
	}
	cancelStats()

	if err := jobs.stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stats, err := storageManager.GetStats(ctx); err == nil {
		logger.Info("Final storage stats", "stats", stats)
	}

	if err := storageManager.Close(); err != nil {
		logger.Error("Error closing storage manager", "error", err)
	}

	logger.Info("Shutdown complete")
}
