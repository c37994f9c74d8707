/**
 * Asynq Queue Consumer for the Vector Text Worker
 *
 * Consumes "recognize-drawing" tasks. Jobs that fail for reasons a retry
 * cannot fix (bad payload, missing classifier data) skip asynq's retries.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/vectortext-worker/internal/errors"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/processor"
)

// TypeRecognizeDrawing is the task type for recognition jobs
const TypeRecognizeDrawing = "recognize-drawing"

// Consumer handles job consumption through asynq
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DrawingProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DrawingProcessorInterface
	ProcessingTimeout int64 // milliseconds
	Logger            *logging.Logger
}

// NewRecognizeTask builds a task for payload.
func NewRecognizeTask(payload JobPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TypeRecognizeDrawing, data, opts...), nil
}

// retryDelay is exponential from 5s, capped at one minute.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 3 {
		return 60 * time.Second
	}
	return time.Duration(5<<uint(n)) * time.Second
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("AsynqConsumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "bytes", len(task.Payload()), "error", err)
			}),
			Logger: logging.AsynqLogger{L: logger.With("asynq")},
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TypeRecognizeDrawing, consumer.handleRecognizeDrawing)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer...")

	c.server.Shutdown()

	c.logger.Info("Queue consumer stopped")
	return nil
}

// TaskEnqueuer enqueues asynq tasks. *asynq.Client implements it.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Submit enqueues a recognition task on queue. The job ID doubles as the
// task ID, so submitting the same job twice is rejected by asynq.
func Submit(ctx context.Context, client TaskEnqueuer, queue string, payload JobPayload, maxRetry int, timeoutMs int64) (string, error) {
	task, err := NewRecognizeTask(payload)
	if err != nil {
		return "", err
	}
	info, err := client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(payload.JobID),
		asynq.Timeout(processingTimeout(timeoutMs)),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// handleRecognizeDrawing processes one recognition task
func (c *Consumer) handleRecognizeDrawing(ctx context.Context, task *asynq.Task) error {
	start := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("job ID is missing: %w", asynq.SkipRetry)
	}

	log := c.logger.With("job " + payload.JobID)
	log.Info("Processing drawing", "drawing", payload.DrawingID, "user", payload.UserID)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, statusProcessing, 0, map[string]interface{}{
		"drawingId": payload.DrawingID,
	}); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	result, err := runJob(ctx, c.processor, &payload, processingTimeout(c.config.ProcessingTimeout), log)
	if err != nil {
		retryCount, _ := asynq.GetRetryCount(ctx)
		meta := failedMetadata(err, retryCount+1)
		meta["processingTime"] = time.Since(start).Milliseconds()
		if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, statusFailed, 100, meta); updateErr != nil {
			log.Warn("Failed to update status to failed", "error", updateErr)
		}

		if !errors.IsRetryable(err) {
			return fmt.Errorf("drawing recognition failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("drawing recognition failed: %w", err)
	}

	log.Info("Processing completed", "duration", time.Since(start), "lines", result.LineCount, "glyphs", result.GlyphCount)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, statusCompleted, 100, completedMetadata(result)); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"taskType":    TypeRecognizeDrawing,
	}
}
