/**
 * Direct Redis Queue Consumer for the Vector Text Worker
 *
 * Compatible with the TypeScript RedisQueue producer.
 * Uses plain Redis LIST operations:
 * - <queue>          job IDs (LPUSH by producer, BRPOP here)
 * - <queue>:data     job JSON by ID
 * - <queue>:processing|completed|failed   status sets
 * - <queue>:results|errors                result hashes
 * - <queue>:events   pub/sub channel
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/vectortext-worker/internal/errors"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/processor"
)

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

// statusWriteTimeout bounds the writes that settle a job. They run on
// their own context so that Stop cannot cut them off.
const statusWriteTimeout = 10 * time.Second

var errNoJobs = fmt.Errorf("no jobs available")

// jobStore is the part of Redis that job state is recorded in.
// *redis.Client implements it.
type jobStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// TxPipeliner opens a MULTI/EXEC pipeline. *redis.Client implements it.
type TxPipeliner interface {
	TxPipeline() redis.Pipeliner
}

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// shouldRetry records a failed attempt and reports whether the job goes
// back on the queue.
func (j *RedisJobData) shouldRetry(err error) bool {
	j.Attempts++
	return errors.IsRetryable(err) && j.Attempts < j.MaxRetries
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	store     jobStore
	processor processor.DrawingProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DrawingProcessorInterface
	ProcessingTimeout int64 // milliseconds
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "vectortext:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RedisConsumer")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		store:     client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

func queueKey(queue, suffix string) string {
	return fmt.Sprintf("%s:%s", queue, suffix)
}

func (c *RedisConsumer) key(suffix string) string {
	return queueKey(c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.logger.Info("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil && err != errNoJobs {
				c.logger.Error("Worker error", "worker", id, "error", err)
				if c.ctx.Err() == nil {
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil || c.ctx.Err() != nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	// The job is off the list now; finish with it even if Stop is called.
	readCtx, cancelRead := c.writeContext()
	jobData, err := c.client.HGet(readCtx, c.key("data"), jobID).Result()
	cancelRead()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		ctx, cancel := c.writeContext()
		defer cancel()
		if serr := c.updateJobStatus(ctx, jobID, statusFailed, failedMetadata(errors.NewInvalidPayloadError(jobID, "job data is not valid JSON", err), 1)); serr != nil {
			c.logger.Error("Failed to record invalid job", "job", jobID, "error", serr)
		}
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	log := c.logger.With("job " + job.Payload.JobID)

	// Idempotent: creates the job row on first sight
	if err := c.processor.UpdateJobStatus(c.ctx, job.Payload.JobID, statusProcessing, 0, map[string]interface{}{
		"drawingId": job.Payload.DrawingID,
		"userId":    job.Payload.UserID,
		"attempt":   job.Attempts + 1,
	}); err != nil {
		log.Warn("Could not record processing status", "error", err)
	}
	if err := c.store.SAdd(c.ctx, c.key("processing"), job.Payload.JobID).Err(); err != nil {
		log.Warn("Could not mark job as processing", "error", err)
	}

	log.Info("Processing job", "drawing", job.Payload.DrawingID, "attempt", job.Attempts+1)

	processResult, err := runJob(c.ctx, c.processor, &job.Payload, processingTimeout(c.config.ProcessingTimeout), log)

	ctx, cancel := c.writeContext()
	defer cancel()
	return c.finishJob(ctx, &job, processResult, err, log)
}

func (c *RedisConsumer) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), statusWriteTimeout)
}

// finishJob records the outcome of one run. A run cut short by Stop goes
// back on the queue without using up an attempt.
func (c *RedisConsumer) finishJob(ctx context.Context, job *RedisJobData, result *processor.ProcessResult, runErr error, log *logging.Logger) error {
	if runErr == nil {
		if err := c.updateJobStatus(ctx, job.Payload.JobID, statusCompleted, result); err != nil {
			return err
		}
		log.Info("Job completed successfully", "lines", result.LineCount)
		return nil
	}

	if c.ctx.Err() != nil {
		log.Warn("Job interrupted by shutdown, re-queueing", "error", runErr)
		return c.requeue(ctx, job)
	}

	log.Error("Job failed", "error", runErr)
	if job.shouldRetry(runErr) {
		if err := c.requeue(ctx, job); err != nil {
			return err
		}
		log.Info("Job re-queued for retry", "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		return nil
	}
	return c.updateJobStatus(ctx, job.Payload.JobID, statusFailed, failedMetadata(runErr, job.Attempts))
}

// requeue stores the job's current state and pushes it back on the list.
func (c *RedisConsumer) requeue(ctx context.Context, job *RedisJobData) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for retry: %w", err)
	}
	if err := c.store.HSet(ctx, c.key("data"), job.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store job %s for retry: %w", job.ID, err)
	}
	if err := c.store.SRem(ctx, c.key("processing"), job.Payload.JobID).Err(); err != nil {
		c.logger.Warn("Failed to clear processing mark", "job", job.Payload.JobID, "error", err)
	}
	if err := c.store.LPush(ctx, c.config.QueueName, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to re-queue job %s: %w", job.ID, err)
	}
	return nil
}

// updateJobStatus records a final status in Redis and PostgreSQL and
// publishes it. It returns the first Redis write that failed.
func (c *RedisConsumer) updateJobStatus(ctx context.Context, jobID string, status string, result interface{}) error {
	var cmds []*redis.IntCmd
	switch status {
	case statusCompleted:
		cmds = append(cmds,
			c.store.SRem(ctx, c.key("processing"), jobID),
			c.store.SAdd(ctx, c.key("completed"), jobID))
		if result != nil {
			resultData, _ := json.Marshal(result)
			cmds = append(cmds, c.store.HSet(ctx, c.key("results"), jobID, resultData))
		}
	case statusFailed:
		cmds = append(cmds,
			c.store.SRem(ctx, c.key("processing"), jobID),
			c.store.SAdd(ctx, c.key("failed"), jobID))
		if result != nil {
			errorData, _ := json.Marshal(result)
			cmds = append(cmds, c.store.HSet(ctx, c.key("errors"), jobID, errorData))
		}
	}

	var firstErr error
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to record %s status for job %s: %w", status, jobID, err)
		}
	}

	switch status {
	case statusCompleted:
		var meta map[string]interface{}
		if processResult, ok := result.(*processor.ProcessResult); ok {
			meta = completedMetadata(processResult)
		}
		if err := c.processor.UpdateJobStatus(ctx, jobID, status, 100, meta); err != nil {
			c.logger.Error("Failed to update job status", "job", jobID, "error", err)
		}
	case statusFailed:
		meta, _ := result.(map[string]interface{})
		if err := c.processor.UpdateJobStatus(ctx, jobID, status, 100, meta); err != nil {
			c.logger.Warn("Failed to update job status for failed job", "job", jobID, "error", err)
		}
	}

	// Publish event for WebSocket streaming
	if err := c.store.Publish(ctx, c.key("events"), jobEvent(jobID, status, time.Now())).Err(); err != nil {
		c.logger.Warn("Failed to publish job event", "job", jobID, "error", err)
	}
	return firstErr
}

func jobEvent(jobID, status string, at time.Time) []byte {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	return eventData
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// Enqueue pushes a job in the format the consumer reads.
func Enqueue(ctx context.Context, client TxPipeliner, queue string, payload JobPayload, maxRetries int) (string, error) {
	if payload.JobID == "" {
		return "", fmt.Errorf("job ID is required")
	}
	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TypeRecognizeDrawing,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, queueKey(queue, "data"), job.ID, data)
	pipe.LPush(ctx, queue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}
