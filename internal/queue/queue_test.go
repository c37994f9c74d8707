package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/vectortext-worker/internal/errors"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/processor"
)

const snapshotJSON = `{"entities":[{"type":"segment","start":[0,0],"end":[0,10]}]}`

func TestJobPayloadSnapshotFormats(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte(snapshotJSON))

	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "inline object",
			input: `{"jobId":"j1","snapshot":` + snapshotJSON + `}`,
			want:  snapshotJSON,
		},
		{
			name:  "base64 string",
			input: `{"jobId":"j1","snapshot":"` + b64 + `"}`,
			want:  snapshotJSON,
		},
		{
			name:  "node buffer",
			input: `{"jobId":"j1","snapshot":{"type":"Buffer","data":[123,125]}}`,
			want:  `{}`,
		},
		{
			name:  "no snapshot",
			input: `{"jobId":"j1","drawingId":"d1"}`,
			want:  "",
		},
		{
			name:    "bad base64",
			input:   `{"jobId":"j1","snapshot":"!!!"}`,
			wantErr: true,
		},
		{
			name:    "bad buffer byte",
			input:   `{"jobId":"j1","snapshot":{"type":"Buffer","data":[300]}}`,
			wantErr: true,
		},
		{
			name:    "number",
			input:   `{"jobId":"j1","snapshot":42}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tc.input), &p)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got payload %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if p.JobID != "j1" || string(p.Snapshot) != tc.want {
				t.Errorf("got job %q snapshot %q, want %q", p.JobID, p.Snapshot, tc.want)
			}
		})
	}
}

func TestRedisJobRequeueKeepsSnapshot(t *testing.T) {
	job := RedisJobData{
		ID:         "j1",
		Payload:    JobPayload{JobID: "j1", DrawingID: "d1", Snapshot: json.RawMessage(snapshotJSON)},
		Attempts:   1,
		MaxRetries: 3,
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var got RedisJobData
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}
}

func TestShouldRetry(t *testing.T) {
	testCases := []struct {
		name       string
		attempts   int
		maxRetries int
		err        error
		want       bool
	}{
		{"first failure", 0, 3, stderrors.New("redis timeout"), true},
		{"last attempt", 2, 3, stderrors.New("redis timeout"), false},
		{"no retries configured", 0, 0, stderrors.New("boom"), false},
		{"invalid payload", 0, 3, errors.NewInvalidPayloadError("j", "bad", nil), false},
		{"missing tessdata", 0, 3, errors.NewResourceUnavailableError("j", "tesseract", nil), false},
		{"storage", 0, 3, errors.NewStorageFailedError("j", nil), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			job := RedisJobData{Attempts: tc.attempts, MaxRetries: tc.maxRetries}
			if got := job.shouldRetry(tc.err); got != tc.want {
				t.Errorf("shouldRetry() = %v, want %v", got, tc.want)
			}
			if job.Attempts != tc.attempts+1 {
				t.Errorf("Attempts = %d, want %d", job.Attempts, tc.attempts+1)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for n, w := range want {
		if got := retryDelay(n, nil, nil); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestKeysAndEvents(t *testing.T) {
	if got := queueKey("vectortext:jobs", "data"); got != "vectortext:jobs:data" {
		t.Errorf("queueKey() = %q", got)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var event map[string]string
	if err := json.Unmarshal(jobEvent("j1", statusCompleted, at), &event); err != nil {
		t.Fatalf("event is not JSON: %v", err)
	}
	want := map[string]string{"event": "job:completed", "jobId": "j1", "timestamp": "2026-03-01T12:00:00Z"}
	if diff := cmp.Diff(want, event); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedMetadata(t *testing.T) {
	meta := failedMetadata(errors.NewResourceUnavailableError("j1", "tesseract", nil), 2)
	if meta["error_code"] != string(errors.ErrorResourceUnavailable) || meta["attempts"] != 2 {
		t.Errorf("unexpected metadata %v", meta)
	}

	plain := failedMetadata(stderrors.New("boom"), 1)
	if plain["error"] != "boom" {
		t.Errorf("unexpected metadata %v", plain)
	}
}

type fakeProcessor struct {
	result    *processor.ProcessResult
	err       error
	block     bool
	updates   []string
	staleCtxs int
}

func (f *fakeProcessor) ProcessDrawing(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	f.updates = append(f.updates, status)
	if ctx.Err() != nil {
		f.staleCtxs++
		return ctx.Err()
	}
	return nil
}

func TestRunJobTimeout(t *testing.T) {
	f := &fakeProcessor{block: true}
	_, err := runJob(context.Background(), f, &JobPayload{JobID: "j1"}, 10*time.Millisecond, logging.NewLoggerTo(io.Discard, "test"))
	if got := errors.CodeOf(err); got != errors.ErrorProcessingTimeout {
		t.Errorf("error code = %q, want %q", got, errors.ErrorProcessingTimeout)
	}
	if !errors.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestHandleRecognizeDrawing(t *testing.T) {
	testCases := []struct {
		name        string
		proc        *fakeProcessor
		payload     []byte
		wantErr     bool
		wantSkip    bool
		wantUpdates []string
	}{
		{
			name:        "completed",
			proc:        &fakeProcessor{result: &processor.ProcessResult{LineCount: 1}},
			payload:     []byte(`{"jobId":"j1","snapshot":` + snapshotJSON + `}`),
			wantUpdates: []string{statusProcessing, statusCompleted},
		},
		{
			name:        "retryable failure",
			proc:        &fakeProcessor{err: errors.NewStorageFailedError("j1", nil)},
			payload:     []byte(`{"jobId":"j1"}`),
			wantErr:     true,
			wantUpdates: []string{statusProcessing, statusFailed},
		},
		{
			name:        "missing classifier data",
			proc:        &fakeProcessor{err: errors.NewResourceUnavailableError("j1", "tesseract", nil)},
			payload:     []byte(`{"jobId":"j1"}`),
			wantErr:     true,
			wantSkip:    true,
			wantUpdates: []string{statusProcessing, statusFailed},
		},
		{
			name:     "garbage payload",
			proc:     &fakeProcessor{},
			payload:  []byte(`not json`),
			wantErr:  true,
			wantSkip: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Consumer{
				processor: tc.proc,
				config:    &ConsumerConfig{QueueName: "q", ProcessingTimeout: 1000},
				logger:    logging.NewLoggerTo(io.Discard, "test"),
			}
			err := c.handleRecognizeDrawing(context.Background(), asynq.NewTask(TypeRecognizeDrawing, tc.payload))

			if (err != nil) != tc.wantErr {
				t.Fatalf("handleRecognizeDrawing() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got := stderrors.Is(err, asynq.SkipRetry); got != tc.wantSkip {
				t.Errorf("SkipRetry = %v, want %v", got, tc.wantSkip)
			}
			if diff := cmp.Diff(tc.wantUpdates, tc.proc.updates); diff != "" {
				t.Errorf("status updates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRecognizeTask(t *testing.T) {
	task, err := NewRecognizeTask(JobPayload{JobID: "j1", DrawingID: "d1"})
	if err != nil {
		t.Fatalf("NewRecognizeTask() error: %v", err)
	}
	if task.Type() != TypeRecognizeDrawing {
		t.Errorf("Type() = %q", task.Type())
	}
	var p JobPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil || p.DrawingID != "d1" {
		t.Errorf("payload round trip failed: %v %+v", err, p)
	}

	if _, err := NewRecognizeTask(JobPayload{}); err == nil {
		t.Error("expected error for missing job ID")
	}
}

type storeCall struct {
	Cmd string
	Key string
}

// fakeJobStore fails writes on a finished context the way go-redis does.
type fakeJobStore struct {
	calls []storeCall
	fail  map[string]error
}

func (f *fakeJobStore) record(ctx context.Context, cmd, key string) *redis.IntCmd {
	f.calls = append(f.calls, storeCall{Cmd: cmd, Key: key})
	if err := ctx.Err(); err != nil {
		return redis.NewIntResult(0, err)
	}
	if err := f.fail[cmd]; err != nil {
		return redis.NewIntResult(0, err)
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeJobStore) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return f.record(ctx, "HSET", key)
}

func (f *fakeJobStore) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return f.record(ctx, "LPUSH", key)
}

func (f *fakeJobStore) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	return f.record(ctx, "SADD", key)
}

func (f *fakeJobStore) SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	return f.record(ctx, "SREM", key)
}

func (f *fakeJobStore) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	return f.record(ctx, "PUBLISH", channel)
}

func TestFinishJob(t *testing.T) {
	requeued := []storeCall{{"HSET", "q:data"}, {"SREM", "q:processing"}, {"LPUSH", "q"}}
	failed := []storeCall{{"SREM", "q:processing"}, {"SADD", "q:failed"}, {"HSET", "q:errors"}, {"PUBLISH", "q:events"}}

	testCases := []struct {
		name         string
		stopped      bool
		result       *processor.ProcessResult
		runErr       error
		attempts     int
		fail         map[string]error
		wantErr      bool
		wantCalls    []storeCall
		wantUpdates  []string
		wantAttempts int
	}{
		{
			name:         "interrupted by shutdown goes back on the queue",
			stopped:      true,
			runErr:       fmt.Errorf("recognition cancelled: %w", context.Canceled),
			attempts:     2,
			wantCalls:    requeued,
			wantAttempts: 2,
		},
		{
			name:         "retryable failure",
			runErr:       errors.NewStorageFailedError("j1", nil),
			wantCalls:    requeued,
			wantAttempts: 1,
		},
		{
			name:         "retries exhausted",
			runErr:       errors.NewStorageFailedError("j1", nil),
			attempts:     2,
			wantCalls:    failed,
			wantUpdates:  []string{statusFailed},
			wantAttempts: 3,
		},
		{
			name:         "not retryable",
			runErr:       errors.NewInvalidPayloadError("j1", "bad snapshot", nil),
			wantCalls:    failed,
			wantUpdates:  []string{statusFailed},
			wantAttempts: 1,
		},
		{
			name:   "completed",
			result: &processor.ProcessResult{LineCount: 2},
			wantCalls: []storeCall{
				{"SREM", "q:processing"}, {"SADD", "q:completed"}, {"HSET", "q:results"}, {"PUBLISH", "q:events"},
			},
			wantUpdates: []string{statusCompleted},
		},
		{
			name:         "re-queue write fails",
			runErr:       errors.NewStorageFailedError("j1", nil),
			fail:         map[string]error{"LPUSH": stderrors.New("READONLY")},
			wantErr:      true,
			wantCalls:    requeued,
			wantAttempts: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeJobStore{fail: tc.fail}
			proc := &fakeProcessor{}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.stopped {
				cancel()
			}
			c := &RedisConsumer{
				store:     store,
				processor: proc,
				config:    &RedisConsumerConfig{QueueName: "q"},
				logger:    logging.NewLoggerTo(io.Discard, "test"),
				ctx:       ctx,
				cancel:    cancel,
			}
			job := &RedisJobData{ID: "j1", Payload: JobPayload{JobID: "j1"}, Attempts: tc.attempts, MaxRetries: 3}

			writeCtx, cancelWrite := c.writeContext()
			defer cancelWrite()
			err := c.finishJob(writeCtx, job, tc.result, tc.runErr, c.logger)

			if (err != nil) != tc.wantErr {
				t.Fatalf("finishJob() error = %v, wantErr %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.wantCalls, store.calls); diff != "" {
				t.Errorf("redis writes mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantUpdates, proc.updates); diff != "" {
				t.Errorf("status updates mismatch (-want +got):\n%s", diff)
			}
			if proc.staleCtxs != 0 {
				t.Errorf("%d status updates ran on a cancelled context", proc.staleCtxs)
			}
			if job.Attempts != tc.wantAttempts {
				t.Errorf("Attempts = %d, want %d", job.Attempts, tc.wantAttempts)
			}
		})
	}
}

type fakePipeline struct {
	redis.Pipeliner
	hashes  map[string]map[string][]byte
	pushed  map[string][]string
	execErr error
}

func (p *fakePipeline) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if p.hashes[key] == nil {
		p.hashes[key] = map[string][]byte{}
	}
	p.hashes[key][values[0].(string)] = values[1].([]byte)
	return redis.NewIntResult(1, nil)
}

func (p *fakePipeline) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		p.pushed[key] = append(p.pushed[key], v.(string))
	}
	return redis.NewIntResult(int64(len(p.pushed[key])), nil)
}

func (p *fakePipeline) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return nil, p.execErr
}

type fakeTxClient struct{ pipe *fakePipeline }

func (c fakeTxClient) TxPipeline() redis.Pipeliner { return c.pipe }

func TestEnqueue(t *testing.T) {
	pipe := &fakePipeline{hashes: map[string]map[string][]byte{}, pushed: map[string][]string{}}
	payload := JobPayload{JobID: "j1", DrawingID: "d1", Snapshot: json.RawMessage(snapshotJSON)}

	id, err := Enqueue(context.Background(), fakeTxClient{pipe}, "q", payload, 3)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if id != "j1" {
		t.Errorf("Enqueue() = %q, want j1", id)
	}
	if diff := cmp.Diff(map[string][]string{"q": {"j1"}}, pipe.pushed); diff != "" {
		t.Errorf("pushed mismatch (-want +got):\n%s", diff)
	}

	var job RedisJobData
	if err := json.Unmarshal(pipe.hashes["q:data"]["j1"], &job); err != nil {
		t.Fatalf("stored job is not JSON: %v", err)
	}
	if job.Type != TypeRecognizeDrawing || job.MaxRetries != 3 || job.Payload.DrawingID != "d1" {
		t.Errorf("stored job = %+v", job)
	}
	if !json.Valid(job.Payload.Snapshot) || len(job.Payload.Snapshot) == 0 {
		t.Errorf("snapshot lost: %q", job.Payload.Snapshot)
	}

	if _, err := Enqueue(context.Background(), fakeTxClient{pipe}, "q", JobPayload{}, 3); err == nil {
		t.Error("expected error for missing job ID")
	}
	pipe.execErr = stderrors.New("EXECABORT")
	if _, err := Enqueue(context.Background(), fakeTxClient{pipe}, "q", payload, 3); err == nil {
		t.Error("expected error when the transaction fails")
	}
}

type fakeEnqueuer struct {
	task *asynq.Task
	opts map[asynq.OptionType]interface{}
	err  error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.task = task
	f.opts = map[asynq.OptionType]interface{}{}
	for _, o := range opts {
		f.opts[o.Type()] = o.Value()
	}
	return &asynq.TaskInfo{ID: f.opts[asynq.TaskIDOpt].(string)}, nil
}

func TestSubmit(t *testing.T) {
	e := &fakeEnqueuer{}
	id, err := Submit(context.Background(), e, "vectortext:jobs", JobPayload{JobID: "j1", DrawingID: "d1"}, 5, 0)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if id != "j1" {
		t.Errorf("Submit() = %q, want j1", id)
	}

	want := map[asynq.OptionType]interface{}{
		asynq.QueueOpt:    "vectortext:jobs",
		asynq.MaxRetryOpt: 5,
		asynq.TaskIDOpt:   "j1",
		asynq.TimeoutOpt:  defaultProcessingTimeout,
	}
	if diff := cmp.Diff(want, e.opts); diff != "" {
		t.Errorf("task options mismatch (-want +got):\n%s", diff)
	}
	if e.task.Type() != TypeRecognizeDrawing {
		t.Errorf("task type = %q", e.task.Type())
	}

	if _, err := Submit(context.Background(), &fakeEnqueuer{err: stderrors.New("TASKID_CONFLICT")}, "q", JobPayload{JobID: "j1"}, 5, 0); err == nil {
		t.Error("expected enqueue error")
	}
}
