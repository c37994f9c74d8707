/**
 * Job payloads shared by the Redis list consumer and the asynq consumer.
 */

package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/vectortext-worker/internal/errors"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/processor"
)

const defaultProcessingTimeout = 120 * time.Second

// JobPayload contains the actual job data
type JobPayload struct {
	JobID     string                 `json:"jobId"`
	UserID    string                 `json:"userId,omitempty"`
	DrawingID string                 `json:"drawingId,omitempty"`
	SourceURL string                 `json:"sourceUrl,omitempty"`
	Snapshot  json.RawMessage        `json:"-"` // set by UnmarshalJSON
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts the snapshot as an inline JSON object, a base64
// string, or a Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		Snapshot json.RawMessage `json:"snapshot,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	raw := bytes.TrimSpace(aux.Snapshot)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("failed to read snapshot string: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("failed to decode base64 snapshot: %w", err)
		}
		p.Snapshot = decoded

	case '{':
		var buf struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		if err := json.Unmarshal(raw, &buf); err == nil && buf.Type == "Buffer" {
			out := make([]byte, len(buf.Data))
			for i, v := range buf.Data {
				if v < 0 || v > 255 {
					return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
				}
				out[i] = byte(v)
			}
			p.Snapshot = out
			return nil
		}
		p.Snapshot = append(json.RawMessage(nil), raw...)

	default:
		return fmt.Errorf("snapshot must be an object, base64 string or Buffer object")
	}

	return nil
}

// MarshalJSON writes the snapshot inline so a re-queued job round trips.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	var snap json.RawMessage
	if len(p.Snapshot) > 0 {
		if json.Valid(p.Snapshot) {
			snap = p.Snapshot
		} else {
			enc, _ := json.Marshal(base64.StdEncoding.EncodeToString(p.Snapshot))
			snap = enc
		}
	}
	return json.Marshal(&struct {
		Snapshot json.RawMessage `json:"snapshot,omitempty"`
		Alias
	}{
		Snapshot: snap,
		Alias:    Alias(p),
	})
}

func (p *JobPayload) request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:     p.JobID,
		UserID:    p.UserID,
		DrawingID: p.DrawingID,
		SourceURL: p.SourceURL,
		Snapshot:  p.Snapshot,
		Metadata:  p.Metadata,
	}
}

func processingTimeout(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultProcessingTimeout
}

// runJob processes one payload under a timeout. A deadline becomes a
// PROCESSING_TIMEOUT error.
func runJob(ctx context.Context, proc processor.DrawingProcessorInterface, p *JobPayload, timeout time.Duration, logger *logging.Logger) (*processor.ProcessResult, error) {
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := proc.ProcessDrawing(processCtx, p.request())
	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			logger.Error("Processing timed out", "job", p.JobID, "elapsed", time.Since(start), "timeout", timeout)
			return nil, errors.NewProcessingTimeoutError(p.JobID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}

func completedMetadata(r *processor.ProcessResult) map[string]interface{} {
	return map[string]interface{}{
		"runId":                 r.RunID,
		"tolerance":             r.Tolerance,
		"policy":                r.Policy,
		"lineCount":             r.LineCount,
		"glyphCount":            r.GlyphCount,
		"clusterCount":          r.ClusterCount,
		"rejectedClusters":      r.RejectedClusters,
		"failedClassifications": r.FailedClassifications,
		"indexMatches":          r.IndexMatches,
		"skippedEntities":       r.SkippedEntities,
		"glyphsIndexed":         r.GlyphsIndexed,
		"delivered":             r.Delivered,
		"processingTime":        r.ProcessingTimeMs,
	}
}

func failedMetadata(err error, attempts int) map[string]interface{} {
	meta := map[string]interface{}{
		"error":    err.Error(),
		"attempts": attempts,
	}
	if pe, ok := errors.AsProcessingError(err); ok {
		for k, v := range pe.ToMap() {
			meta[k] = v
		}
		meta["error"] = err.Error()
	}
	return meta
}
