/**
 * Text Sink Client for the Vector Text Worker
 *
 * Hands recognized lines to the output consumer, which materializes them
 * as text objects in the host drawing.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// SinkLine is one recognized line as the consumer receives it
type SinkLine struct {
	Text    string     `json:"text"`
	Anchor  [3]float64 `json:"anchor"`
	Height  float64    `json:"height"`
	Glyphs  int        `json:"glyphCount"`
	LineIdx int        `json:"lineIndex"`
}

// TextSinkRequest is the payload posted for one finished job
type TextSinkRequest struct {
	JobID     string     `json:"jobId"`
	RunID     string     `json:"runId"`
	DrawingID string     `json:"drawingId,omitempty"`
	Text      string     `json:"text"`
	Lines     []SinkLine `json:"lines"`
}

// TextSinkResponse is the consumer's acknowledgement
type TextSinkResponse struct {
	Success      bool     `json:"success"`
	Materialized int      `json:"materialized,omitempty"`
	ObjectIDs    []string `json:"objectIds,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// TextSinkClient posts recognized lines to the output consumer
type TextSinkClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTextSinkClient creates a new text sink client
func NewTextSinkClient(baseURL string) *TextSinkClient {
	return &TextSinkClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HealthCheck verifies the consumer is available
func (c *TextSinkClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("text sink health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("text sink health check returned status %d", resp.StatusCode)
	}

	return nil
}

// PostLines delivers one job's lines. Jobs with no lines are not sent.
func (c *TextSinkClient) PostLines(ctx context.Context, req *TextSinkRequest) (*TextSinkResponse, error) {
	if req.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if len(req.Lines) == 0 {
		return &TextSinkResponse{Success: true}, nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lines: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/recognized-text", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create sink request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-App-ID", "vectortext")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to post lines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sink response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("text sink returned error status %d: %s", resp.StatusCode, string(body))
	}

	var result TextSinkResponse
	if err := json.Unmarshal(body, &result); err != nil {
		// The lines were accepted even if the acknowledgement is unreadable
		log.Printf("[TextSink] Warning: failed to parse response: %v", err)
		return &TextSinkResponse{Success: true}, nil
	}

	return &result, nil
}
