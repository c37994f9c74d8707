/**
 * Drawing Source Client for the Vector Text Worker
 *
 * Fetches read-only entity snapshots from the host drawing service:
 * - By URL (job payloads that carry a snapshot link)
 * - By drawing ID via GET /api/drawings/{id}/entities
 *
 * Transient failures are retried with exponential backoff.
 */

package clients

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
)

const (
	defaultMaxSnapshotBytes = 64 * 1024 * 1024
	defaultMaxAttempts      = 4
	initialBackoff          = 500 * time.Millisecond
	maxBackoff              = 8 * time.Second
)

// DrawingSourceClient handles communication with the drawing service
type DrawingSourceClient struct {
	baseURL     string
	httpClient  *http.Client
	maxBytes    int64
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// NewDrawingSourceClient creates a new drawing source client. baseURL may
// be empty when snapshots are only fetched by absolute URL.
func NewDrawingSourceClient(baseURL string) *DrawingSourceClient {
	return &DrawingSourceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		maxBytes:    defaultMaxSnapshotBytes,
		maxAttempts: defaultMaxAttempts,
		backoff:     exponentialBackoff,
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt-1)))
	return min(d, maxBackoff)
}

// HealthCheck verifies the drawing service is available
func (c *DrawingSourceClient) HealthCheck(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("drawing service URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("drawing service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("drawing service health check returned status %d", resp.StatusCode)
	}

	return nil
}

// GetDrawablePrimitives fetches and decodes the entity snapshot of a drawing
func (c *DrawingSourceClient) GetDrawablePrimitives(ctx context.Context, drawingID string) (*geometry.Snapshot, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("drawing service URL is not configured")
	}
	if drawingID == "" {
		return nil, fmt.Errorf("drawing ID is required")
	}

	data, err := c.FetchSnapshot(ctx, c.baseURL+"/api/drawings/"+url.PathEscape(drawingID)+"/entities")
	if err != nil {
		return nil, err
	}
	snap, err := geometry.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if snap.DrawingID == "" {
		snap.DrawingID = drawingID
	}
	return snap, nil
}

// FetchSnapshot downloads raw snapshot JSON from snapshotURL
func (c *DrawingSourceClient) FetchSnapshot(ctx context.Context, snapshotURL string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		data, retry, err := c.fetchOnce(ctx, snapshotURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retry || attempt == c.maxAttempts {
			break
		}

		wait := c.backoff(attempt)
		log.Printf("[DrawingSource] Attempt %d/%d failed: %v (retrying in %v)", attempt, c.maxAttempts, err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to fetch snapshot from %s: %w", snapshotURL, lastErr)
}

// fetchOnce performs one GET. retry is false for errors that will not
// change on another attempt.
func (c *DrawingSourceClient) fetchOnce(ctx context.Context, snapshotURL string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > c.maxBytes {
		return nil, false, fmt.Errorf("snapshot size exceeds maximum: %d > %d bytes", resp.ContentLength, c.maxBytes)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, false, fmt.Errorf("snapshot size exceeds maximum of %d bytes", c.maxBytes)
	}
	return data, false, nil
}
