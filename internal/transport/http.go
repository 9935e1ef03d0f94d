package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport pushes batches as JSON over HTTP.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates a transport posting to the given endpoint.
// Timeout bounds each request; zero means 10 seconds.
func NewHTTPTransport(endpoint string, timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	req.SchemaVersion = BatchSchemaVersion
	if req.SentAt.IsZero() {
		req.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("failed to marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("failed to push batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResponse{}, fmt.Errorf("push rejected with status %d", resp.StatusCode)
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BatchResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return out, nil
}
