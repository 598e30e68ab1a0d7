package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPHealthChecker probes a worker URL over HTTP. It implements
// engine.HealthChecker. Any 2xx response counts as healthy.
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker creates a health checker with the given per-probe
// timeout.
func NewHTTPHealthChecker(timeout time.Duration) *HTTPHealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPHealthChecker{
		client: &http.Client{Timeout: timeout},
	}
}

// Check performs one probe.
func (c *HTTPHealthChecker) Check(ctx context.Context, workerURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL, nil)
	if err != nil {
		return fmt.Errorf("invalid worker URL: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned %d", resp.StatusCode)
	}
	return nil
}
