package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPChecker probes the backend's health endpoint. A 2xx response whose
// JSON body carries a status other than "ok" is reported unhealthy.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates a checker for the health endpoint below baseURL
func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		URL:    strings.TrimRight(baseURL, "/") + "/health",
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// Check performs one probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...any) Result {
		return Result{
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fail("failed to create request: %v", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var body struct {
		Status string `json:"status"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err == nil && body.Status != "" && body.Status != "ok" {
		return fail("backend reports status %q", body.Status)
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
