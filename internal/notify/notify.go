// Package notify defines the status-change notification pushed to the
// workflow engine and the HTTP sender that delivers it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/khurtado/reana-job-controller/internal/job"
)

// StatusChange is emitted once per observed job status transition.
type StatusChange struct {
	JobID          string     `json:"jobId"`
	PreviousStatus job.Status `json:"previousStatus"`
	NewStatus      job.Status `json:"newStatus"`
	Reason         string     `json:"reason,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// NewStatusChange builds a notification stamped with the current time.
func NewStatusChange(jobID string, prev, next job.Status, reason string) *StatusChange {
	return &StatusChange{
		JobID:          jobID,
		PreviousStatus: prev,
		NewStatus:      next,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	}
}

// Sender delivers notifications over HTTP.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with standard transport settings.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Send delivers a notification via HTTP POST. When signingKey is non-empty
// the body is HMAC-SHA256 signed and the signature carried in the
// X-Signature-256 header.
func (s *Sender) Send(ctx context.Context, url string, sc *StatusChange, signingKey string) error {
	body, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Id", sc.JobID)
	if signingKey != "" {
		req.Header.Set("X-Signature-256", sign(body, signingKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

func sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError represents a non-2xx delivery response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError returns true for 4xx errors (shouldn't retry).
func IsClientError(err error) bool {
	if he, ok := err.(*HTTPError); ok {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
