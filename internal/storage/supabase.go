package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/retry"
)

const (
	// Upload timeout per attempt, generous for large video files
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second
)

// transferPolicy: 5 attempts, 1s doubling up to 30s, 0-25% jitter.
func transferPolicy(log *logger.Logger, op, key string) retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("storage transfer retry", "op", op, "key", key, "attempt", attempt, "delay", delay, "error", err)
		},
	}
}

// SupabaseStore talks to the Supabase Storage REST API.
type SupabaseStore struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        *logger.Logger
}

func NewSupabase(url, serviceKey, bucket string, log *logger.Logger) *SupabaseStore {
	return &SupabaseStore{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With("component", "storage", "backend", "supabase"),
	}
}

// Upload uses PUT with x-upsert, retrying network errors and 408/429/5xx.
func (s *SupabaseStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := s.objectURL(key)

	err := retry.Do(ctx, transferPolicy(s.log, "upload", key), func(ctx context.Context, attempt int) error {
		// Each attempt gets its own timeout, independent of the caller's deadline
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		_, err = s.send(req, "upload")
		return err
	})
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", key, err)
	}
	return nil
}

func (s *SupabaseStore) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, transferPolicy(s.log, "download", key), func(ctx context.Context, attempt int) error {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, s.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		data, err = s.send(req, "download")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("download of %s failed: %w", key, err)
	}
	return data, nil
}

// Remove deletes key through the bulk delete endpoint; a missing object is fine.
func (s *SupabaseStore) Remove(ctx context.Context, key string) error {
	payload, _ := json.Marshal(map[string][]string{"prefixes": {key}})

	err := retry.Do(ctx, transferPolicy(s.log, "remove", key), func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			fmt.Sprintf("%s/storage/v1/object/%s", s.url, s.Bucket), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", "application/json")

		_, err = s.send(req, "remove")
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("remove of %s failed: %w", key, err)
	}
	return nil
}

func (s *SupabaseStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

func (s *SupabaseStore) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
}

// send executes req and classifies failures for the retry loop.
func (s *SupabaseStore) send(req *http.Request, op string) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		if isRetryableError(err) {
			return nil, apperr.Transient(op, "network", err)
		}
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(op, "read_body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case isRetryableStatus(resp.StatusCode):
		return nil, apperr.Transient(op, fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s", truncate(string(body), 200)))
	}
	// Non-retryable status (400, 401, 403, 413, etc.)
	return nil, fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, truncate(string(body), 200))
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusInternalServerError || // 500
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
