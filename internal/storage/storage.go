package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	// Upload timeout per attempt; narration for a long chapter runs to tens of MB
	uploadTimeout = 180 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Storage is a Supabase Storage bucket client.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	retryBase  time.Duration
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		retryBase:  baseRetryDelay,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// StatusError is a non-success response from the storage API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Upload uploads a file to Supabase Storage with retries and exponential backoff.
// Uses PUT with x-upsert so re-rendered assets overwrite the previous object.
func (s *Storage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, path)
	logger := log.With().Str("component", "storage").Str("path", path).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase
	bo.MaxInterval = maxRetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++

		// Each attempt gets its own timeout, bounded by the caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.ContentLength = int64(len(data))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() == nil && isRetryableError(err) {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("Upload attempt failed (retryable)")
				return fmt.Errorf("failed to upload: %w", err)
			}
			return backoff.Permanent(fmt.Errorf("failed to upload: %w", err))
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Upload succeeded after retry")
			}
			return nil
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if isRetryableStatus(resp.StatusCode) {
			logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("Upload attempt returned retryable status")
			return statusErr
		}
		// 400, 401, 403, 404, 413 and friends will not improve
		return backoff.Permanent(statusErr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("upload of %s failed after %d attempts: %w", path, attempt, err)
	}
	return nil
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, path)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
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

// truncate limits a string to at most maxLen bytes for log output, cutting
// on a rune boundary
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
