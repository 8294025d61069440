package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Renderer client
// Deferred request pattern: submit a render or stitch job, poll it by id
// until it completes or fails. The caller's context bounds the whole cycle.
// ---------------------------------------------------------------------------

const (
	rendererPollMinInterval   = 5 * time.Second
	rendererPollMaxInterval   = 20 * time.Second
	rendererPollBackoffFactor = 1.5
	rendererHTTPTimeout       = 30 * time.Second // per HTTP call, not per job
	rendererMaxPollFailures   = 3                // consecutive transient poll errors tolerated
)

// Job states reported by the renderer.
const (
	rendererStatusPending   = "pending"
	rendererStatusRendering = "rendering"
	rendererStatusCompleted = "completed"
	rendererStatusFailed    = "failed"
)

var errJobPending = errors.New("render job still pending")

// RendererStatusError is a non-success HTTP response from the renderer.
type RendererStatusError struct {
	StatusCode int
	Body       string
}

func (e *RendererStatusError) Error() string {
	return fmt.Sprintf("renderer returned status %d: %s", e.StatusCode, truncate(e.Body, 300))
}

// ErrorKind reports gateway timeouts as timeouts; everything else is a
// renderer error.
func (e *RendererStatusError) ErrorKind() string {
	if e.StatusCode == http.StatusGatewayTimeout || e.StatusCode == http.StatusRequestTimeout {
		return models.FailureKindTimeout
	}
	return models.FailureKindRenderer
}

// RendererJobError is a job the renderer accepted and then reported as failed.
type RendererJobError struct {
	JobID   string
	Message string
}

func (e *RendererJobError) Error() string {
	return fmt.Sprintf("render job %s failed: %s", e.JobID, e.Message)
}

// RendererClient talks to the external video rendering service.
type RendererClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pollMin    time.Duration
	pollMax    time.Duration
}

var _ pipeline.Renderer = (*RendererClient)(nil)

func NewRendererClient(baseURL, apiKey string) *RendererClient {
	return &RendererClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: rendererHTTPTimeout},
		pollMin:    rendererPollMinInterval,
		pollMax:    rendererPollMaxInterval,
	}
}

// WithPollInterval overrides the poll cadence.
func (c *RendererClient) WithPollInterval(initial, ceiling time.Duration) *RendererClient {
	c.pollMin, c.pollMax = initial, ceiling
	return c
}

type rendererJob struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	URL         string  `json:"url,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// RenderChapter submits one chapter render and waits for the result.
func (c *RendererClient) RenderChapter(ctx context.Context, req models.RenderRequest) (*models.RenderResult, error) {
	logger := log.With().Str("component", "renderer").Str("kind", "chapter").Int("chapter", req.Spec.ChapterNumber).Logger()
	return c.run(ctx, "/v1/renders", req, logger)
}

// Stitch submits the ordered chapter list and waits for the final video.
func (c *RendererClient) Stitch(ctx context.Context, req models.StitchRequest) (*models.RenderResult, error) {
	logger := log.With().Str("component", "renderer").Str("kind", "stitch").Str("script_id", req.ScriptID.String()).Int("segments", len(req.Segments)).Logger()
	return c.run(ctx, "/v1/stitches", req, logger)
}

func (c *RendererClient) run(ctx context.Context, path string, body interface{}, logger zerolog.Logger) (*models.RenderResult, error) {
	started := time.Now()
	job, err := c.submit(ctx, path, body)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("job_id", job.ID).Str("status", job.Status).Msg("Render job submitted")

	if job.Status == rendererStatusCompleted {
		return &models.RenderResult{URL: job.URL, DurationSec: job.DurationSec}, nil
	}
	if job.Status == rendererStatusFailed {
		return nil, &RendererJobError{JobID: job.ID, Message: orUnknown(job.Error)}
	}
	if job.ID == "" {
		return nil, fmt.Errorf("renderer accepted job without an id")
	}

	done, err := c.poll(ctx, path+"/"+job.ID)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("job_id", job.ID).Dur("elapsed", time.Since(started)).Msg("Render job completed")
	return &models.RenderResult{URL: done.URL, DurationSec: done.DurationSec}, nil
}

func (c *RendererClient) submit(ctx context.Context, path string, body interface{}) (*rendererJob, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal renderer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var job rendererJob
	if err := c.do(req, &job, http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return nil, fmt.Errorf("failed to submit render job: %w", err)
	}
	return &job, nil
}

// poll checks the job with exponential backoff (5s growing 1.5x to 20s)
// until it leaves the pending states. A few consecutive transient poll
// failures are retried on the same schedule.
func (c *RendererClient) poll(ctx context.Context, path string) (*rendererJob, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollMin
	bo.MaxInterval = c.pollMax
	bo.Multiplier = rendererPollBackoffFactor
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the caller's context is the only deadline

	var (
		result    *rendererJob
		pollCount int
		failures  int
	)
	op := func() error {
		pollCount++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		var job rendererJob
		if err := c.do(req, &job, http.StatusOK, http.StatusAccepted); err != nil {
			err = fmt.Errorf("failed to poll render job (attempt %d): %w", pollCount, err)
			if ctx.Err() == nil && isTransientPollError(err) && failures < rendererMaxPollFailures {
				failures++
				log.Warn().Err(err).Str("component", "renderer").Str("job", path).Int("consecutive_failures", failures).Msg("Render job poll failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		failures = 0

		switch job.Status {
		case rendererStatusCompleted:
			result = &job
			return nil
		case rendererStatusFailed:
			return backoff.Permanent(&RendererJobError{JobID: job.ID, Message: orUnknown(job.Error)})
		case rendererStatusPending, rendererStatusRendering:
			log.Debug().Str("component", "renderer").Str("job", path).Str("status", job.Status).Int("poll", pollCount).Msg("Render job not ready")
			return errJobPending
		default:
			return backoff.Permanent(fmt.Errorf("render job %s reported unknown status %q", path, job.Status))
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("render job %s not finished after %d polls: %w", path, pollCount, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *RendererClient) do(req *http.Request, out interface{}, okStatuses ...int) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	ok := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return &RendererStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse renderer response: %w (body: %s)", err, truncate(string(body), 200))
	}
	return nil
}

// isTransientPollError reports network failures and overloaded or gateway
// responses, which say nothing about the job itself.
func isTransientPollError(err error) bool {
	var statusErr *RendererStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}

// truncate limits a string to at most maxLen bytes for log and error output,
// cutting on a rune boundary.
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
