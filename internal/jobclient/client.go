package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
)

// ---------------------------------------------------------------------------
// Queue backend client
// Deferred request pattern: POST {base}/{model} → request_id,
// GET {base}/{model}/requests/{id}/status until COMPLETED,
// GET {base}/{model}/requests/{id} for the payload.
// Some models answer the POST with the finished payload directly.
// ---------------------------------------------------------------------------

const requestTimeout = 30 * time.Second // per HTTP call, not per job

// Client is the Runner for the HTTP queue backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		log: log.With("component", "jobclient"),
	}
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (c *Client) Submit(ctx context.Context, job Job) (*Handle, error) {
	payload, err := json.Marshal(job.Input())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s input: %w", job.Kind(), err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+job.ModelPath(), payload)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Kind:      job.Kind(),
		Engine:    job.Engine(),
		ModelPath: job.ModelPath(),
	}

	var sub submitResponse
	_ = json.Unmarshal(body, &sub)
	h.RequestID = sub.RequestID

	// Inline answer: the payload already carries the stage output.
	if res, err := ParseResult(job.Kind(), body); err == nil {
		h.Inline = res
		if h.RequestID == "" {
			h.RequestID = "inline"
		}
		c.log.Info("job answered inline", "kind", job.Kind(), "model", job.ModelPath())
		return h, nil
	}

	if h.RequestID == "" {
		return nil, apperr.NonRetryable("submit "+string(job.Kind()), "missing_request_id",
			fmt.Errorf("no request_id in response: %s", truncate(string(body), 200)))
	}

	c.log.Info("job submitted", "kind", job.Kind(), "model", job.ModelPath(), "request_id", h.RequestID)
	return h, nil
}

func (c *Client) Poll(ctx context.Context, h *Handle) (*PollResult, error) {
	if h.Inline != nil {
		return &PollResult{Status: StatusCompleted}, nil
	}

	body, err := c.do(ctx, http.MethodGet, c.requestURL(h)+"/status", nil)
	if err != nil {
		return nil, err
	}

	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, apperr.Transient("poll", "bad_status_body", fmt.Errorf("failed to parse status: %w", err))
	}

	res := &PollResult{Status: normalizeStatus(st.Status), Error: st.Error}
	c.log.Debug("job polled", "kind", h.Kind, "request_id", h.RequestID, "status", st.Status)
	return res, nil
}

func (c *Client) FetchResult(ctx context.Context, h *Handle) (*Result, error) {
	if h.Inline != nil {
		return h.Inline, nil
	}

	body, err := c.do(ctx, http.MethodGet, c.requestURL(h), nil)
	if err != nil {
		return nil, err
	}
	return ParseResult(h.Kind, body)
}

func (c *Client) requestURL(h *Handle) string {
	return fmt.Sprintf("%s/%s/requests/%s", c.baseURL, h.ModelPath, h.RequestID)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	op := strings.ToLower(method) + " " + url
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient(op, "network", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(op, "read_body", err)
	}

	// 202 is a valid answer while a request is still queued.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, apperr.FromHTTPStatus(op, resp.StatusCode, string(body))
	}
	return body, nil
}

// normalizeStatus maps backend status strings onto Status.
// Unknown values count as processing so the poll loop keeps going.
func normalizeStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IN_QUEUE", "QUEUED", "PENDING":
		return StatusPending
	case "IN_PROGRESS", "PROCESSING", "RUNNING":
		return StatusProcessing
	case "COMPLETED", "SUCCEEDED", "OK":
		return StatusCompleted
	case "FAILED", "ERROR", "CANCELLED", "CANCELED":
		return StatusFailed
	}
	return StatusProcessing
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
