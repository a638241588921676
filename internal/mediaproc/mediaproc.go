// Package mediaproc is a client for the hosted media-processing backend
// that stitches beat clips into the final ad. Work is described as a graph
// of named steps, submitted as one assembly and polled until it finishes.
package mediaproc

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/retry"
)

const (
	StatusCompleted = "ASSEMBLY_COMPLETED"
	StatusExecuting = "ASSEMBLY_EXECUTING"
	StatusUploading = "ASSEMBLY_UPLOADING"
	StatusAborted   = "REQUEST_ABORTED"
	StatusCanceled  = "ASSEMBLY_CANCELED"
)

// Error codes the backend uses for requests that will never succeed.
var nonRetryableCodes = map[string]bool{
	"INVALID_INPUT_ERROR":        true,
	"MISSING_REQUIRED_PARAMETER": true,
	"INVALID_PARAMETER":          true,
	"INVALID_STEPS":              true,
	"INVALID_FORM_DATA":          true,
}

// Step is one robot invocation, e.g. {"robot": "/video/concat", "use": ...}.
type Step map[string]any

// Steps maps step names to steps. Results are keyed by the same names.
type Steps map[string]Step

// File is one output file of a step.
type File struct {
	Name   string         `json:"name"`
	URL    string         `json:"url"`
	SSLURL string         `json:"ssl_url"`
	Mime   string         `json:"mime"`
	Meta   map[string]any `json:"meta"`
}

// Assembly is the backend's view of a submitted step graph.
type Assembly struct {
	ID      string            `json:"assembly_id"`
	SSLURL  string            `json:"assembly_ssl_url"`
	OK      string            `json:"ok"`
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Results map[string][]File `json:"results"`
}

// Completed reports whether every step has finished.
func (a *Assembly) Completed() bool { return a.OK == StatusCompleted }

// ResultURL returns the https URL of the first file produced by step.
func (a *Assembly) ResultURL(step string) (string, bool) {
	files := a.Results[step]
	if len(files) == 0 {
		return "", false
	}
	if files[0].SSLURL != "" {
		return files[0].SSLURL, true
	}
	return files[0].URL, files[0].URL != ""
}

// Client talks to the media-processing REST API.
type Client struct {
	baseURL      string
	key          string
	secret       string
	httpClient   *http.Client
	pollInterval time.Duration
	now          func() time.Time
	log          *logger.Logger
}

func NewClient(baseURL, key, secret string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		pollInterval: 2 * time.Second,
		now:          time.Now,
		log:          log.With("component", "mediaproc"),
	}
}

// SetPollInterval changes how often Wait polls.
func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

type authParams struct {
	Key     string `json:"key"`
	Expires string `json:"expires"`
}

type assemblyParams struct {
	Auth  authParams `json:"auth"`
	Steps Steps      `json:"steps"`
}

// Run creates an assembly and waits for it to complete.
func (c *Client) Run(ctx context.Context, steps Steps) (*Assembly, error) {
	a, err := c.Create(ctx, steps)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, a)
}

// Create submits steps as a new assembly.
func (c *Client) Create(ctx context.Context, steps Steps) (*Assembly, error) {
	params, err := json.Marshal(assemblyParams{
		Auth: authParams{
			Key:     c.key,
			Expires: c.now().UTC().Add(time.Hour).Format("2006/01/02 15:04:05+00:00"),
		},
		Steps: steps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assembly params: %w", err)
	}

	form := url.Values{}
	form.Set("params", string(params))
	form.Set("signature", Sign(params, c.secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assemblies", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	a, err := c.do(req, "create assembly")
	if err != nil {
		return nil, err
	}
	c.log.Info("assembly created", "assembly_id", a.ID, "steps", len(steps))
	return a, nil
}

// Get fetches the current state of an assembly from its status URL.
func (c *Client) Get(ctx context.Context, statusURL string) (*Assembly, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, "get assembly")
}

// Wait polls a until it completes or reports an error.
func (c *Client) Wait(ctx context.Context, a *Assembly) (*Assembly, error) {
	for !a.Completed() {
		if err := retry.Sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
		if a.SSLURL == "" {
			return nil, apperr.Transient("wait assembly", "missing_status_url", fmt.Errorf("assembly %s has no status url", a.ID))
		}

		next, err := c.Get(ctx, a.SSLURL)
		if err != nil {
			return nil, err
		}
		if next.SSLURL == "" {
			next.SSLURL = a.SSLURL
		}
		a = next
		c.log.Debug("assembly polled", "assembly_id", a.ID, "ok", a.OK)

		if a.OK == StatusAborted || a.OK == StatusCanceled {
			return nil, apperr.Transient("wait assembly", a.OK, fmt.Errorf("assembly %s stopped", a.ID))
		}
	}
	return a, nil
}

func (c *Client) do(req *http.Request, op string) (*Assembly, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, apperr.Transient(op, "network", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(op, "read_body", err)
	}

	var a Assembly
	if jsonErr := json.Unmarshal(body, &a); jsonErr != nil {
		if resp.StatusCode >= 300 {
			return nil, apperr.FromHTTPStatus(op, resp.StatusCode, string(body))
		}
		return nil, apperr.Transient(op, "bad_body", fmt.Errorf("failed to parse assembly: %w", jsonErr))
	}

	if a.Error != "" {
		return nil, classify(op, a.Error, a.Message)
	}
	if resp.StatusCode >= 300 {
		return nil, apperr.FromHTTPStatus(op, resp.StatusCode, string(body))
	}
	return &a, nil
}

// classify maps a backend error code onto the shared error taxonomy.
func classify(op, code, message string) error {
	err := fmt.Errorf("%s", message)
	if message == "" {
		err = fmt.Errorf("%s", code)
	}
	if nonRetryableCodes[code] {
		return apperr.NonRetryable(op, code, err)
	}
	return apperr.Transient(op, code, err)
}

// Sign returns the request signature: HMAC-SHA384 of params keyed by secret.
func Sign(params []byte, secret string) string {
	mac := hmac.New(sha512.New384, []byte(secret))
	mac.Write(params)
	return "sha384:" + hex.EncodeToString(mac.Sum(nil))
}
