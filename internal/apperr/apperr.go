// Package apperr defines the error taxonomy shared by the generation and
// assembly pipelines. Callers match categories with errors.As or the Is*
// helpers; messages stay wrapped with fmt.Errorf("...: %w") as usual.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports bad or missing input. It is never retried and
// maps to HTTP 400. BeatOrders names the offending beats, when known.
type ValidationError struct {
	Message    string
	BeatOrders []int
}

func (e *ValidationError) Error() string {
	if len(e.BeatOrders) == 0 {
		return e.Message
	}
	orders := append([]int(nil), e.BeatOrders...)
	sort.Ints(orders)
	parts := make([]string, len(orders))
	for i, o := range orders {
		parts[i] = fmt.Sprintf("%d", o)
	}
	return fmt.Sprintf("%s (beats: %s)", e.Message, strings.Join(parts, ", "))
}

// Validation builds a ValidationError with an optional list of beat orders.
func Validation(msg string, beatOrders ...int) error {
	return &ValidationError{Message: msg, BeatOrders: beatOrders}
}

// TransientRemoteError is a timeout, 5xx, rate limit or ambiguous failure
// from a remote backend. It is retried with backoff.
type TransientRemoteError struct {
	Op   string
	Code string
	Err  error
}

func (e *TransientRemoteError) Error() string {
	return formatRemote("transient", e.Op, e.Code, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// NonRetryableRemoteError is an explicit rejection (malformed request,
// invalid parameter) that would fail identically on retry.
type NonRetryableRemoteError struct {
	Op   string
	Code string
	Err  error
}

func (e *NonRetryableRemoteError) Error() string {
	return formatRemote("rejected", e.Op, e.Code, e.Err)
}

func (e *NonRetryableRemoteError) Unwrap() error { return e.Err }

// FatalPipelineError is raised when retries are exhausted.
type FatalPipelineError struct {
	Attempts int
	Err      error
}

func (e *FatalPipelineError) Error() string {
	return fmt.Sprintf("pipeline failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FatalPipelineError) Unwrap() error { return e.Err }

func Transient(op, code string, err error) error {
	return &TransientRemoteError{Op: op, Code: code, Err: err}
}

func NonRetryable(op, code string, err error) error {
	return &NonRetryableRemoteError{Op: op, Code: code, Err: err}
}

func formatRemote(kind, op, code string, err error) string {
	var b strings.Builder
	b.WriteString(op)
	b.WriteString(": ")
	b.WriteString(kind)
	if code != "" {
		b.WriteString(" [")
		b.WriteString(code)
		b.WriteString("]")
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsFatal(err error) bool {
	var f *FatalPipelineError
	return errors.As(err, &f)
}

// IsRetryable is the shared classifier: transient remote errors are
// retried, everything else (validation, explicit rejection, unknown) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *NonRetryableRemoteError
	if errors.As(err, &nr) {
		return false
	}
	if IsValidation(err) || IsFatal(err) {
		return false
	}
	var tr *TransientRemoteError
	return errors.As(err, &tr)
}

// FromHTTPStatus classifies a remote HTTP status code.
// 408, 429 and 5xx are transient; other 4xx are explicit rejections.
func FromHTTPStatus(op string, status int, body string) error {
	code := fmt.Sprintf("http_%d", status)
	err := errors.New(truncate(body, 300))
	switch {
	case status == 408 || status == 429 || status >= 500:
		return Transient(op, code, err)
	case status >= 400:
		return NonRetryable(op, code, err)
	}
	return Transient(op, code, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ErrNotFound is wrapped by every store when a row does not exist,
// e.g. fmt.Errorf("campaign %w", ErrNotFound).
var ErrNotFound = errors.New("not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrInsufficientCredits is returned by a ledger that cannot cover a charge.
var ErrInsufficientCredits = errors.New("insufficient credits")
