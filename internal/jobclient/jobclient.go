// Package jobclient talks to asynchronous generative backends with one
// protocol: submit a job, poll its status, fetch the result.
package jobclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/retry"
)

// Status is the normalized backend status of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Handle identifies a submitted request. It can be rebuilt from a persisted
// GenerationJob, which is how recovery polls jobs it did not submit.
type Handle struct {
	Kind      models.JobKind
	Engine    string
	ModelPath string
	RequestID string
	// Inline is set when the backend answered the submission with the
	// finished result; no polling is needed.
	Inline *Result
}

// HandleFor rebuilds the handle of a persisted job.
func HandleFor(job *models.GenerationJob) *Handle {
	return &Handle{
		Kind:      job.Kind,
		Engine:    job.Engine,
		ModelPath: job.ModelPath,
		RequestID: job.RequestID,
	}
}

// PollResult is one status observation.
type PollResult struct {
	Status Status
	Error  string // backend-reported reason when Status is failed
}

// Result is the output of a completed job.
type Result struct {
	URL         string
	ContentType string
	// Cost is the backend-reported cost in credits, when it reports one.
	Cost *int64
}

// Runner is implemented by every backend client.
type Runner interface {
	Submit(ctx context.Context, job Job) (*Handle, error)
	Poll(ctx context.Context, h *Handle) (*PollResult, error)
	// FetchResult is only valid once Poll reports completed.
	FetchResult(ctx context.Context, h *Handle) (*Result, error)
}

// PollPolicy bounds how long and how often a job is polled.
type PollPolicy struct {
	Interval time.Duration
	Budget   time.Duration
}

// MaxAttempts is the number of polls that fit in the budget.
func (p PollPolicy) MaxAttempts() int {
	if p.Interval <= 0 {
		return 1
	}
	n := int(p.Budget / p.Interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Policies maps each job kind to its poll policy.
type Policies map[models.JobKind]PollPolicy

// DefaultPolicies: frame 3s/120s, video 10s/30m, voice and ambience 3s/60s.
func DefaultPolicies() Policies {
	return Policies{
		models.JobKindFrame:    {Interval: 3 * time.Second, Budget: 120 * time.Second},
		models.JobKindVideo:    {Interval: 10 * time.Second, Budget: 30 * time.Minute},
		models.JobKindVoice:    {Interval: 3 * time.Second, Budget: 60 * time.Second},
		models.JobKindAmbience: {Interval: 3 * time.Second, Budget: 60 * time.Second},
	}
}

// For returns the policy of kind, falling back to the defaults.
func (p Policies) For(kind models.JobKind) PollPolicy {
	if pol, ok := p[kind]; ok {
		return pol
	}
	return DefaultPolicies()[kind]
}

var ErrNotCompleted = errors.New("job has not completed")

// TimeoutError means the poll budget ran out while the backend still
// reported the job as in flight. It is distinct from a backend failure.
type TimeoutError struct {
	Kind      models.JobKind
	RequestID string
	Attempts  int
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s job %s timed out after %d polls (%v)", e.Kind, e.RequestID, e.Attempts, e.Budget)
}

// RemoteFailure is a failure reported by the backend itself.
type RemoteFailure struct {
	Kind      models.JobKind
	RequestID string
	Reason    string
}

func (e *RemoteFailure) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("%s job %s failed: %s", e.Kind, e.RequestID, reason)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// Wait polls h until it completes, fails, or the policy budget is spent.
// Cancelling ctx stops waiting and returns ctx.Err(); the remote job keeps
// running and is left for recovery.
func Wait(ctx context.Context, r Runner, h *Handle, policy PollPolicy) (*Result, error) {
	if h.Inline != nil {
		return h.Inline, nil
	}

	attempts := policy.MaxAttempts()
	for i := 1; i <= attempts; i++ {
		if err := retry.Sleep(ctx, policy.Interval); err != nil {
			return nil, err
		}

		st, err := r.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// a flaky status endpoint gets another chance on the next tick
			if apperr.IsRetryable(err) {
				continue
			}
			return nil, fmt.Errorf("poll %d: %w", i, err)
		}

		switch st.Status {
		case StatusCompleted:
			return r.FetchResult(ctx, h)
		case StatusFailed:
			return nil, &RemoteFailure{Kind: h.Kind, RequestID: h.RequestID, Reason: st.Error}
		}
	}

	return nil, &TimeoutError{Kind: h.Kind, RequestID: h.RequestID, Attempts: attempts, Budget: policy.Budget}
}

// Run submits job and waits for its result.
func Run(ctx context.Context, r Runner, job Job, policy PollPolicy) (*Handle, *Result, error) {
	h, err := r.Submit(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	res, err := Wait(ctx, r, h, policy)
	return h, res, err
}
