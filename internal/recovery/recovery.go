// Package recovery resolves generation jobs whose runner went away: a
// worker restart or a cancelled request leaves the remote job running and
// the row pending.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/beatreel/internal/jobclient"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

type Store interface {
	FindPendingJobs(ctx context.Context, minAge, window time.Duration) ([]models.GenerationJob, error)
	CompleteGenerationJob(ctx context.Context, jobID uuid.UUID, resultURL string, actualCost *int64) (bool, error)
	FailGenerationJob(ctx context.Context, jobID uuid.UUID, message string) (bool, error)
	FailBeat(ctx context.Context, id uuid.UUID, stage, message string, creditsConsumed bool) error
}

// Continuer schedules the rest of a beat once a recovered stage completed.
type Continuer interface {
	EnqueueGenerateBeat(ctx context.Context, campaignID, beatID uuid.UUID) error
}

// Settler re-evaluates a campaign after one of its beats failed.
type Settler interface {
	SettleCampaign(ctx context.Context, campaignID uuid.UUID) (models.CampaignStatus, error)
}

// Report summarizes one scan.
type Report struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	InFlight  int `json:"in_flight"`
	Yielded   int `json:"yielded"` // resolved by someone else first
	Errors    int `json:"errors"`
}

type Scanner struct {
	store     Store
	runner    jobclient.Runner
	continuer Continuer
	settler   Settler
	minAge    time.Duration
	window    time.Duration
	log       *logger.Logger
}

func NewScanner(store Store, runner jobclient.Runner, continuer Continuer, settler Settler, minAge, window time.Duration, log *logger.Logger) *Scanner {
	return &Scanner{
		store:     store,
		runner:    runner,
		continuer: continuer,
		settler:   settler,
		minAge:    minAge,
		window:    window,
		log:       log.With("component", "recovery"),
	}
}

// Scan polls every stale non-terminal job once. Only the caller whose
// compare-and-swap wins applies a terminal transition, so concurrent
// scans (or a scan racing the original runner) resolve a job exactly once.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	jobs, err := s.store.FindPendingJobs(ctx, s.minAge, s.window)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending jobs: %w", err)
	}

	rep := &Report{Scanned: len(jobs)}
	for i := range jobs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err := s.recoverJob(ctx, &jobs[i], rep); err != nil {
			rep.Errors++
			s.log.Warn("failed to recover job", "job_id", jobs[i].ID, "kind", jobs[i].Kind, "error", err)
		}
	}

	if rep.Scanned > 0 {
		s.log.Info("recovery scan finished",
			"scanned", rep.Scanned, "completed", rep.Completed, "failed", rep.Failed,
			"in_flight", rep.InFlight, "yielded", rep.Yielded, "errors", rep.Errors)
	}
	return rep, nil
}

func (s *Scanner) recoverJob(ctx context.Context, job *models.GenerationJob, rep *Report) error {
	log := s.log.With("job_id", job.ID, "beat_id", job.BeatID, "kind", job.Kind)

	// inline answers are never stored remotely; a stale one lost its result
	if job.RequestID == "" || job.RequestID == "inline" {
		return s.fail(ctx, job, "result lost before it was recorded", rep)
	}

	h := jobclient.HandleFor(job)
	st, err := s.runner.Poll(ctx, h)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	switch st.Status {
	case jobclient.StatusCompleted:
		res, err := s.runner.FetchResult(ctx, h)
		if err != nil {
			return fmt.Errorf("fetch result: %w", err)
		}
		won, err := s.store.CompleteGenerationJob(ctx, job.ID, res.URL, res.Cost)
		if err != nil {
			return err
		}
		if !won {
			rep.Yielded++
			return nil
		}
		rep.Completed++
		log.Info("recovered completed job", "url", res.URL)
		if s.continuer != nil {
			return s.continuer.EnqueueGenerateBeat(ctx, job.CampaignID, job.BeatID)
		}
		return nil

	case jobclient.StatusFailed:
		reason := (&jobclient.RemoteFailure{Kind: job.Kind, RequestID: job.RequestID, Reason: st.Error}).Error()
		return s.fail(ctx, job, reason, rep)
	}

	rep.InFlight++
	return nil
}

func (s *Scanner) fail(ctx context.Context, job *models.GenerationJob, reason string, rep *Report) error {
	won, err := s.store.FailGenerationJob(ctx, job.ID, reason)
	if err != nil {
		return err
	}
	if !won {
		rep.Yielded++
		return nil
	}
	rep.Failed++
	s.log.Warn("recovered failed job", "job_id", job.ID, "kind", job.Kind, "reason", reason)

	if err := s.store.FailBeat(ctx, job.BeatID, string(job.Kind), reason, job.CreditsCharged); err != nil {
		return err
	}
	if s.settler != nil {
		if _, err := s.settler.SettleCampaign(ctx, job.CampaignID); err != nil {
			return err
		}
	}
	return nil
}

// Run scans every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("recovery scanner started", "interval", interval, "min_age", s.minAge, "window", s.window)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("recovery scan failed", "error", err)
			}
		}
	}
}
