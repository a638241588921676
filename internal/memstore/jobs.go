package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

// CreateGenerationJob rejects a second non-terminal job for the same
// (beat, kind), like the partial unique index in Postgres.
func (s *Store) CreateGenerationJob(_ context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.BeatID == job.BeatID && j.Kind == job.Kind && !j.Status.Terminal() {
			return fmt.Errorf("beat %s already has an active %s job", job.BeatID, job.Kind)
		}
	}
	job.StartedAt = s.now()
	s.jobs[job.ID] = *job
	return nil
}

func (s *Store) GetGenerationJob(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("generation job %w", apperr.ErrNotFound)
	}
	return &j, nil
}

// Jobs returns every job of a beat, oldest first.
func (s *Store) Jobs(beatID uuid.UUID) []models.GenerationJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.GenerationJob
	for _, j := range s.jobs {
		if j.BeatID == beatID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// PutJob stores j as is.
func (s *Store) PutJob(j models.GenerationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *Store) MarkJobCharged(_ context.Context, id uuid.UUID, billed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("generation job %w", apperr.ErrNotFound)
	}
	j.CreditsCharged = true
	j.BilledCost = billed
	s.jobs[id] = j
	return nil
}

func (s *Store) SupersedeJobs(_ context.Context, beatID uuid.UUID, kind models.JobKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for id, j := range s.jobs {
		if j.BeatID == beatID && j.Kind == kind && !j.Status.Terminal() {
			j.Status = models.JobStatusSuperseded
			j.CompletedAt = &now
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *Store) CompleteGenerationJob(_ context.Context, jobID uuid.UUID, resultURL string, actualCost *int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("generation job %w", apperr.ErrNotFound)
	}
	if j.Status.Terminal() {
		return false, nil
	}

	now := s.now()
	j.Status = models.JobStatusCompleted
	j.ResultURL = &resultURL
	j.ActualCost = actualCost
	j.CompletedAt = &now
	s.jobs[jobID] = j

	b, ok := s.beats[j.BeatID]
	if !ok {
		return false, fmt.Errorf("beat %w", apperr.ErrNotFound)
	}
	if b.State != models.BeatStateFailed {
		url := resultURL
		b.SetAsset(j.Kind, &url)
		if next, ok := b.NextStage(); ok && models.GeneratingState(next).Rank() > b.State.Rank() {
			b.State = models.GeneratingState(next)
		}
		b.UpdatedAt = now
		s.beats[b.ID] = b

		if j.Kind == models.JobKindFrame {
			s.addVariantLocked(b.ID, resultURL)
		}
	}
	return true, nil
}

func (s *Store) FailGenerationJob(_ context.Context, jobID uuid.UUID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	now := s.now()
	j.Status = models.JobStatusFailed
	j.ErrorMessage = &message
	j.CompletedAt = &now
	s.jobs[jobID] = j
	return true, nil
}

func (s *Store) FindPendingJobs(_ context.Context, minAge, window time.Duration) ([]models.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []models.GenerationJob
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			continue
		}
		age := now.Sub(j.StartedAt)
		if age >= minAge && age <= window {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}
