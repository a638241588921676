package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

func (s *Store) GetBeat(_ context.Context, id uuid.UUID) (*models.Beat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.beats[id]
	if !ok {
		return nil, fmt.Errorf("beat %w", apperr.ErrNotFound)
	}
	return copyBeat(b), nil
}

func (s *Store) GetBeatByOrder(_ context.Context, campaignID uuid.UUID, order int) (*models.Beat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.beats {
		if b.CampaignID == campaignID && b.Order == order {
			return copyBeat(b), nil
		}
	}
	return nil, fmt.Errorf("beat %d %w", order, apperr.ErrNotFound)
}

func (s *Store) ListBeats(_ context.Context, campaignID uuid.UUID) ([]models.Beat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var beats []models.Beat
	for _, b := range s.beats {
		if b.CampaignID == campaignID {
			beats = append(beats, *copyBeat(b))
		}
	}
	sortBeats(beats)
	return beats, nil
}

func (s *Store) UpdateBeatState(_ context.Context, id uuid.UUID, state models.BeatState) error {
	return s.updateBeat(id, func(b *models.Beat) error {
		if b.State == models.BeatStateFailed {
			return fmt.Errorf("beat %s is failed or missing", id)
		}
		b.State = state
		return nil
	})
}

func (s *Store) FailBeat(_ context.Context, id uuid.UUID, stage, message string, creditsConsumed bool) error {
	return s.updateBeat(id, func(b *models.Beat) error {
		b.State = models.BeatStateFailed
		b.FailedStage, b.ErrorMessage = &stage, &message
		b.CreditsConsumed = b.CreditsConsumed || creditsConsumed
		return nil
	})
}

func (s *Store) ResetBeatStage(_ context.Context, id uuid.UUID, kind models.JobKind) error {
	if !models.ValidJobKind(kind) {
		return fmt.Errorf("unknown stage %q", kind)
	}
	return s.updateBeat(id, func(b *models.Beat) error {
		cleared := append([]models.JobKind{kind}, models.Dependents(kind)...)
		for _, k := range cleared {
			b.SetAsset(k, nil)
			if k == models.JobKindVoice {
				b.Transcription = nil
				if !b.Adjustments.UserOverridden {
					b.Adjustments = models.Adjustments{Speed: 1}
				}
			}
		}
		b.Video.FinalURL, b.Video.RenderedDuration, b.Audio.MixedURL = nil, nil, nil
		b.FailedStage, b.ErrorMessage = nil, nil
		b.State = models.GeneratingState(kind)
		return nil
	})
}

func (s *Store) SaveBeatAnalysis(_ context.Context, id uuid.UUID, t *models.Transcription, adj *models.Adjustments) error {
	return s.updateBeat(id, func(b *models.Beat) error {
		b.Transcription = t
		if adj != nil && !b.Adjustments.UserOverridden {
			b.Adjustments = *adj
		}
		return nil
	})
}

func (s *Store) SetBeatAdjustments(_ context.Context, id uuid.UUID, adj models.Adjustments) error {
	return s.updateBeat(id, func(b *models.Beat) error {
		b.Adjustments = adj
		b.Video.FinalURL, b.Video.RenderedDuration = nil, nil
		return nil
	})
}

func (s *Store) CompleteBeatRender(_ context.Context, id uuid.UUID, finalURL, mixedURL string, duration float64) error {
	return s.updateBeat(id, func(b *models.Beat) error {
		if b.State == models.BeatStateFailed {
			return fmt.Errorf("beat %s is failed or missing", id)
		}
		b.Video.FinalURL, b.Audio.MixedURL = &finalURL, &mixedURL
		b.Video.RenderedDuration = &duration
		b.State = models.BeatStateCompleted
		b.FailedStage, b.ErrorMessage = nil, nil
		return nil
	})
}

func (s *Store) ClaimBeat(_ context.Context, id, runID uuid.UUID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.beats[id]; !ok {
		return false, nil
	}
	now := s.now()
	if l, held := s.leases[id]; held && l.runID != runID && now.Before(l.expires) {
		return false, nil
	}
	s.leases[id] = lease{runID: runID, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseBeat(_ context.Context, id, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[id]; held && l.runID == runID {
		delete(s.leases, id)
	}
	return nil
}

// PutBeat stores b as is, replacing any beat with the same id.
func (s *Store) PutBeat(b models.Beat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats[b.ID] = b
}

func (s *Store) updateBeat(id uuid.UUID, fn func(b *models.Beat) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.beats[id]
	if !ok {
		return fmt.Errorf("beat %w", apperr.ErrNotFound)
	}
	if err := fn(&b); err != nil {
		return err
	}
	b.UpdatedAt = s.now()
	s.beats[id] = b
	return nil
}

func copyBeat(b models.Beat) *models.Beat {
	if b.Transcription != nil {
		t := *b.Transcription
		b.Transcription = &t
	}
	return &b
}
