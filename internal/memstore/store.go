// Package memstore is an in-memory Store with the same compare-and-swap
// semantics as the Postgres store. It backs tests and local dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.RWMutex

	campaigns  map[uuid.UUID]models.Campaign
	beats      map[uuid.UUID]models.Beat
	jobs       map[uuid.UUID]models.GenerationJob
	variants   []models.FrameVariant
	assemblies []models.AssemblyRecord
	balances   map[uuid.UUID]int64
	ledger     []LedgerEntry
	leases     map[uuid.UUID]lease

	now func() time.Time
}

type lease struct {
	runID   uuid.UUID
	expires time.Time
}

type LedgerEntry struct {
	UserID       uuid.UUID
	Amount       int64
	BalanceAfter int64
	Reason       string
}

func New() *Store {
	return &Store{
		campaigns: make(map[uuid.UUID]models.Campaign),
		beats:     make(map[uuid.UUID]models.Beat),
		jobs:      make(map[uuid.UUID]models.GenerationJob),
		balances:  make(map[uuid.UUID]int64),
		leases:    make(map[uuid.UUID]lease),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Campaigns

func (s *Store) CreateCampaignWithBeats(_ context.Context, campaign *models.Campaign, beats []models.Beat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.campaigns[campaign.ID]; exists {
		return fmt.Errorf("campaign %s already exists", campaign.ID)
	}
	orders := make(map[int]bool, len(beats))
	for _, b := range beats {
		if orders[b.Order] {
			return fmt.Errorf("duplicate beat order %d", b.Order)
		}
		orders[b.Order] = true
	}

	now := s.now()
	campaign.CreatedAt, campaign.UpdatedAt = now, now
	s.campaigns[campaign.ID] = *campaign
	for i := range beats {
		beats[i].CampaignID = campaign.ID
		beats[i].CreatedAt, beats[i].UpdatedAt = now, now
		s.beats[beats[i].ID] = beats[i]
	}
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) GetCampaignByPostProcessProject(_ context.Context, projectID string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.campaigns {
		if c.PostProcessProjectID != nil && *c.PostProcessProjectID == projectID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("campaign %w", apperr.ErrNotFound)
}

func (s *Store) UpdateCampaignStatus(_ context.Context, id uuid.UUID, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return nil
}

func (s *Store) TransitionCampaign(_ context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.ErrorCode, c.ErrorMessage = nil, nil
			c.UpdatedAt = s.now()
			s.campaigns[id] = c
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FailCampaign(_ context.Context, id uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	c.Status = models.CampaignStatusFailed
	c.ErrorCode, c.ErrorMessage = &code, &message
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return nil
}

func (s *Store) CompleteCampaign(_ context.Context, id uuid.UUID, finalURL string, thumbnailURL *string, totalDuration float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok || c.Status != models.CampaignStatusAssembling {
		return fmt.Errorf("campaign %s is not assembling", id)
	}
	c.Status = models.CampaignStatusCompleted
	c.FinalVideoURL = &finalURL
	c.ThumbnailURL = thumbnailURL
	c.TotalDuration = &totalDuration
	c.ErrorCode, c.ErrorMessage = nil, nil
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return nil
}

func (s *Store) SetPostProcess(_ context.Context, id uuid.UUID, provider, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	pending := "pending"
	c.PostProcessProvider, c.PostProcessProjectID, c.PostProcessStatus = &provider, &projectID, &pending
	c.ProcessedVideoURL = nil
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return nil
}

func (s *Store) ApplyPostProcessResult(_ context.Context, id uuid.UUID, status string, videoURL *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, nil
	}
	if c.PostProcessStatus != nil && *c.PostProcessStatus == status {
		return false, nil
	}
	c.PostProcessStatus = &status
	if videoURL != nil {
		c.ProcessedVideoURL = videoURL
	}
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return true, nil
}

// Assemblies and frame variants

func (s *Store) CreateAssemblyRecord(_ context.Context, rec *models.AssemblyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.CreatedAt = s.now()
	s.assemblies = append(s.assemblies, *rec)
	return nil
}

func (s *Store) ListAssemblyRecords(_ context.Context, campaignID uuid.UUID) ([]models.AssemblyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AssemblyRecord
	for i := len(s.assemblies) - 1; i >= 0; i-- {
		if s.assemblies[i].CampaignID == campaignID {
			out = append(out, s.assemblies[i])
		}
	}
	return out, nil
}

func (s *Store) LatestSelectedFrameVariant(_ context.Context, beatID uuid.UUID) (*models.FrameVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.variants) - 1; i >= 0; i-- {
		v := s.variants[i]
		if v.BeatID == beatID && v.Selected {
			return &v, nil
		}
	}
	return nil, nil
}

// AddFrameVariant appends a variant directly, as if a frame job had completed.
func (s *Store) AddFrameVariant(beatID uuid.UUID, imageURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addVariantLocked(beatID, imageURL)
}

func (s *Store) addVariantLocked(beatID uuid.UUID, imageURL string) {
	for i := range s.variants {
		if s.variants[i].BeatID == beatID {
			s.variants[i].Selected = false
		}
	}
	s.variants = append(s.variants, models.FrameVariant{
		ID:        uuid.New(),
		BeatID:    beatID,
		ImageURL:  imageURL,
		Selected:  true,
		CreatedAt: s.now(),
	})
}

// Credits

func (s *Store) SetBalance(userID uuid.UUID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

func (s *Store) GetBalance(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *Store) CheckBalance(_ context.Context, userID uuid.UUID, cost int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID] >= cost, nil
}

func (s *Store) Deduct(_ context.Context, userID uuid.UUID, cost int64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balances[userID] < cost {
		return 0, apperr.ErrInsufficientCredits
	}
	s.balances[userID] -= cost
	s.ledger = append(s.ledger, LedgerEntry{UserID: userID, Amount: -cost, BalanceAfter: s.balances[userID], Reason: reason})
	return s.balances[userID], nil
}

// Ledger returns the recorded credit transactions.
func (s *Store) Ledger() []LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LedgerEntry(nil), s.ledger...)
}

func sortBeats(beats []models.Beat) {
	sort.Slice(beats, func(i, j int) bool { return beats[i].Order < beats[j].Order })
}
