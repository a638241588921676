package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

func seed(t *testing.T, s *Store) (*models.Campaign, models.Beat) {
	t.Helper()
	c := &models.Campaign{ID: uuid.New(), UserID: uuid.New(), AspectRatio: "9:16", Status: models.CampaignStatusGenerating}
	b := models.Beat{ID: uuid.New(), Order: 1, State: models.BeatStatePending, Adjustments: models.Adjustments{Speed: 1}}
	if err := s.CreateCampaignWithBeats(context.Background(), c, []models.Beat{b}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	return c, b
}

func TestCompleteGenerationJobSingleWinner(t *testing.T) {
	s := New()
	c, b := seed(t, s)
	ctx := context.Background()

	job := &models.GenerationJob{ID: uuid.New(), CampaignID: c.ID, BeatID: b.ID, Kind: models.JobKindFrame, Status: models.JobStatusPending}
	if err := s.CreateGenerationJob(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.CompleteGenerationJob(ctx, job.ID, "https://cdn.test/frame.png", nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, _ := s.GetBeat(ctx, b.ID)
	if got.Frame.ImageURL == nil || got.State != models.BeatStateGeneratingVideo {
		t.Errorf("expected frame stored and beat at generating_video, got %s", got.State)
	}

	if won, _ := s.FailGenerationJob(ctx, job.ID, "late"); won {
		t.Error("failing a completed job must not win")
	}
}

func TestCreateGenerationJobRejectsSecondActive(t *testing.T) {
	s := New()
	c, b := seed(t, s)
	ctx := context.Background()

	first := &models.GenerationJob{ID: uuid.New(), CampaignID: c.ID, BeatID: b.ID, Kind: models.JobKindVideo, Status: models.JobStatusPending}
	if err := s.CreateGenerationJob(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := &models.GenerationJob{ID: uuid.New(), CampaignID: c.ID, BeatID: b.ID, Kind: models.JobKindVideo, Status: models.JobStatusPending}
	if err := s.CreateGenerationJob(ctx, second); err == nil {
		t.Fatal("expected duplicate active job to be rejected")
	}

	n, err := s.SupersedeJobs(ctx, b.ID, models.JobKindVideo)
	if err != nil || n != 1 {
		t.Fatalf("expected one superseded job, got %d (%v)", n, err)
	}
	if err := s.CreateGenerationJob(ctx, second); err != nil {
		t.Fatalf("expected create after supersede, got %v", err)
	}
}

func TestResetBeatStageClearsDependents(t *testing.T) {
	s := New()
	_, b := seed(t, s)
	ctx := context.Background()

	frame, video, voice, amb, final := "f", "v", "vo", "a", "fin"
	trim := 0.4
	b.Frame.ImageURL, b.Video.RawURL, b.Audio.VoiceURL, b.Audio.AmbienceURL, b.Video.FinalURL = &frame, &video, &voice, &amb, &final
	b.Transcription = &models.Transcription{Text: "hi"}
	b.Adjustments = models.Adjustments{Speed: 1.3, TrimStart: &trim}
	b.State = models.BeatStateCompleted
	s.PutBeat(b)

	if err := s.ResetBeatStage(ctx, b.ID, models.JobKindVideo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.GetBeat(ctx, b.ID)
	if got.Frame.ImageURL == nil || got.Audio.AmbienceURL == nil {
		t.Error("frame and ambience do not depend on the video")
	}
	if got.Video.RawURL != nil || got.Audio.VoiceURL != nil || got.Video.FinalURL != nil {
		t.Error("video, voice and final clip must be cleared")
	}
	if got.Transcription != nil || got.Adjustments.TrimStart != nil || got.Adjustments.Speed != 1 {
		t.Errorf("expected analysis reset, got %+v", got.Adjustments)
	}
	if got.State != models.BeatStateGeneratingVideo {
		t.Errorf("expected generating_video, got %s", got.State)
	}
}

func TestFindPendingJobsWindow(t *testing.T) {
	s := New()
	c, b := seed(t, s)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	add := func(kind models.JobKind, age time.Duration, status models.JobStatus) {
		s.PutJob(models.GenerationJob{ID: uuid.New(), CampaignID: c.ID, BeatID: b.ID, Kind: kind, Status: status, StartedAt: base.Add(-age)})
	}
	add(models.JobKindFrame, 30*time.Second, models.JobStatusPending)     // too young
	add(models.JobKindVideo, 5*time.Minute, models.JobStatusProcessing)   // in window
	add(models.JobKindVoice, 2*time.Hour, models.JobStatusPending)        // abandoned
	add(models.JobKindAmbience, 10*time.Minute, models.JobStatusCompleted) // terminal
	s.SetClock(func() time.Time { return base })

	jobs, err := s.FindPendingJobs(ctx, 2*time.Minute, 30*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != models.JobKindVideo {
		t.Fatalf("expected only the video job, got %+v", jobs)
	}
}

func TestDeductInsufficient(t *testing.T) {
	s := New()
	user := uuid.New()
	s.SetBalance(user, 3)

	if _, err := s.Deduct(context.Background(), user, 5, "video"); !errors.Is(err, apperr.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	bal, err := s.Deduct(context.Background(), user, 3, "frame")
	if err != nil || bal != 0 {
		t.Fatalf("expected balance 0, got %d (%v)", bal, err)
	}
	if len(s.Ledger()) != 1 {
		t.Errorf("expected one ledger entry, got %d", len(s.Ledger()))
	}
}

func TestTransitionCampaignCAS(t *testing.T) {
	s := New()
	c, _ := seed(t, s)
	ctx := context.Background()

	from := []models.CampaignStatus{models.CampaignStatusGenerating}
	first, _ := s.TransitionCampaign(ctx, c.ID, from, models.CampaignStatusAssembling)
	second, _ := s.TransitionCampaign(ctx, c.ID, from, models.CampaignStatusAssembling)
	if !first || second {
		t.Fatalf("expected only the first transition to win, got %v %v", first, second)
	}

	if _, err := s.GetCampaign(ctx, uuid.New()); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClaimBeatLease(t *testing.T) {
	s := New()
	_, b := seed(t, s)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	runA, runB := uuid.New(), uuid.New()
	if ok, _ := s.ClaimBeat(ctx, b.ID, runA, time.Minute); !ok {
		t.Fatal("expected first claim to win")
	}
	if ok, _ := s.ClaimBeat(ctx, b.ID, runA, time.Minute); !ok {
		t.Error("holder must be able to renew")
	}
	if ok, _ := s.ClaimBeat(ctx, b.ID, runB, time.Minute); ok {
		t.Error("second run must not take a live lease")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := s.ClaimBeat(ctx, b.ID, runB, time.Minute); !ok {
		t.Fatal("expired lease must be claimable")
	}
	// a stale holder cannot release the new lease
	s.ReleaseBeat(ctx, b.ID, runA)
	if ok, _ := s.ClaimBeat(ctx, b.ID, runA, time.Minute); ok {
		t.Error("release by a stale run must not drop the lease")
	}

	s.ReleaseBeat(ctx, b.ID, runB)
	if ok, _ := s.ClaimBeat(ctx, b.ID, runA, time.Minute); !ok {
		t.Error("released lease must be claimable")
	}
}
