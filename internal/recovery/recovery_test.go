package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/beatreel/internal/jobclient"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/memstore"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

type stubRunner struct {
	status jobclient.Status
	reason string
	url    string
}

func (r *stubRunner) Submit(context.Context, jobclient.Job) (*jobclient.Handle, error) {
	panic("recovery never submits")
}

func (r *stubRunner) Poll(context.Context, *jobclient.Handle) (*jobclient.PollResult, error) {
	return &jobclient.PollResult{Status: r.status, Error: r.reason}, nil
}

func (r *stubRunner) FetchResult(context.Context, *jobclient.Handle) (*jobclient.Result, error) {
	return &jobclient.Result{URL: r.url}, nil
}

type recorder struct {
	mu        sync.Mutex
	continued []uuid.UUID
	settled   []uuid.UUID
}

func (r *recorder) EnqueueGenerateBeat(_ context.Context, _, beatID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continued = append(r.continued, beatID)
	return nil
}

func (r *recorder) SettleCampaign(_ context.Context, campaignID uuid.UUID) (models.CampaignStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, campaignID)
	return models.CampaignStatusGenerating, nil
}

func seedStaleJob(t *testing.T, requestID string, charged bool) (*memstore.Store, models.Beat, models.GenerationJob) {
	t.Helper()
	store := memstore.New()
	frame := "https://cdn.test/frame.png"
	c := &models.Campaign{ID: uuid.New(), UserID: uuid.New(), AspectRatio: "9:16", Status: models.CampaignStatusGenerating}
	b := models.Beat{
		ID:          uuid.New(),
		Order:       1,
		State:       models.BeatStateGeneratingVideo,
		Frame:       models.FrameSpec{ImageURL: &frame},
		Video:       models.VideoSpec{Engine: "kling", Duration: 5},
		Adjustments: models.Adjustments{Speed: 1},
	}
	if err := store.CreateCampaignWithBeats(context.Background(), c, []models.Beat{b}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	job := models.GenerationJob{
		ID:             uuid.New(),
		CampaignID:     c.ID,
		BeatID:         b.ID,
		Kind:           models.JobKindVideo,
		Engine:         "kling",
		ModelPath:      "kling",
		RequestID:      requestID,
		Status:         models.JobStatusProcessing,
		CreditsCharged: charged,
		StartedAt:      time.Now().Add(-5 * time.Minute),
	}
	store.PutJob(job)
	return store, b, job
}

func TestConcurrentScansResolveOnce(t *testing.T) {
	store, b, _ := seedStaleJob(t, "req-1", true)
	runner := &stubRunner{status: jobclient.StatusCompleted, url: "https://cdn.test/video.mp4"}
	rec := &recorder{}

	a := NewScanner(store, runner, rec, rec, 2*time.Minute, 30*time.Minute, logger.Nop())
	c := NewScanner(store, runner, rec, rec, 2*time.Minute, 30*time.Minute, logger.Nop())

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	for i, s := range []*Scanner{a, c} {
		wg.Add(1)
		go func(i int, s *Scanner) {
			defer wg.Done()
			rep, err := s.Scan(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			reports[i] = rep
		}(i, s)
	}
	wg.Wait()

	completed := 0
	for _, r := range reports {
		if r != nil {
			completed += r.Completed
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one completion, got %d", completed)
	}
	if len(rec.continued) != 1 || rec.continued[0] != b.ID {
		t.Errorf("expected one continuation for the beat, got %v", rec.continued)
	}

	got, _ := store.GetBeat(context.Background(), b.ID)
	if got.Video.RawURL == nil || *got.Video.RawURL != "https://cdn.test/video.mp4" {
		t.Errorf("expected recovered video url, got %v", got.Video.RawURL)
	}
	if got.State != models.BeatStateGeneratingVoice {
		t.Errorf("expected generating_voice, got %s", got.State)
	}
}

func TestScanFailsBeatOnRemoteFailure(t *testing.T) {
	store, b, job := seedStaleJob(t, "req-2", true)
	rec := &recorder{}
	s := NewScanner(store, &stubRunner{status: jobclient.StatusFailed, reason: "nsfw"}, rec, rec, 2*time.Minute, 30*time.Minute, logger.Nop())

	rep, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", rep)
	}

	got, _ := store.GetBeat(context.Background(), b.ID)
	fail := got.Failure()
	if fail == nil || fail.Stage != "video" || !fail.CreditsConsumed {
		t.Errorf("unexpected failure: %+v", fail)
	}
	if j, _ := store.GetGenerationJob(context.Background(), job.ID); j.Status != models.JobStatusFailed {
		t.Errorf("expected job failed, got %s", j.Status)
	}
	if len(rec.settled) != 1 || len(rec.continued) != 0 {
		t.Errorf("expected settle only, got settled=%d continued=%d", len(rec.settled), len(rec.continued))
	}
}

func TestScanLeavesInFlightJobs(t *testing.T) {
	store, _, job := seedStaleJob(t, "req-3", false)
	s := NewScanner(store, &stubRunner{status: jobclient.StatusProcessing}, nil, nil, 2*time.Minute, 30*time.Minute, logger.Nop())

	rep, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.InFlight != 1 || rep.Completed != 0 || rep.Failed != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
	if j, _ := store.GetGenerationJob(context.Background(), job.ID); j.Status != models.JobStatusProcessing {
		t.Errorf("job must stay processing, got %s", j.Status)
	}
}

func TestScanFailsLostInlineResult(t *testing.T) {
	store, b, _ := seedStaleJob(t, "inline", false)
	s := NewScanner(store, &stubRunner{status: jobclient.StatusCompleted}, nil, nil, 2*time.Minute, 30*time.Minute, logger.Nop())

	rep, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Failed != 1 {
		t.Errorf("expected the lost job to fail, got %+v", rep)
	}
	if got, _ := store.GetBeat(context.Background(), b.ID); got.State != models.BeatStateFailed {
		t.Errorf("expected beat failed, got %s", got.State)
	}
}
