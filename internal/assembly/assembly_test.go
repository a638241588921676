package assembly

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/mediaproc"
	"github.com/bobarin/beatreel/internal/memstore"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/retry"
	"github.com/bobarin/beatreel/internal/storage"
	"github.com/google/uuid"
)

// mediaServer answers HEAD for beat clips and GET for the thumbnail.
// Paths listed in missing return 404.
func mediaServer(t *testing.T, missing ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range missing {
			if r.URL.Path == m {
				http.NotFound(w, r)
				return
			}
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".mp4"):
			w.Header().Set("Content-Type", "video/mp4")
		case strings.HasSuffix(r.URL.Path, ".jpg"):
			w.Header().Set("Content-Type", "image/jpeg")
			if r.Method == http.MethodGet {
				w.Write([]byte("jpeg-bytes"))
			}
		default:
			w.Header().Set("Content-Type", "text/html")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	errs  []error
	steps mediaproc.Steps
	out   *mediaproc.Assembly
	onRun func()
}

func (p *fakeProcessor) Run(ctx context.Context, steps mediaproc.Steps) (*mediaproc.Assembly, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.steps = steps
	if p.onRun != nil {
		p.onRun()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	return p.out, nil
}

type memObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func (m *memObjects) Upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.objects[key] = data
	return nil
}

func (m *memObjects) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) PublicURL(key string) string { return "https://storage.test/" + key }

type fixture struct {
	store    *memstore.Store
	proc     *fakeProcessor
	objects  *memObjects
	engine   *Engine
	campaign *models.Campaign
	beats    []models.Beat
	delays   []time.Duration
}

func newFixture(t *testing.T, srv *httptest.Server, durations ...float64) *fixture {
	t.Helper()

	store := memstore.New()
	campaign := &models.Campaign{ID: uuid.New(), UserID: uuid.New(), AspectRatio: "9:16", Status: models.CampaignStatusAssembling}

	var beats []models.Beat
	for i, d := range durations {
		order := i + 1
		final := fmt.Sprintf("%s/beat-%d.mp4", srv.URL, order)
		frame := fmt.Sprintf("https://cdn.test/frame-%d.png", order)
		beats = append(beats, models.Beat{
			ID:          uuid.New(),
			Order:       order,
			State:       models.BeatStateCompleted,
			Frame:       models.FrameSpec{ImageURL: &frame},
			Video:       models.VideoSpec{Duration: d, FinalURL: &final},
			Adjustments: models.Adjustments{Speed: 1},
		})
	}
	if err := store.CreateCampaignWithBeats(context.Background(), campaign, beats); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	f := &fixture{
		store: store,
		proc: &fakeProcessor{out: &mediaproc.Assembly{
			ID: "asm-1",
			OK: mediaproc.StatusCompleted,
			Results: map[string][]mediaproc.File{
				StepCrop:  {{SSLURL: "https://cdn.test/final.mp4"}},
				StepThumb: {{SSLURL: srv.URL + "/thumb.jpg"}},
			},
		}},
		objects:  &memObjects{objects: map[string][]byte{}},
		campaign: campaign,
		beats:    beats,
	}

	cfg := Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Sleep: func(_ context.Context, d time.Duration) error {
				f.delays = append(f.delays, d)
				return nil
			},
		},
		Timeout:         time.Minute,
		URLCheckTimeout: 2 * time.Second,
	}
	f.engine = New(store, f.proc, f.objects, cfg, logger.Nop())
	return f
}

func (f *fixture) reload(t *testing.T) *models.Campaign {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), f.campaign.ID)
	if err != nil {
		t.Fatalf("failed to load campaign: %v", err)
	}
	return c
}

func TestAssembleSumsBeatDurations(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6, 4)

	rec, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TotalDuration != 14 {
		t.Errorf("expected 14s, got %v", rec.TotalDuration)
	}
	if len(rec.Beats) != 3 || rec.Beats[1].OutputDuration != 6 {
		t.Errorf("unexpected cuts: %+v", rec.Beats)
	}

	records, _ := f.store.ListAssemblyRecords(context.Background(), f.campaign.ID)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}

	c := f.reload(t)
	if c.Status != models.CampaignStatusCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
	if c.FinalVideoURL == nil || *c.FinalVideoURL != "https://cdn.test/final.mp4" {
		t.Errorf("unexpected final url %v", c.FinalVideoURL)
	}
	wantThumb := f.objects.PublicURL(storage.ThumbnailKey(f.campaign.ID))
	if c.ThumbnailURL == nil || *c.ThumbnailURL != wantThumb {
		t.Errorf("expected thumbnail %s, got %v", wantThumb, c.ThumbnailURL)
	}
	if _, ok := f.proc.steps["import_beat_3"]; !ok {
		t.Error("expected one import step per beat")
	}
}

func TestAssembleUsesRenderedDuration(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6)
	measured := 5.5
	b := f.beats[0]
	b.Video.RenderedDuration = &measured
	f.store.PutBeat(b)

	rec, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Beats[0].OutputDuration != 5.5 {
		t.Errorf("expected measured 5.5s for beat 1, got %v", rec.Beats[0].OutputDuration)
	}
	if rec.TotalDuration != 11.5 {
		t.Errorf("expected 11.5s total, got %v", rec.TotalDuration)
	}
	if c := f.reload(t); c.TotalDuration == nil || *c.TotalDuration != 11.5 {
		t.Errorf("expected campaign duration 11.5, got %v", c.TotalDuration)
	}
}

func TestAssembleRecordsInterruption(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.proc.onRun = cancel

	if _, err := f.engine.Assemble(ctx, f.campaign.ID); err == nil {
		t.Fatal("expected error after cancellation")
	}
	c := f.reload(t)
	if c.Status != models.CampaignStatusFailed {
		t.Fatalf("expected failed, got %s", c.Status)
	}
	if c.ErrorCode == nil || *c.ErrorCode != models.ErrorCodeInterrupted {
		t.Errorf("expected assembly_interrupted, got %v", c.ErrorCode)
	}
}

func TestAssembleRejectsUnreachableClip(t *testing.T) {
	srv := mediaServer(t, "/beat-2.mp4")
	f := newFixture(t, srv, 4, 6, 4)

	_, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.BeatOrders) != 1 || verr.BeatOrders[0] != 2 {
		t.Errorf("expected beat 2 named, got %v", verr.BeatOrders)
	}
	if f.proc.calls != 0 {
		t.Errorf("no assembly may be submitted, got %d calls", f.proc.calls)
	}

	c := f.reload(t)
	if c.Status != models.CampaignStatusFailed || *c.ErrorCode != models.ErrorCodeValidationFailed {
		t.Errorf("expected failed with validation_failed, got %s", c.Status)
	}
}

func TestAssembleRetriesTransientFailures(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6, 4)
	f.proc.errs = []error{
		apperr.Transient("create assembly", "http_503", errors.New("busy")),
		apperr.Transient("create assembly", "RATE_LIMIT_REACHED", errors.New("slow down")),
	}

	if _, err := f.engine.Assemble(context.Background(), f.campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.proc.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.proc.calls)
	}
	if len(f.delays) != 2 || f.delays[0] != 2*time.Second || f.delays[1] != 4*time.Second {
		t.Errorf("expected delays [2s 4s], got %v", f.delays)
	}
	if c := f.reload(t); c.Status != models.CampaignStatusCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
}

func TestAssembleStopsOnRejectedSteps(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4)
	f.proc.errs = []error{apperr.NonRetryable("create assembly", "INVALID_STEPS", errors.New("bad robot"))}

	if _, err := f.engine.Assemble(context.Background(), f.campaign.ID); err == nil {
		t.Fatal("expected error")
	}
	if f.proc.calls != 1 {
		t.Errorf("expected a single attempt, got %d", f.proc.calls)
	}
	c := f.reload(t)
	if c.Status != models.CampaignStatusFailed || *c.ErrorCode != models.ErrorCodeAssemblyFailed {
		t.Errorf("expected assembly_failed, got %s", c.Status)
	}
}

func TestAssembleExhaustionIsFatal(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4)
	boom := apperr.Transient("create assembly", "http_500", errors.New("down"))
	f.proc.errs = []error{boom, boom, boom}

	_, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	if !apperr.IsFatal(err) {
		t.Fatalf("expected fatal pipeline error, got %v", err)
	}
}

func TestThumbnailFallsBackToFrame(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6, 4)
	f.objects.uploadErr = errors.New("bucket is read-only")

	rec, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ThumbnailURL == nil || *rec.ThumbnailURL != *f.beats[0].Frame.ImageURL {
		t.Errorf("expected first beat frame as thumbnail, got %v", rec.ThumbnailURL)
	}
}

func TestThumbnailPrefersSelectedVariant(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6)
	f.objects.uploadErr = errors.New("bucket is read-only")
	f.store.AddFrameVariant(f.beats[0].ID, "https://cdn.test/variant-2.png")

	rec, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ThumbnailURL == nil || *rec.ThumbnailURL != "https://cdn.test/variant-2.png" {
		t.Errorf("expected variant thumbnail, got %v", rec.ThumbnailURL)
	}
}

func TestAssembleRequiresRenderedBeats(t *testing.T) {
	srv := mediaServer(t)
	f := newFixture(t, srv, 4, 6)
	b := f.beats[1]
	b.Video.FinalURL = nil
	f.store.PutBeat(b)

	_, err := f.engine.Assemble(context.Background(), f.campaign.ID)
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || len(verr.BeatOrders) != 1 || verr.BeatOrders[0] != 2 {
		t.Fatalf("expected validation error naming beat 2, got %v", err)
	}
}

func TestBuildSteps(t *testing.T) {
	steps, err := BuildSteps([]Clip{{Order: 1, URL: "a"}, {Order: 2, URL: "b"}}, "9:16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 6 {
		t.Errorf("expected 6 steps, got %d", len(steps))
	}
	if steps[StepCrop]["width"] != 1080 || steps[StepCrop]["height"] != 1920 {
		t.Errorf("unexpected crop dimensions: %v", steps[StepCrop])
	}
	enc := steps[StepEncode]["ffmpeg"].(map[string]any)
	if enc["force_key_frames"] != "expr:eq(n,0)" || enc["r"] != 30 {
		t.Errorf("unexpected encode params: %v", enc)
	}

	if _, err := BuildSteps([]Clip{{Order: 1, URL: "a"}}, "3:2"); err == nil {
		t.Error("expected unsupported aspect ratio to fail")
	}
}
