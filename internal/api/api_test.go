package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/memstore"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/pipeline"
	"github.com/bobarin/beatreel/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type fakeScript struct{}

func (fakeScript) GenerateAdScript(_ context.Context, brief, _ string) ([]models.BeatInput, error) {
	return []models.BeatInput{
		{Role: models.BeatRoleHook, ScriptText: "Stop.", FramePrompt: "mug", VideoPrompt: "steam", Duration: 4},
		{Role: models.BeatRoleCTA, ScriptText: "Buy.", FramePrompt: "logo", VideoPrompt: "zoom"},
	}, nil
}

type testEnv struct {
	redis  *miniredis.Miniredis
	store  *memstore.Store
	queue  *queue.Queue
	router *chi.Mux
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	store := memstore.New()

	orch := pipeline.New(pipeline.Deps{Store: store, Ledger: store}, pipeline.Billing{}, pipeline.Config{}, logger.Nop())
	h := NewHandler(Deps{
		Store:        store,
		Orchestrator: orch,
		Queue:        q,
		Script:       fakeScript{},
	}, "kling", logger.Nop())

	return &testEnv{
		redis:  mr,
		store:  store,
		queue:  q,
		router: NewRouter(h, RouterConfig{BackendAPIKey: apiKey}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) queueLen(t *testing.T, name string) int64 {
	t.Helper()
	n, err := e.queue.GetQueueLength(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to read queue length: %v", err)
	}
	return n
}

// seedCompleted stores a completed campaign with one rendered beat.
func (e *testEnv) seedCompleted(t *testing.T) (*models.Campaign, models.Beat) {
	t.Helper()
	frame, raw, voice, amb, final := "f.png", "raw.mp4", "voice.mp3", "amb.mp3", "final.mp4"
	c := &models.Campaign{ID: uuid.New(), UserID: uuid.New(), AspectRatio: "9:16", Status: models.CampaignStatusCompleted}
	b := models.Beat{
		ID:          uuid.New(),
		Order:       1,
		Frame:       models.FrameSpec{Prompt: "mug", ImageURL: &frame},
		Video:       models.VideoSpec{Engine: "kling", Duration: 5, RawURL: &raw, FinalURL: &final},
		Audio:       models.AudioSpec{VoiceURL: &voice, AmbienceURL: &amb},
		Adjustments: models.Adjustments{Speed: 1},
		State:       models.BeatStateCompleted,
	}
	if err := e.store.CreateCampaignWithBeats(context.Background(), c, []models.Beat{b}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	return c, b
}

func TestCreateCampaignWithBeats(t *testing.T) {
	env := newTestEnv(t, "")
	vol := 80

	rec := env.do(t, http.MethodPost, "/v1/campaigns", models.CreateCampaignRequest{
		UserID: uuid.New(),
		Brief:  "a mug that keeps coffee hot",
		Beats: []models.BeatInput{
			{FramePrompt: "mug", VideoPrompt: "steam", VoiceVolume: &vol},
			{FramePrompt: "hand", VideoPrompt: "grab", Duration: 3},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.CreateCampaignResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.BeatCount != 2 || resp.Status != models.CampaignStatusDraft {
		t.Errorf("unexpected response %+v", resp)
	}

	beats, _ := env.store.ListBeats(context.Background(), resp.CampaignID)
	if len(beats) != 2 {
		t.Fatalf("expected 2 beats, got %d", len(beats))
	}
	if beats[0].Video.Duration != 5 || beats[0].Audio.VoiceVolume != 80 || beats[0].Audio.AmbienceVolume != 30 {
		t.Errorf("expected defaults applied, got %+v %+v", beats[0].Video, beats[0].Audio)
	}
	if beats[1].Video.Engine != "kling" || beats[1].Role != models.BeatRoleSolution {
		t.Errorf("unexpected second beat %+v", beats[1])
	}
}

func TestCreateCampaignGeneratesScript(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/v1/campaigns", models.CreateCampaignRequest{UserID: uuid.New(), Brief: "mug"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateCampaignResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.BeatCount != 2 {
		t.Errorf("expected 2 generated beats, got %d", resp.BeatCount)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t, "")
	ratio := "3:2"
	tests := []struct {
		name string
		req  models.CreateCampaignRequest
	}{
		{"missing brief", models.CreateCampaignRequest{UserID: uuid.New()}},
		{"missing user", models.CreateCampaignRequest{Brief: "mug"}},
		{"bad aspect", models.CreateCampaignRequest{UserID: uuid.New(), Brief: "mug", AspectRatio: &ratio}},
		{"beat without prompts", models.CreateCampaignRequest{UserID: uuid.New(), Brief: "mug", Beats: []models.BeatInput{{ScriptText: "hi"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/v1/campaigns", tt.req); rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.do(t, http.MethodGet, "/v1/campaigns/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/campaigns/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGenerateEnqueues(t *testing.T) {
	env := newTestEnv(t, "")
	c, _ := env.seedCompleted(t)
	env.store.UpdateCampaignStatus(context.Background(), c.ID, models.CampaignStatusDraft)

	rec := env.do(t, http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/generate", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := env.queueLen(t, queue.QueueGenerateCampaign); n != 1 {
		t.Errorf("expected one queued job, got %d", n)
	}

	env.store.UpdateCampaignStatus(context.Background(), c.ID, models.CampaignStatusGenerating)
	if rec := env.do(t, http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/generate", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while generating, got %d", rec.Code)
	}
}

func TestGenerateOnlyOnce(t *testing.T) {
	env := newTestEnv(t, "")
	c, _ := env.seedCompleted(t)
	env.store.UpdateCampaignStatus(context.Background(), c.ID, models.CampaignStatusDraft)
	path := "/v1/campaigns/" + c.ID.String() + "/generate"

	if rec := env.do(t, http.MethodPost, path, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, path, nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a repeated generate, got %d", rec.Code)
	}
	if n := env.queueLen(t, queue.QueueGenerateCampaign); n != 1 {
		t.Errorf("expected exactly one queued job, got %d", n)
	}
	got, _ := env.store.GetCampaign(context.Background(), c.ID)
	if got.Status != models.CampaignStatusGenerating {
		t.Errorf("expected generating, got %s", got.Status)
	}
}

func TestGenerateRestoresStatusWhenEnqueueFails(t *testing.T) {
	env := newTestEnv(t, "")
	c, _ := env.seedCompleted(t)
	env.store.UpdateCampaignStatus(context.Background(), c.ID, models.CampaignStatusDraft)
	env.redis.Close()

	if rec := env.do(t, http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/generate", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	got, _ := env.store.GetCampaign(context.Background(), c.ID)
	if got.Status != models.CampaignStatusDraft {
		t.Errorf("expected draft restored, got %s", got.Status)
	}
}

func TestAssembleFailsCampaignWhenEnqueueFails(t *testing.T) {
	env := newTestEnv(t, "")
	c, _ := env.seedCompleted(t)
	env.redis.Close()

	if rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%s/assemble", c.ID), nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	got, _ := env.store.GetCampaign(context.Background(), c.ID)
	if got.Status != models.CampaignStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != models.ErrorCodeEnqueueFailed {
		t.Errorf("expected enqueue_failed code, got %v", got.ErrorCode)
	}
}

func TestRegenerateBeat(t *testing.T) {
	env := newTestEnv(t, "")
	c, b := env.seedCompleted(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%s/beats/1/regenerate", c.ID), models.RegenerateRequest{Stage: models.JobKindVideo})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := env.store.GetBeat(context.Background(), b.ID)
	if got.State != models.BeatStateGeneratingVideo || got.Video.RawURL != nil || got.Audio.VoiceURL != nil {
		t.Errorf("expected video and voice reset, got state=%s", got.State)
	}
	if n := env.queueLen(t, queue.QueueGenerateBeat); n != 1 {
		t.Errorf("expected one beat job, got %d", n)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%s/beats/1/regenerate", c.ID), models.RegenerateRequest{Stage: "music"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown stage, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/campaigns/%s/beats/9/regenerate", c.ID), models.RegenerateRequest{Stage: models.JobKindVideo}); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing beat, got %d", rec.Code)
	}
}

func TestUpdateAdjustmentsQueuesRender(t *testing.T) {
	env := newTestEnv(t, "")
	c, b := env.seedCompleted(t)
	start, speed := 0.5, 0.8

	rec := env.do(t, http.MethodPut, fmt.Sprintf("/v1/campaigns/%s/beats/1/adjustments", c.ID), models.AdjustmentsRequest{TrimStart: &start, Speed: &speed})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := env.store.GetBeat(context.Background(), b.ID)
	if got.Adjustments.Speed != 1 || !got.Adjustments.UserOverridden || got.Video.FinalURL != nil {
		t.Errorf("unexpected adjustments %+v", got.Adjustments)
	}
	if n := env.queueLen(t, queue.QueueRenderBeat); n != 1 {
		t.Errorf("expected one render job, got %d", n)
	}
}

func TestAssembleTransitions(t *testing.T) {
	env := newTestEnv(t, "")
	c, _ := env.seedCompleted(t)
	path := fmt.Sprintf("/v1/campaigns/%s/assemble", c.ID)

	if rec := env.do(t, http.MethodPost, path, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, path, nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while assembling, got %d", rec.Code)
	}
	if n := env.queueLen(t, queue.QueueAssemble); n != 1 {
		t.Errorf("expected one assembly job, got %d", n)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, "secret")
	path := "/v1/campaigns/" + uuid.NewString()

	if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil, "X-API-Key", "wrong"); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil, "Authorization", "Bearer secret"); rec.Code != http.StatusNotFound {
		t.Errorf("expected auth to pass, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}
}

func TestWebhookIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "secret")
	c, _ := env.seedCompleted(t)
	env.store.SetPostProcess(context.Background(), c.ID, "editor", "proj-1")

	payload := models.WebhookPayload{ProjectID: "proj-1", Status: "completed", VideoURL: "https://cdn.test/edited.mp4"}

	var first, second webhookAck
	rec := env.do(t, http.MethodPost, "/webhooks/editor", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	json.NewDecoder(rec.Body).Decode(&first)
	if !first.Applied {
		t.Errorf("expected first delivery applied, got %+v", first)
	}

	rec = env.do(t, http.MethodPost, "/webhooks/editor", payload)
	json.NewDecoder(rec.Body).Decode(&second)
	if rec.Code != http.StatusOK || !second.Duplicate || second.Applied {
		t.Errorf("expected duplicate ack, got %d %+v", rec.Code, second)
	}

	got, _ := env.store.GetCampaign(context.Background(), c.ID)
	if got.PostProcessStatus == nil || *got.PostProcessStatus != "completed" || *got.ProcessedVideoURL != "https://cdn.test/edited.mp4" {
		t.Errorf("unexpected post-process state %+v", got)
	}
}

func TestWebhookRejectsProviderMismatch(t *testing.T) {
	env := newTestEnv(t, "")
	c, _ := env.seedCompleted(t)
	env.store.SetPostProcess(context.Background(), c.ID, "editly", "proj-2")

	payload := models.WebhookPayload{ProjectID: "proj-2", Status: "completed", VideoURL: "https://cdn.test/x.mp4"}
	rec := env.do(t, http.MethodPost, "/webhooks/other", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ack webhookAck
	json.NewDecoder(rec.Body).Decode(&ack)
	if ack.Applied || ack.Error == "" {
		t.Errorf("expected unapplied ack with error, got %+v", ack)
	}
	got, _ := env.store.GetCampaign(context.Background(), c.ID)
	if got.PostProcessStatus != nil && *got.PostProcessStatus == "completed" {
		t.Errorf("mismatched provider must not update the campaign")
	}

	// the real provider can still deliver after the rejected attempt
	rec = env.do(t, http.MethodPost, "/webhooks/editly", payload)
	json.NewDecoder(rec.Body).Decode(&ack)
	if !ack.Applied {
		t.Errorf("expected matching provider applied, got %+v", ack)
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	env := newTestEnv(t, "")
	tests := []struct {
		name string
		body any
	}{
		{"unknown project", models.WebhookPayload{ProjectID: "nope", Status: "completed"}},
		{"missing fields", map[string]string{"status": "completed"}},
		{"garbage", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/webhooks/editor", tt.body); rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
		})
	}
}
