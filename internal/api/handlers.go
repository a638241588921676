package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/recovery"
	"github.com/bobarin/beatreel/internal/transform"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Store interface {
	CreateCampaignWithBeats(ctx context.Context, campaign *models.Campaign, beats []models.Beat) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	GetCampaignByPostProcessProject(ctx context.Context, projectID string) (*models.Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus) (bool, error)
	FailCampaign(ctx context.Context, id uuid.UUID, code, message string) error
	SetPostProcess(ctx context.Context, id uuid.UUID, provider, projectID string) error
	ApplyPostProcessResult(ctx context.Context, id uuid.UUID, status string, videoURL *string) (bool, error)
	ListBeats(ctx context.Context, campaignID uuid.UUID) ([]models.Beat, error)
	GetBeatByOrder(ctx context.Context, campaignID uuid.UUID, order int) (*models.Beat, error)
	ListAssemblyRecords(ctx context.Context, campaignID uuid.UUID) ([]models.AssemblyRecord, error)
}

// Orchestrator is the subset of the beat pipeline the API drives directly.
type Orchestrator interface {
	RegenerateStage(ctx context.Context, beatID uuid.UUID, kind models.JobKind) (*models.Beat, error)
	UpdateAdjustments(ctx context.Context, beatID uuid.UUID, req models.AdjustmentsRequest) (*models.Beat, error)
	Progress(ctx context.Context, campaignID uuid.UUID) (*models.Progress, error)
}

type Queue interface {
	EnqueueGenerateCampaign(ctx context.Context, campaignID uuid.UUID) error
	EnqueueGenerateBeat(ctx context.Context, campaignID, beatID uuid.UUID) error
	EnqueueRenderBeat(ctx context.Context, campaignID, beatID uuid.UUID) error
	EnqueueAssemble(ctx context.Context, campaignID uuid.UUID) error
	Claimer
}

// ScriptWriter drafts beats from a brief when a campaign is created without them.
type ScriptWriter interface {
	GenerateAdScript(ctx context.Context, brief, aspectRatio string) ([]models.BeatInput, error)
}

type Scanner interface {
	Scan(ctx context.Context) (*recovery.Report, error)
}

// Deps are the collaborators of a Handler. Script and Recovery may be nil.
type Deps struct {
	Store        Store
	Orchestrator Orchestrator
	Queue        Queue
	Script       ScriptWriter
	Recovery     Scanner
}

type Handler struct {
	store        Store
	orchestrator Orchestrator
	queue        Queue
	script       ScriptWriter
	recovery     Scanner
	videoEngine  string
	log          *logger.Logger
}

func NewHandler(deps Deps, defaultVideoEngine string, log *logger.Logger) *Handler {
	return &Handler{
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		queue:        deps.Queue,
		script:       deps.Script,
		recovery:     deps.Recovery,
		videoEngine:  defaultVideoEngine,
		log:          log.With("component", "api"),
	}
}

const (
	defaultBeatDuration   = 5.0
	defaultVoiceVolume    = 100
	defaultAmbienceVolume = 30
	maxBeats              = 12
)

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Brief) == "" {
		respondError(w, http.StatusBadRequest, "Brief is required")
		return
	}
	if req.UserID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	aspect := "9:16"
	if req.AspectRatio != nil {
		aspect = *req.AspectRatio
	}
	if _, _, err := transform.Dimensions(aspect); err != nil {
		respondAppError(w, err)
		return
	}

	inputs := req.Beats
	if len(inputs) == 0 {
		if h.script == nil {
			respondError(w, http.StatusBadRequest, "Beats are required when script generation is not configured")
			return
		}
		generated, err := h.script.GenerateAdScript(r.Context(), req.Brief, aspect)
		if err != nil {
			h.log.Error("script generation failed", "error", err)
			respondError(w, http.StatusBadGateway, "Failed to generate ad script")
			return
		}
		inputs = generated
	}
	if len(inputs) > maxBeats {
		respondError(w, http.StatusBadRequest, "Too many beats (max "+strconv.Itoa(maxBeats)+")")
		return
	}

	engine := h.videoEngine
	if req.VideoEngine != nil && *req.VideoEngine != "" {
		engine = *req.VideoEngine
	}
	voiceRef := ""
	if req.VoiceRef != nil {
		voiceRef = *req.VoiceRef
	}

	campaign := &models.Campaign{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Brief:       req.Brief,
		AspectRatio: aspect,
		Status:      models.CampaignStatusDraft,
	}
	beats, err := buildBeats(inputs, engine, voiceRef)
	if err != nil {
		respondAppError(w, err)
		return
	}

	if err := h.store.CreateCampaignWithBeats(r.Context(), campaign, beats); err != nil {
		h.log.Error("failed to create campaign", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	h.log.Info("campaign created", "campaign_id", campaign.ID, "beats", len(beats))
	respondJSON(w, http.StatusCreated, models.CreateCampaignResponse{
		CampaignID: campaign.ID,
		Status:     campaign.Status,
		BeatCount:  len(beats),
	})
}

func buildBeats(inputs []models.BeatInput, engine, voiceRef string) ([]models.Beat, error) {
	beats := make([]models.Beat, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.FramePrompt) == "" || strings.TrimSpace(in.VideoPrompt) == "" {
			return nil, apperr.Validation("frame_prompt and video_prompt are required", i+1)
		}
		if in.Duration < 0 {
			return nil, apperr.Validation("duration must be positive", i+1)
		}

		duration := in.Duration
		if duration == 0 {
			duration = defaultBeatDuration
		}
		role := in.Role
		if role == "" {
			role = models.BeatRoleHook
			if i > 0 {
				role = models.BeatRoleSolution
			}
		}
		ref := in.VoiceRef
		if ref == "" {
			ref = voiceRef
		}

		beats[i] = models.Beat{
			ID:         uuid.New(),
			Order:      i + 1,
			Role:       role,
			ScriptText: in.ScriptText,
			Frame:      models.FrameSpec{Prompt: in.FramePrompt},
			Video:      models.VideoSpec{Engine: engine, Duration: duration, Prompt: in.VideoPrompt},
			Audio: models.AudioSpec{
				VoiceRef:       ref,
				AmbiencePrompt: in.AmbiencePrompt,
				VoiceVolume:    intOr(in.VoiceVolume, defaultVoiceVolume),
				AmbienceVolume: intOr(in.AmbienceVolume, defaultAmbienceVolume),
			},
			Adjustments: models.Adjustments{Speed: 1},
			State:       models.BeatStatePending,
		}
	}
	return beats, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}

	beats, err := h.store.ListBeats(r.Context(), campaign.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get beats")
		return
	}

	respondJSON(w, http.StatusOK, models.CampaignResponse{Campaign: *campaign, Beats: beats})
}

// GetProgress handles GET /v1/campaigns/{id}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	p, err := h.orchestrator.Progress(r.Context(), id)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GenerateCampaign handles POST /v1/campaigns/{id}/generate
func (h *Handler) GenerateCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}

	// only one request moves the campaign to generating
	won, err := h.store.TransitionCampaign(r.Context(), campaign.ID,
		[]models.CampaignStatus{models.CampaignStatusDraft, models.CampaignStatusFailed},
		models.CampaignStatusGenerating)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update campaign")
		return
	}
	if !won {
		respondError(w, http.StatusConflict, "Campaign is already generating or assembling")
		return
	}

	if err := h.queue.EnqueueGenerateCampaign(r.Context(), campaign.ID); err != nil {
		h.log.Error("failed to enqueue generation", "campaign_id", campaign.ID, "error", err)
		if _, rerr := h.store.TransitionCampaign(context.WithoutCancel(r.Context()), campaign.ID,
			[]models.CampaignStatus{models.CampaignStatusGenerating}, campaign.Status); rerr != nil {
			h.log.Error("failed to restore campaign status", "campaign_id", campaign.ID, "error", rerr)
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"campaign_id": campaign.ID, "status": "queued"})
}

// RegenerateBeat handles POST /v1/campaigns/{id}/beats/{order}/regenerate
func (h *Handler) RegenerateBeat(w http.ResponseWriter, r *http.Request) {
	beat, ok := h.loadBeat(w, r)
	if !ok {
		return
	}

	var req models.RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.orchestrator.RegenerateStage(r.Context(), beat.ID, req.Stage)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if err := h.queue.EnqueueGenerateBeat(r.Context(), beat.CampaignID, beat.ID); err != nil {
		h.log.Error("failed to enqueue beat", "beat_id", beat.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, updated)
}

// UpdateAdjustments handles PUT /v1/campaigns/{id}/beats/{order}/adjustments
func (h *Handler) UpdateAdjustments(w http.ResponseWriter, r *http.Request) {
	beat, ok := h.loadBeat(w, r)
	if !ok {
		return
	}

	var req models.AdjustmentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	campaign, err := h.store.GetCampaign(r.Context(), beat.CampaignID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if campaign.Status == models.CampaignStatusAssembling {
		respondError(w, http.StatusConflict, "Campaign is assembling")
		return
	}

	updated, err := h.orchestrator.UpdateAdjustments(r.Context(), beat.ID, req)
	if err != nil {
		respondAppError(w, err)
		return
	}

	// beats still generating pick the adjustments up when they render
	if updated.State != models.BeatStateCompleted {
		respondJSON(w, http.StatusOK, updated)
		return
	}
	if err := h.queue.EnqueueRenderBeat(r.Context(), beat.CampaignID, beat.ID); err != nil {
		h.log.Error("failed to enqueue render", "beat_id", beat.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, updated)
}

// AssembleCampaign handles POST /v1/campaigns/{id}/assemble
func (h *Handler) AssembleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	won, err := h.store.TransitionCampaign(r.Context(), id,
		[]models.CampaignStatus{models.CampaignStatusCompleted, models.CampaignStatusFailed},
		models.CampaignStatusAssembling)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update campaign")
		return
	}
	if !won {
		campaign, err := h.store.GetCampaign(r.Context(), id)
		if err != nil {
			respondAppError(w, err)
			return
		}
		respondError(w, http.StatusConflict, "Campaign is "+string(campaign.Status))
		return
	}

	if err := h.queue.EnqueueAssemble(r.Context(), id); err != nil {
		h.log.Error("failed to enqueue assembly", "campaign_id", id, "error", err)
		// leave the campaign retryable instead of stuck in assembling
		if ferr := h.store.FailCampaign(context.WithoutCancel(r.Context()), id, models.ErrorCodeEnqueueFailed, err.Error()); ferr != nil {
			h.log.Error("failed to record enqueue failure", "campaign_id", id, "error", ferr)
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": models.CampaignStatusAssembling})
}

// ListAssemblies handles GET /v1/campaigns/{id}/assemblies
func (h *Handler) ListAssemblies(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	records, err := h.store.ListAssemblyRecords(r.Context(), campaign.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list assemblies")
		return
	}
	if records == nil {
		records = []models.AssemblyRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// SetPostProcess handles PUT /v1/campaigns/{id}/post-process
func (h *Handler) SetPostProcess(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}

	var req models.PostProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Provider == "" || req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "provider and project_id are required")
		return
	}
	if campaign.Status != models.CampaignStatusCompleted {
		respondError(w, http.StatusConflict, "Campaign has no assembled video yet")
		return
	}

	if err := h.store.SetPostProcess(r.Context(), campaign.ID, req.Provider, req.ProjectID); err != nil {
		h.log.Error("failed to record post-process", "campaign_id", campaign.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to update campaign")
		return
	}

	updated, err := h.store.GetCampaign(r.Context(), campaign.ID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// RecoveryScan handles POST /v1/recovery/scan
func (h *Handler) RecoveryScan(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		respondError(w, http.StatusServiceUnavailable, "Recovery is not configured")
		return
	}
	rep, err := h.recovery.Scan(r.Context())
	if err != nil {
		h.log.Error("recovery scan failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Recovery scan failed")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper methods

func campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id, ok := campaignID(w, r)
	if !ok {
		return nil, false
	}
	campaign, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondAppError(w, err)
		return nil, false
	}
	return campaign, true
}

func (h *Handler) loadBeat(w http.ResponseWriter, r *http.Request) (*models.Beat, bool) {
	id, ok := campaignID(w, r)
	if !ok {
		return nil, false
	}
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 1 {
		respondError(w, http.StatusBadRequest, "Invalid beat order")
		return nil, false
	}
	beat, err := h.store.GetBeatByOrder(r.Context(), id, order)
	if err != nil {
		respondAppError(w, err)
		return nil, false
	}
	return beat, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondAppError maps the error taxonomy onto status codes.
func respondAppError(w http.ResponseWriter, err error) {
	var v *apperr.ValidationError
	switch {
	case errors.As(err, &v):
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": v.Message, "beat_orders": v.BeatOrders})
	case apperr.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}
