package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type CampaignStatus string

const (
	CampaignStatusDraft      CampaignStatus = "draft"
	CampaignStatusGenerating CampaignStatus = "generating"
	CampaignStatusAssembling CampaignStatus = "assembling"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusFailed     CampaignStatus = "failed"
)

type BeatState string

const (
	BeatStatePending           BeatState = "pending"
	BeatStateGeneratingFrame   BeatState = "generating_frame"
	BeatStateGeneratingVideo   BeatState = "generating_video"
	BeatStateGeneratingVoice   BeatState = "generating_voice"
	BeatStateGeneratingAmbient BeatState = "generating_ambient"
	BeatStateCompleted         BeatState = "completed"
	BeatStateFailed            BeatState = "failed"
)

type BeatRole string

const (
	BeatRoleHook      BeatRole = "hook"
	BeatRoleProblem   BeatRole = "problem"
	BeatRoleAgitation BeatRole = "agitation"
	BeatRoleSolution  BeatRole = "solution"
	BeatRoleProof     BeatRole = "proof"
	BeatRoleCTA       BeatRole = "cta"
)

// JobKind is the generation stage a GenerationJob belongs to.
type JobKind string

const (
	JobKindFrame    JobKind = "frame"
	JobKindVideo    JobKind = "video"
	JobKindVoice    JobKind = "voice"
	JobKindAmbience JobKind = "ambience"
)

// StageRender is recorded as the failed stage when the per-beat mix/trim
// render fails after all generation stages succeeded.
const StageRender = "render"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSuperseded JobStatus = "superseded"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusSuperseded
}

// Remediation hints surfaced with a failed beat.
const (
	RemediationRegenerate     = "regenerate_beat"
	RemediationRechargeCredit = "recharge_credits"
)

// Campaign error codes.
const (
	ErrorCodeBeatsFailed      = "beats_failed"
	ErrorCodeValidationFailed = "validation_failed"
	ErrorCodeAssemblyFailed   = "assembly_failed"
	ErrorCodePersistFailed    = "persist_failed"
	ErrorCodeInterrupted      = "assembly_interrupted"
	ErrorCodeEnqueueFailed    = "enqueue_failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

type Campaign struct {
	ID            uuid.UUID      `json:"id"`
	UserID        uuid.UUID      `json:"user_id"`
	Brief         string         `json:"brief"`
	AspectRatio   string         `json:"aspect_ratio"` // "9:16" (default), "16:9", "1:1", "4:5"
	Status        CampaignStatus `json:"status"`
	FinalVideoURL *string        `json:"final_video_url,omitempty"`
	ThumbnailURL  *string        `json:"thumbnail_url,omitempty"`
	TotalDuration *float64       `json:"total_duration,omitempty"` // seconds, set on assembly
	ErrorCode     *string        `json:"error_code,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	// Post-processing (external editor, reported back through the webhook)
	PostProcessProvider  *string   `json:"post_process_provider,omitempty"`
	PostProcessProjectID *string   `json:"post_process_project_id,omitempty"`
	PostProcessStatus    *string   `json:"post_process_status,omitempty"`
	ProcessedVideoURL    *string   `json:"processed_video_url,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type FrameSpec struct {
	Prompt   string  `json:"prompt"`
	ImageURL *string `json:"image_url,omitempty"`
}

// VideoSpec.Duration is the duration requested from the video engine.
// Post-generation trimming lives in Adjustments and never changes it.
type VideoSpec struct {
	Engine   string  `json:"engine"`
	Duration float64 `json:"duration"`
	Prompt   string  `json:"prompt"`
	RawURL   *string `json:"raw_url,omitempty"`
	FinalURL *string `json:"final_url,omitempty"` // mixed, trimmed, speed-adjusted clip
	// RenderedDuration is the measured length of FinalURL in seconds.
	RenderedDuration *float64 `json:"rendered_duration,omitempty"`
}

type AudioSpec struct {
	VoiceRef       string  `json:"voice_ref"`
	VoiceURL       *string `json:"voice_url,omitempty"`
	AmbiencePrompt string  `json:"ambience_prompt"`
	AmbienceURL    *string `json:"ambience_url,omitempty"`
	VoiceVolume    int     `json:"voice_volume"`    // 0-100
	AmbienceVolume int     `json:"ambience_volume"` // 0-100
	MixedURL       *string `json:"mixed_url,omitempty"`
}

// Transcription holds the speech analysis of a beat's voice track.
type Transcription struct {
	Text               string  `json:"text,omitempty"`
	SpeechStart        float64 `json:"speech_start"`
	SpeechEnd          float64 `json:"speech_end"`
	SyllablesPerSecond float64 `json:"syllables_per_second"`
	SuggestedSpeed     float64 `json:"suggested_speed"`
}

func (t Transcription) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *Transcription) Scan(value interface{}) error {
	return scanJSON(value, t)
}

// Adjustments are the effective post-generation edit parameters of a beat.
type Adjustments struct {
	TrimStart      *float64 `json:"trim_start,omitempty"`
	TrimEnd        *float64 `json:"trim_end,omitempty"`
	Speed          float64  `json:"speed"`
	UserOverridden bool     `json:"user_overridden"`
}

func (a Adjustments) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *Adjustments) Scan(value interface{}) error {
	return scanJSON(value, a)
}

type Beat struct {
	ID            uuid.UUID      `json:"id"`
	CampaignID    uuid.UUID      `json:"campaign_id"`
	Order         int            `json:"order"` // 1-based concatenation order
	Role          BeatRole       `json:"role"`
	ScriptText    string         `json:"script_text"`
	Frame         FrameSpec      `json:"frame"`
	Video         VideoSpec      `json:"video"`
	Audio         AudioSpec      `json:"audio"`
	Transcription *Transcription `json:"transcription,omitempty"`
	Adjustments   Adjustments    `json:"adjustments"`
	State         BeatState      `json:"state"`
	// Failure details, set when State is failed
	FailedStage     *string   `json:"failed_stage,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	CreditsConsumed bool      `json:"credits_consumed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type GenerationJob struct {
	ID             uuid.UUID  `json:"id"`
	CampaignID     uuid.UUID  `json:"campaign_id"`
	BeatID         uuid.UUID  `json:"beat_id"`
	Kind           JobKind    `json:"kind"`
	Engine         string     `json:"engine"`
	ModelPath      string     `json:"model_path"`
	RequestID      string     `json:"request_id"` // backend request id (or operation name)
	Status         JobStatus  `json:"status"`
	EstimatedCost  int64      `json:"estimated_cost"`
	ActualCost     *int64     `json:"actual_cost,omitempty"`
	BilledCost     int64      `json:"billed_cost"`
	CreditsCharged bool       `json:"credits_charged"`
	ResultURL      *string    `json:"result_url,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// FrameVariant is one generated still for a beat. The newest completed
// frame is the selected one.
type FrameVariant struct {
	ID        uuid.UUID `json:"id"`
	BeatID    uuid.UUID `json:"beat_id"`
	ImageURL  string    `json:"image_url"`
	Selected  bool      `json:"selected"`
	CreatedAt time.Time `json:"created_at"`
}

// BeatCut records the parameters one beat was assembled with.
type BeatCut struct {
	Order          int      `json:"order"`
	VideoURL       string   `json:"video_url"`
	TrimStart      *float64 `json:"trim_start,omitempty"`
	TrimEnd        *float64 `json:"trim_end,omitempty"`
	Speed          float64  `json:"speed"`
	OutputDuration float64  `json:"output_duration"`
}

type BeatCuts []BeatCut

func (c BeatCuts) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *BeatCuts) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// AssemblyRecord is an immutable snapshot of one successful assembly.
type AssemblyRecord struct {
	ID            uuid.UUID `json:"id"`
	CampaignID    uuid.UUID `json:"campaign_id"`
	OutputURL     string    `json:"output_url"`
	ThumbnailURL  *string   `json:"thumbnail_url,omitempty"`
	TotalDuration float64   `json:"total_duration"`
	Beats         BeatCuts  `json:"beats"`
	CreatedAt     time.Time `json:"created_at"`
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// DTOs for API requests/responses

type BeatInput struct {
	Role           BeatRole `json:"role"`
	ScriptText     string   `json:"script_text"`
	FramePrompt    string   `json:"frame_prompt"`
	VideoPrompt    string   `json:"video_prompt"`
	Duration       float64  `json:"duration"` // requested generation duration, seconds
	VoiceRef       string   `json:"voice_ref"`
	AmbiencePrompt string   `json:"ambience_prompt"`
	VoiceVolume    *int     `json:"voice_volume,omitempty"`    // Default: 100
	AmbienceVolume *int     `json:"ambience_volume,omitempty"` // Default: 30
}

type CreateCampaignRequest struct {
	UserID      uuid.UUID   `json:"user_id"`
	Brief       string      `json:"brief"`
	AspectRatio *string     `json:"aspect_ratio,omitempty"` // Default: "9:16"
	VideoEngine *string     `json:"video_engine,omitempty"` // Default: config VIDEO_ENGINE
	VoiceRef    *string     `json:"voice_ref,omitempty"`
	Beats       []BeatInput `json:"beats,omitempty"` // empty = generated from the brief
}

type CreateCampaignResponse struct {
	CampaignID uuid.UUID      `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`
	BeatCount  int            `json:"beat_count"`
}

type CampaignResponse struct {
	Campaign
	Beats []Beat `json:"beats"`
}

type AdjustmentsRequest struct {
	TrimStart *float64 `json:"trim_start,omitempty"`
	TrimEnd   *float64 `json:"trim_end,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

type RegenerateRequest struct {
	Stage JobKind `json:"stage"`
}

type PostProcessRequest struct {
	Provider  string `json:"provider"`
	ProjectID string `json:"project_id"`
}

// WebhookPayload is the body an external post-processing provider posts back.
type WebhookPayload struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
	VideoURL  string `json:"videoUrl,omitempty"`
}

// BeatFailure is the user-visible description of a failed beat.
type BeatFailure struct {
	BeatOrder       int    `json:"beat_order"`
	Stage           string `json:"stage"`
	Message         string `json:"message"`
	CreditsConsumed bool   `json:"credits_consumed"`
	Remediation     string `json:"remediation"`
}

type Progress struct {
	CampaignID uuid.UUID         `json:"campaign_id"`
	Status     CampaignStatus    `json:"status"`
	Total      int               `json:"total"`
	ByState    map[BeatState]int `json:"by_state"`
	Percent    float64           `json:"percent"`
	Failures   []BeatFailure     `json:"failures,omitempty"`
}
