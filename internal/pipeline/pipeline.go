// Package pipeline drives each beat through frame, video, voice and
// ambience generation, renders its final clip and settles the campaign
// once every beat is terminal.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/beatreel/internal/jobclient"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/services"
	"github.com/bobarin/beatreel/internal/speech"
	"github.com/google/uuid"
)

// Store is the persistence the orchestrator needs. Every status write is a
// compare-and-swap; the bool results report whether the caller won.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus) (bool, error)
	FailCampaign(ctx context.Context, id uuid.UUID, code, message string) error

	GetBeat(ctx context.Context, id uuid.UUID) (*models.Beat, error)
	ListBeats(ctx context.Context, campaignID uuid.UUID) ([]models.Beat, error)
	UpdateBeatState(ctx context.Context, id uuid.UUID, state models.BeatState) error
	FailBeat(ctx context.Context, id uuid.UUID, stage, message string, creditsConsumed bool) error
	ResetBeatStage(ctx context.Context, id uuid.UUID, kind models.JobKind) error
	SaveBeatAnalysis(ctx context.Context, id uuid.UUID, t *models.Transcription, adj *models.Adjustments) error
	SetBeatAdjustments(ctx context.Context, id uuid.UUID, adj models.Adjustments) error
	CompleteBeatRender(ctx context.Context, id uuid.UUID, finalURL, mixedURL string, duration float64) error
	ClaimBeat(ctx context.Context, id, runID uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseBeat(ctx context.Context, id, runID uuid.UUID) error

	CreateGenerationJob(ctx context.Context, job *models.GenerationJob) error
	MarkJobCharged(ctx context.Context, id uuid.UUID, billed int64) error
	SupersedeJobs(ctx context.Context, beatID uuid.UUID, kind models.JobKind) (int64, error)
	CompleteGenerationJob(ctx context.Context, jobID uuid.UUID, resultURL string, actualCost *int64) (bool, error)
	FailGenerationJob(ctx context.Context, jobID uuid.UUID, message string) (bool, error)
}

// Ledger is the credits contract. Deduct returns apperr.ErrInsufficientCredits
// when the balance cannot cover cost.
type Ledger interface {
	CheckBalance(ctx context.Context, userID uuid.UUID, cost int64) (bool, error)
	Deduct(ctx context.Context, userID uuid.UUID, cost int64, reason string) (int64, error)
}

// Billing controls whether stages are charged. Bypass is for internal
// deployments only.
type Billing struct {
	Bypass bool
}

type Renderer interface {
	RenderBeat(ctx context.Context, campaign *models.Campaign, b *models.Beat) (*services.RenderOutput, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) ([]speech.Word, error)
}

// Enqueuer hands a settled campaign to the assembly worker.
type Enqueuer interface {
	EnqueueAssemble(ctx context.Context, campaignID uuid.UUID) error
}

type Config struct {
	FrameModel    string
	VoiceModel    string
	AmbienceModel string

	Costs    map[models.JobKind]int64
	Policies jobclient.Policies
	Speech   speech.Thresholds

	BeatConcurrency int
	// BeatLease bounds how long a crashed run blocks its beat. It must
	// outlast the longest stage's poll budget.
	BeatLease time.Duration
}

// Deps are the collaborators of an Orchestrator. Transcriber and Enqueuer
// may be nil.
type Deps struct {
	Store       Store
	Runner      jobclient.Runner
	Ledger      Ledger
	Renderer    Renderer
	Transcriber Transcriber
	Enqueuer    Enqueuer
}

type Orchestrator struct {
	store       Store
	runner      jobclient.Runner
	ledger      Ledger
	billing     Billing
	renderer    Renderer
	transcriber Transcriber
	enqueuer    Enqueuer
	cfg         Config
	log         *logger.Logger
}

func New(deps Deps, billing Billing, cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.Policies == nil {
		cfg.Policies = jobclient.DefaultPolicies()
	}
	if cfg.Speech.TargetSPS <= 0 {
		cfg.Speech = speech.DefaultThresholds()
	}
	if cfg.BeatConcurrency <= 0 {
		cfg.BeatConcurrency = 4
	}
	if cfg.BeatLease <= 0 {
		cfg.BeatLease = time.Hour
	}

	return &Orchestrator{
		store:       deps.Store,
		runner:      deps.Runner,
		ledger:      deps.Ledger,
		billing:     billing,
		renderer:    deps.Renderer,
		transcriber: deps.Transcriber,
		enqueuer:    deps.Enqueuer,
		cfg:         cfg,
		log:         log.With("component", "pipeline"),
	}
}

// ErrBeatFailed is returned when a stage failure was recorded on the beat.
var ErrBeatFailed = errors.New("beat failed")

// errYielded means another actor (recovery, a regenerate) resolved the job
// first. The lease holder reloads the beat and carries on from there.
var errYielded = errors.New("job resolved elsewhere")
