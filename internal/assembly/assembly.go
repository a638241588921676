// Package assembly stitches the per-beat clips of a campaign into the final
// ad on the media-processing backend and records the result.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/mediaproc"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/retry"
	"github.com/bobarin/beatreel/internal/storage"
	"github.com/bobarin/beatreel/internal/transform"
	"github.com/google/uuid"
)

type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	ListBeats(ctx context.Context, campaignID uuid.UUID) ([]models.Beat, error)
	FailCampaign(ctx context.Context, id uuid.UUID, code, message string) error
	CompleteCampaign(ctx context.Context, id uuid.UUID, finalURL string, thumbnailURL *string, totalDuration float64) error
	CreateAssemblyRecord(ctx context.Context, rec *models.AssemblyRecord) error
	LatestSelectedFrameVariant(ctx context.Context, beatID uuid.UUID) (*models.FrameVariant, error)
}

// Processor runs a step graph to completion.
type Processor interface {
	Run(ctx context.Context, steps mediaproc.Steps) (*mediaproc.Assembly, error)
}

type Config struct {
	Retry           retry.Policy
	Timeout         time.Duration // bound on the whole remote execution
	URLCheckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retry:           retry.Default(),
		Timeout:         5 * time.Minute,
		URLCheckTimeout: 10 * time.Second,
	}
}

type Engine struct {
	store      Store
	processor  Processor
	objects    storage.ObjectStore
	httpClient *http.Client
	cfg        Config
	log        *logger.Logger
}

func New(store Store, processor Processor, objects storage.ObjectStore, cfg Config, log *logger.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.URLCheckTimeout <= 0 {
		cfg.URLCheckTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.Default()
	}
	return &Engine{
		store:      store,
		processor:  processor,
		objects:    objects,
		httpClient: &http.Client{},
		cfg:        cfg,
		log:        log.With("component", "assembly"),
	}
}

// Assemble validates, stitches and persists a campaign that is in the
// assembling state. Any failure is also recorded on the campaign.
func (e *Engine) Assemble(ctx context.Context, campaignID uuid.UUID) (*models.AssemblyRecord, error) {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != models.CampaignStatusAssembling {
		return nil, apperr.Validation(fmt.Sprintf("campaign is %s, not assembling", campaign.Status))
	}

	log := e.log.With("campaign_id", campaignID)

	beats, cuts, err := e.prepare(ctx, campaignID)
	if err != nil {
		return nil, e.fail(ctx, campaignID, models.ErrorCodeValidationFailed, err)
	}

	clips := make([]Clip, len(beats))
	for i, b := range beats {
		clips[i] = Clip{Order: b.Order, URL: *b.Video.FinalURL}
	}

	if err := CheckClips(ctx, e.httpClient, clips, e.cfg.URLCheckTimeout); err != nil {
		return nil, e.fail(ctx, campaignID, models.ErrorCodeValidationFailed, err)
	}

	steps, err := BuildSteps(clips, campaign.AspectRatio)
	if err != nil {
		return nil, e.fail(ctx, campaignID, models.ErrorCodeValidationFailed, err)
	}

	result, err := e.execute(ctx, steps)
	if err != nil {
		return nil, e.fail(ctx, campaignID, models.ErrorCodeAssemblyFailed, err)
	}

	outputURL, ok := result.ResultURL(StepCrop)
	if !ok {
		return nil, e.fail(ctx, campaignID, models.ErrorCodeAssemblyFailed,
			fmt.Errorf("assembly %s produced no %s output", result.ID, StepCrop))
	}

	thumbnail := e.thumbnail(ctx, campaignID, result, beats[0])

	var total float64
	for _, c := range cuts {
		total += c.OutputDuration
	}

	rec := &models.AssemblyRecord{
		ID:            uuid.New(),
		CampaignID:    campaignID,
		OutputURL:     outputURL,
		ThumbnailURL:  thumbnail,
		TotalDuration: total,
		Beats:         cuts,
	}
	if err := e.store.CreateAssemblyRecord(ctx, rec); err != nil {
		return nil, e.fail(ctx, campaignID, models.ErrorCodePersistFailed, err)
	}
	if err := e.store.CompleteCampaign(ctx, campaignID, outputURL, thumbnail, total); err != nil {
		return nil, e.fail(ctx, campaignID, models.ErrorCodePersistFailed, err)
	}

	log.Info("campaign assembled", "output_url", outputURL, "duration", total, "beats", len(beats))
	return rec, nil
}

// prepare loads the beats in concat order and checks each one has a
// rendered clip.
func (e *Engine) prepare(ctx context.Context, campaignID uuid.UUID) ([]models.Beat, models.BeatCuts, error) {
	all, err := e.store.ListBeats(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, apperr.Validation("campaign has no beats")
	}
	beats, err := transform.ConcatOrder(all)
	if err != nil {
		return nil, nil, err
	}

	var missing []int
	for _, b := range beats {
		if b.State != models.BeatStateCompleted || b.Video.FinalURL == nil || *b.Video.FinalURL == "" {
			missing = append(missing, b.Order)
		}
	}
	if len(missing) > 0 {
		return nil, nil, apperr.Validation("beats are not rendered", missing...)
	}

	cuts := make(models.BeatCuts, len(beats))
	for i := range beats {
		b := &beats[i]
		plan, err := transform.Build(transform.BeatParams(b, 0))
		if err != nil {
			return nil, nil, err
		}
		// the rendered clip already carries trim and speed
		duration := plan.OutputDuration
		if d := b.Video.RenderedDuration; d != nil && *d > 0 {
			duration = *d
		}
		cuts[i] = models.BeatCut{
			Order:          b.Order,
			VideoURL:       *b.Video.FinalURL,
			TrimStart:      b.Adjustments.TrimStart,
			TrimEnd:        b.Adjustments.TrimEnd,
			Speed:          plan.Speed,
			OutputDuration: duration,
		}
	}
	return beats, cuts, nil
}

func (e *Engine) execute(ctx context.Context, steps mediaproc.Steps) (*mediaproc.Assembly, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	policy := e.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			e.log.Warn("assembly attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	var result *mediaproc.Assembly
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		a, err := e.processor.Run(ctx, steps)
		if err != nil {
			return err
		}
		result = a
		return nil
	})
	return result, err
}

// thumbnail re-hosts the extracted frame. On failure it falls back to the
// first beat's selected frame variant, then its frame image. Nil when
// nothing is available.
func (e *Engine) thumbnail(ctx context.Context, campaignID uuid.UUID, result *mediaproc.Assembly, first models.Beat) *string {
	log := e.log.With("campaign_id", campaignID)

	if src, ok := result.ResultURL(StepThumb); ok {
		u, err := e.persistThumbnail(ctx, campaignID, src)
		if err == nil {
			return &u
		}
		log.Warn("thumbnail upload failed, using frame fallback", "error", err)
	}

	v, err := e.store.LatestSelectedFrameVariant(ctx, first.ID)
	if err != nil {
		log.Warn("failed to load frame variant", "error", err)
	}
	if v != nil && v.ImageURL != "" {
		u := v.ImageURL
		return &u
	}
	if first.Frame.ImageURL != nil && *first.Frame.ImageURL != "" {
		u := *first.Frame.ImageURL
		return &u
	}
	return nil
}

func (e *Engine) persistThumbnail(ctx context.Context, campaignID uuid.UUID, src string) (string, error) {
	if e.objects == nil {
		return "", errors.New("no object store configured")
	}
	data, ct, err := storage.FetchURL(ctx, src)
	if err != nil {
		return "", err
	}
	if ct == "" {
		ct = "image/jpeg"
	}
	return storage.Replace(ctx, e.objects, storage.ThumbnailKey(campaignID), data, ct)
}

// fail records err on the campaign and returns it. A cancelled ctx is
// recorded as an interruption so the campaign never stays assembling.
func (e *Engine) fail(ctx context.Context, campaignID uuid.UUID, code string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		code, err = models.ErrorCodeInterrupted, fmt.Errorf("assembly interrupted: %w", cerr)
	}
	e.log.Error("assembly failed", "campaign_id", campaignID, "code", code, "error", err)
	if ferr := e.store.FailCampaign(context.WithoutCancel(ctx), campaignID, code, err.Error()); ferr != nil {
		return fmt.Errorf("%w (also failed to record failure: %v)", err, ferr)
	}
	return err
}
