package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/jobclient"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/speech"
	"github.com/google/uuid"
)

// RunBeat runs the remaining stages of a beat, renders it and settles the
// campaign. The next stage is derived from which assets exist, so a
// resumed beat never repeats a completed stage. Only the holder of the
// beat's run lease drives it; a second run yields. A recorded stage
// failure is not returned as an error; cancellation leaves the in-flight
// job pending for recovery.
func (o *Orchestrator) RunBeat(ctx context.Context, beatID uuid.UUID) error {
	beat, err := o.store.GetBeat(ctx, beatID)
	if err != nil {
		return err
	}
	campaign, err := o.store.GetCampaign(ctx, beat.CampaignID)
	if err != nil {
		return err
	}

	log := o.log.With("campaign_id", campaign.ID, "beat", beat.Order)

	if beat.State == models.BeatStateFailed {
		log.Info("beat is failed, waiting for regenerate")
		return nil
	}

	runID := uuid.New()
	release, ok, err := o.claim(ctx, beat.ID, runID)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("beat is driven by another run, yielding")
		return nil
	}
	defer release()

	if beat, err = o.store.GetBeat(ctx, beatID); err != nil {
		return err
	}

	for {
		kind, ok := beat.NextStage()
		if !ok {
			break
		}
		// renew per stage; a lost lease means a newer run took over
		held, err := o.store.ClaimBeat(ctx, beat.ID, runID, o.cfg.BeatLease)
		if err != nil {
			return err
		}
		if !held {
			log.Warn("beat lease lost, stopping", "stage", kind)
			return nil
		}

		err = o.runStage(ctx, campaign, beat, kind)
		switch {
		case errors.Is(err, errYielded):
			log.Info("stage resolved elsewhere, reloading", "stage", kind)
		case errors.Is(err, ErrBeatFailed):
			log.Warn("beat failed", "stage", kind, "error", err)
			_, serr := o.SettleCampaign(ctx, campaign.ID)
			return serr
		case err != nil:
			return err
		}

		if beat, err = o.store.GetBeat(ctx, beatID); err != nil {
			return err
		}
		if beat.State == models.BeatStateFailed {
			_, serr := o.SettleCampaign(ctx, campaign.ID)
			return serr
		}
	}

	if beat.NeedsRender() {
		if err := o.finalize(ctx, campaign, beat); err != nil {
			if errors.Is(err, ErrBeatFailed) {
				log.Warn("beat render failed", "error", err)
			} else {
				return err
			}
		}
	}

	_, err = o.SettleCampaign(ctx, campaign.ID)
	return err
}

// RenderBeat re-renders a beat whose assets are all present, e.g. after
// its adjustments changed.
func (o *Orchestrator) RenderBeat(ctx context.Context, beatID uuid.UUID) error {
	release, ok, err := o.claim(ctx, beatID, uuid.New())
	if err != nil {
		return err
	}
	if !ok {
		o.log.Info("beat is driven by another run, skipping render", "beat_id", beatID)
		return nil
	}
	defer release()

	beat, err := o.store.GetBeat(ctx, beatID)
	if err != nil {
		return err
	}
	if !beat.NeedsRender() {
		return nil
	}
	campaign, err := o.store.GetCampaign(ctx, beat.CampaignID)
	if err != nil {
		return err
	}

	if err := o.finalize(ctx, campaign, beat); err != nil && !errors.Is(err, ErrBeatFailed) {
		return err
	}
	_, err = o.SettleCampaign(ctx, campaign.ID)
	return err
}

// claim takes the beat's run lease. release survives cancellation of ctx
// so a stopped worker frees the beat for the next run.
func (o *Orchestrator) claim(ctx context.Context, beatID, runID uuid.UUID) (release func(), ok bool, err error) {
	ok, err = o.store.ClaimBeat(ctx, beatID, runID, o.cfg.BeatLease)
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		if err := o.store.ReleaseBeat(context.WithoutCancel(ctx), beatID, runID); err != nil {
			o.log.Warn("failed to release beat", "beat_id", beatID, "error", err)
		}
	}, true, nil
}

func (o *Orchestrator) runStage(ctx context.Context, campaign *models.Campaign, beat *models.Beat, kind models.JobKind) error {
	log := o.log.With("campaign_id", campaign.ID, "beat", beat.Order, "stage", kind)

	if err := o.store.UpdateBeatState(ctx, beat.ID, models.GeneratingState(kind)); err != nil {
		return err
	}

	cost := o.cfg.Costs[kind]
	charge := !o.billing.Bypass && cost > 0
	if charge {
		ok, err := o.ledger.CheckBalance(ctx, campaign.UserID, cost)
		if err != nil {
			return fmt.Errorf("failed to check balance: %w", err)
		}
		if !ok {
			return o.failStage(ctx, beat, kind, nil, errors.New(models.InsufficientCreditsMessage), false)
		}
	}

	job, err := o.jobFor(campaign, beat, kind)
	if err != nil {
		return o.failStage(ctx, beat, kind, nil, err, false)
	}

	if n, err := o.store.SupersedeJobs(ctx, beat.ID, kind); err != nil {
		return err
	} else if n > 0 {
		log.Info("superseded previous jobs", "count", n)
	}

	h, err := o.runner.Submit(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failStage(ctx, beat, kind, nil, err, false)
	}

	rec := &models.GenerationJob{
		ID:            uuid.New(),
		CampaignID:    campaign.ID,
		BeatID:        beat.ID,
		Kind:          kind,
		Engine:        h.Engine,
		ModelPath:     h.ModelPath,
		RequestID:     h.RequestID,
		Status:        models.JobStatusPending,
		EstimatedCost: cost,
	}
	if err := o.store.CreateGenerationJob(ctx, rec); err != nil {
		return err
	}

	charged := false
	if charge {
		_, err := o.ledger.Deduct(ctx, campaign.UserID, cost, fmt.Sprintf("%s beat %d", kind, beat.Order))
		if errors.Is(err, apperr.ErrInsufficientCredits) {
			return o.failStage(ctx, beat, kind, rec, errors.New(models.InsufficientCreditsMessage), false)
		}
		if err != nil {
			return fmt.Errorf("failed to deduct credits: %w", err)
		}
		if err := o.store.MarkJobCharged(ctx, rec.ID, cost); err != nil {
			return err
		}
		charged = true
	}

	log.Info("stage submitted", "request_id", h.RequestID, "inline", h.Inline != nil)

	res, err := jobclient.Wait(ctx, o.runner, h, o.cfg.Policies.For(kind))
	if err != nil {
		if ctx.Err() != nil {
			log.Info("stopped waiting, job left for recovery", "request_id", h.RequestID)
			return ctx.Err()
		}
		return o.failStage(ctx, beat, kind, rec, err, charged)
	}

	won, err := o.store.CompleteGenerationJob(ctx, rec.ID, res.URL, res.Cost)
	if err != nil {
		return err
	}
	if !won {
		return errYielded
	}

	log.Info("stage completed", "url", res.URL)
	return nil
}

// failStage records a stage failure on the job (if one was created) and the beat.
func (o *Orchestrator) failStage(ctx context.Context, beat *models.Beat, kind models.JobKind, rec *models.GenerationJob, cause error, charged bool) error {
	msg := cause.Error()
	if rec != nil {
		won, err := o.store.FailGenerationJob(ctx, rec.ID, msg)
		if err != nil {
			return err
		}
		if !won {
			return errYielded
		}
	}

	if err := o.store.FailBeat(ctx, beat.ID, string(kind), msg, charged || beat.CreditsConsumed); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %s", ErrBeatFailed, kind, msg)
}

func (o *Orchestrator) jobFor(campaign *models.Campaign, beat *models.Beat, kind models.JobKind) (jobclient.Job, error) {
	switch kind {
	case models.JobKindFrame:
		return jobclient.FrameJob{
			Model:       o.cfg.FrameModel,
			Prompt:      beat.Frame.Prompt,
			AspectRatio: campaign.AspectRatio,
		}, nil

	case models.JobKindVideo:
		if beat.Frame.ImageURL == nil {
			return nil, apperr.Validation("video stage needs a frame image", beat.Order)
		}
		return jobclient.VideoJob{
			EngineID:    beat.Video.Engine,
			Prompt:      beat.Video.Prompt,
			ImageURL:    *beat.Frame.ImageURL,
			Duration:    beat.Video.Duration,
			AspectRatio: campaign.AspectRatio,
		}, nil

	case models.JobKindVoice:
		if beat.Video.RawURL == nil {
			return nil, apperr.Validation("voice stage needs the raw video", beat.Order)
		}
		return jobclient.VoiceJob{
			Model:     o.cfg.VoiceModel,
			SourceURL: *beat.Video.RawURL,
			VoiceRef:  beat.Audio.VoiceRef,
		}, nil

	case models.JobKindAmbience:
		return jobclient.AmbienceJob{
			Model:    o.cfg.AmbienceModel,
			Prompt:   beat.Audio.AmbiencePrompt,
			Duration: beat.Video.Duration,
		}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", kind)
}

// finalize analyzes the voice track (once), derives adjustments unless the
// user overrode them, and renders the final clip. Transcription problems
// only mean no automatic trims.
func (o *Orchestrator) finalize(ctx context.Context, campaign *models.Campaign, beat *models.Beat) error {
	log := o.log.With("campaign_id", campaign.ID, "beat", beat.Order)

	if beat.Transcription == nil && o.transcriber != nil && beat.Audio.VoiceURL != nil {
		if err := o.analyze(ctx, beat); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("speech analysis skipped", "error", err)
		}
	}

	out, err := o.renderer.RenderBeat(ctx, campaign, beat)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ferr := o.store.FailBeat(ctx, beat.ID, models.StageRender, err.Error(), beat.CreditsConsumed || !o.billing.Bypass); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: render: %v", ErrBeatFailed, err)
	}

	if err := o.store.CompleteBeatRender(ctx, beat.ID, out.FinalURL, out.MixedURL, out.Duration); err != nil {
		return err
	}
	log.Info("beat completed", "final_url", out.FinalURL, "duration", out.Duration)
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, beat *models.Beat) error {
	words, err := o.transcriber.Transcribe(ctx, *beat.Audio.VoiceURL)
	if err != nil {
		return err
	}
	analysis, err := speech.Analyze(words, o.cfg.Speech)
	if err != nil {
		return err
	}

	var adj *models.Adjustments
	if !beat.Adjustments.UserOverridden {
		a := analysis.Adjustments(beat.Video.Duration, o.cfg.Speech)
		adj = &a
	}

	if err := o.store.SaveBeatAnalysis(ctx, beat.ID, analysis.Transcription(), adj); err != nil {
		return err
	}

	beat.Transcription = analysis.Transcription()
	if adj != nil {
		beat.Adjustments = *adj
	}
	return nil
}
