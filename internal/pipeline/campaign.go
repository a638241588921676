package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/transform"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RunCampaign moves a draft (or failed) campaign to generating and runs
// its beats concurrently, at most cfg.BeatConcurrency at a time.
func (o *Orchestrator) RunCampaign(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	if campaign.Status != models.CampaignStatusGenerating {
		ok, err := o.store.TransitionCampaign(ctx, campaignID,
			[]models.CampaignStatus{models.CampaignStatusDraft, models.CampaignStatusFailed},
			models.CampaignStatusGenerating)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Validation(fmt.Sprintf("campaign is %s, cannot start generation", campaign.Status))
		}
	}

	beats, err := o.store.ListBeats(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(beats) == 0 {
		return o.store.FailCampaign(ctx, campaignID, models.ErrorCodeValidationFailed, "campaign has no beats")
	}

	o.log.Info("campaign generation started", "campaign_id", campaignID, "beats", len(beats))

	var g errgroup.Group
	g.SetLimit(o.cfg.BeatConcurrency)
	for _, b := range beats {
		if b.State == models.BeatStateFailed || (b.State == models.BeatStateCompleted && !b.NeedsRender()) {
			continue
		}
		beatID := b.ID
		g.Go(func() error {
			return o.RunBeat(ctx, beatID)
		})
	}
	// one beat's infrastructure error must not stop its siblings
	runErr := g.Wait()

	if _, err := o.SettleCampaign(ctx, campaignID); err != nil {
		return err
	}
	return runErr
}

// SettleCampaign looks at all beats of a generating campaign. Until every
// beat is terminal nothing happens. Then the campaign fails with one
// message listing the failed beats, or moves to assembling and is handed
// to the assembly worker. Only the caller that wins the transition
// enqueues assembly.
func (o *Orchestrator) SettleCampaign(ctx context.Context, campaignID uuid.UUID) (models.CampaignStatus, error) {
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if campaign.Status != models.CampaignStatusGenerating {
		return campaign.Status, nil
	}

	beats, err := o.store.ListBeats(ctx, campaignID)
	if err != nil {
		return "", err
	}

	var failures []models.BeatFailure
	for i := range beats {
		b := &beats[i]
		if !b.State.Terminal() || (b.State == models.BeatStateCompleted && b.NeedsRender()) {
			return models.CampaignStatusGenerating, nil
		}
		if f := b.Failure(); f != nil {
			failures = append(failures, *f)
		}
	}

	if len(failures) > 0 {
		msg := failureSummary(failures)
		if err := o.store.FailCampaign(ctx, campaignID, models.ErrorCodeBeatsFailed, msg); err != nil {
			return "", err
		}
		o.log.Warn("campaign failed", "campaign_id", campaignID, "error", msg)
		return models.CampaignStatusFailed, nil
	}

	won, err := o.store.TransitionCampaign(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignStatusGenerating}, models.CampaignStatusAssembling)
	if err != nil {
		return "", err
	}
	if won {
		o.log.Info("all beats completed, assembling", "campaign_id", campaignID)
		if o.enqueuer != nil {
			if err := o.enqueuer.EnqueueAssemble(ctx, campaignID); err != nil {
				// nothing will pick the campaign up; fail it so POST /assemble can retry
				msg := fmt.Sprintf("failed to enqueue assembly: %v", err)
				if ferr := o.store.FailCampaign(context.WithoutCancel(ctx), campaignID, models.ErrorCodeEnqueueFailed, msg); ferr != nil {
					return "", fmt.Errorf("%s (also failed to record failure: %v)", msg, ferr)
				}
				return models.CampaignStatusFailed, fmt.Errorf("failed to enqueue assembly: %w", err)
			}
		}
	}
	return models.CampaignStatusAssembling, nil
}

func failureSummary(failures []models.BeatFailure) string {
	sort.Slice(failures, func(i, j int) bool { return failures[i].BeatOrder < failures[j].BeatOrder })

	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("beat %d failed at %s: %s", f.BeatOrder, f.Stage, f.Message)
	}
	return fmt.Sprintf("%d beat(s) failed: %s", len(failures), strings.Join(parts, "; "))
}

// RegenerateStage resets a beat so that stage (and everything derived
// from it) runs again. The caller schedules RunBeat afterwards.
func (o *Orchestrator) RegenerateStage(ctx context.Context, beatID uuid.UUID, kind models.JobKind) (*models.Beat, error) {
	if !models.ValidJobKind(kind) {
		return nil, apperr.Validation(fmt.Sprintf("unknown stage %q", kind))
	}

	beat, err := o.store.GetBeat(ctx, beatID)
	if err != nil {
		return nil, err
	}
	campaign, err := o.store.GetCampaign(ctx, beat.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == models.CampaignStatusAssembling {
		return nil, apperr.Validation("campaign is assembling", beat.Order)
	}

	for _, k := range append([]models.JobKind{kind}, models.Dependents(kind)...) {
		if _, err := o.store.SupersedeJobs(ctx, beat.ID, k); err != nil {
			return nil, err
		}
	}
	if err := o.store.ResetBeatStage(ctx, beat.ID, kind); err != nil {
		return nil, err
	}

	if campaign.Status != models.CampaignStatusGenerating {
		if _, err := o.store.TransitionCampaign(ctx, campaign.ID,
			[]models.CampaignStatus{models.CampaignStatusDraft, models.CampaignStatusCompleted, models.CampaignStatusFailed},
			models.CampaignStatusGenerating); err != nil {
			return nil, err
		}
	}

	o.log.Info("stage reset for regeneration", "campaign_id", campaign.ID, "beat", beat.Order, "stage", kind)
	return o.store.GetBeat(ctx, beat.ID)
}

// UpdateAdjustments stores user trim/speed overrides. Speed below 1.0 is
// clamped. The caller schedules RenderBeat afterwards.
func (o *Orchestrator) UpdateAdjustments(ctx context.Context, beatID uuid.UUID, req models.AdjustmentsRequest) (*models.Beat, error) {
	beat, err := o.store.GetBeat(ctx, beatID)
	if err != nil {
		return nil, err
	}

	adj := beat.Adjustments
	if req.TrimStart != nil {
		adj.TrimStart = req.TrimStart
	}
	if req.TrimEnd != nil {
		adj.TrimEnd = req.TrimEnd
	}
	if req.Speed != nil {
		adj.Speed = *req.Speed
	}
	if adj.Speed < transform.MinSpeed {
		adj.Speed = transform.MinSpeed
	}
	adj.UserOverridden = true

	// reject edits the planner cannot execute
	if _, err := transform.Build(transform.BeatParams(&models.Beat{Video: beat.Video, Adjustments: adj}, 0)); err != nil {
		return nil, err
	}

	if err := o.store.SetBeatAdjustments(ctx, beat.ID, adj); err != nil {
		return nil, err
	}

	beat.Adjustments = adj
	beat.Video.FinalURL = nil
	return beat, nil
}

// Progress reports beat counts per state and overall completion.
func (o *Orchestrator) Progress(ctx context.Context, campaignID uuid.UUID) (*models.Progress, error) {
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	beats, err := o.store.ListBeats(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	p := &models.Progress{
		CampaignID: campaignID,
		Status:     campaign.Status,
		Total:      len(beats),
		ByState:    make(map[models.BeatState]int),
	}

	top := models.BeatStateCompleted.Rank()
	var done int
	for i := range beats {
		b := &beats[i]
		p.ByState[b.State]++
		if f := b.Failure(); f != nil {
			p.Failures = append(p.Failures, *f)
			done += top
			continue
		}
		done += b.State.Rank()
	}

	if len(beats) > 0 {
		p.Percent = math.Round(float64(done)/float64(top*len(beats))*1000) / 10
	}
	return p, nil
}
