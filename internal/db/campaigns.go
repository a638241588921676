package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const campaignColumns = `
	id, user_id, brief, aspect_ratio, status, final_video_url, thumbnail_url,
	total_duration, error_code, error_message, post_process_provider,
	post_process_project_id, post_process_status, processed_video_url,
	created_at, updated_at`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.Brief, &c.AspectRatio, &c.Status, &c.FinalVideoURL,
		&c.ThumbnailURL, &c.TotalDuration, &c.ErrorCode, &c.ErrorMessage,
		&c.PostProcessProvider, &c.PostProcessProjectID, &c.PostProcessStatus,
		&c.ProcessedVideoURL, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCampaignWithBeats inserts a campaign and all of its beats in one transaction.
func (db *DB) CreateCampaignWithBeats(ctx context.Context, campaign *models.Campaign, beats []models.Beat) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO campaigns (id, user_id, brief, aspect_ratio, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		campaign.ID, campaign.UserID, campaign.Brief, campaign.AspectRatio, campaign.Status,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	beatQuery := `
		INSERT INTO beats (
			id, campaign_id, beat_order, role, script_text, frame_prompt,
			video_engine, video_duration, video_prompt, voice_ref, ambience_prompt,
			voice_volume, ambience_volume, adjustments, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`
	for i := range beats {
		b := &beats[i]
		b.CampaignID = campaign.ID
		err := tx.QueryRowContext(ctx, beatQuery,
			b.ID, b.CampaignID, b.Order, b.Role, b.ScriptText, b.Frame.Prompt,
			b.Video.Engine, b.Video.Duration, b.Video.Prompt, b.Audio.VoiceRef,
			b.Audio.AmbiencePrompt, b.Audio.VoiceVolume, b.Audio.AmbienceVolume,
			b.Adjustments, b.State,
		).Scan(&b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create beat %d: %w", b.Order, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign: %w", err)
	}
	return nil
}

func (db *DB) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// GetCampaignByPostProcessProject resolves a webhook's external project id.
func (db *DB) GetCampaignByPostProcessProject(ctx context.Context, projectID string) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE post_process_project_id = $1`

	c, err := scanCampaign(db.QueryRowContext(ctx, query, projectID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign by project: %w", err)
	}
	return c, nil
}

func (db *DB) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status models.CampaignStatus) error {
	query := `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`

	res, err := db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	return nil
}

// TransitionCampaign moves the campaign to `to` only if its status is one
// of `from`. It reports whether this call performed the transition.
func (db *DB) TransitionCampaign(ctx context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $1, error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	res, err := db.ExecContext(ctx, query, to, id, pq.Array(campaignStatusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (db *DB) FailCampaign(ctx context.Context, id uuid.UUID, code, message string) error {
	query := `
		UPDATE campaigns
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4
	`

	_, err := db.ExecContext(ctx, query, models.CampaignStatusFailed, code, message, id)
	if err != nil {
		return fmt.Errorf("failed to fail campaign: %w", err)
	}
	return nil
}

// CompleteCampaign stores the assembly output. Only an assembling campaign
// can complete.
func (db *DB) CompleteCampaign(ctx context.Context, id uuid.UUID, finalURL string, thumbnailURL *string, totalDuration float64) error {
	query := `
		UPDATE campaigns
		SET status = $1, final_video_url = $2, thumbnail_url = $3, total_duration = $4,
		    error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	res, err := db.ExecContext(ctx, query,
		models.CampaignStatusCompleted, finalURL, thumbnailURL, totalDuration, id, models.CampaignStatusAssembling)
	if err != nil {
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("campaign %s is not assembling", id)
	}
	return nil
}

// SetPostProcess records the external project a completed campaign was sent to.
func (db *DB) SetPostProcess(ctx context.Context, id uuid.UUID, provider, projectID string) error {
	query := `
		UPDATE campaigns
		SET post_process_provider = $1, post_process_project_id = $2,
		    post_process_status = 'pending', processed_video_url = NULL, updated_at = NOW()
		WHERE id = $3
	`

	res, err := db.ExecContext(ctx, query, provider, projectID, id)
	if err != nil {
		return fmt.Errorf("failed to set post-process: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("campaign %w", apperr.ErrNotFound)
	}
	return nil
}

// ApplyPostProcessResult stores a webhook outcome. The status CAS makes a
// repeated delivery of the same status a no-op.
func (db *DB) ApplyPostProcessResult(ctx context.Context, id uuid.UUID, status string, videoURL *string) (bool, error) {
	query := `
		UPDATE campaigns
		SET post_process_status = $1,
		    processed_video_url = COALESCE($2, processed_video_url),
		    updated_at = NOW()
		WHERE id = $3 AND post_process_status IS DISTINCT FROM $1
	`

	res, err := db.ExecContext(ctx, query, status, videoURL, id)
	if err != nil {
		return false, fmt.Errorf("failed to apply post-process result: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func campaignStatusStrings(statuses []models.CampaignStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
