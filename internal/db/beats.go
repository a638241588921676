package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

const beatColumns = `
	id, campaign_id, beat_order, role, script_text, frame_prompt, frame_image_url,
	video_engine, video_duration, video_prompt, raw_video_url, final_video_url,
	voice_ref, voice_url, ambience_prompt, ambience_url, voice_volume, ambience_volume,
	mixed_audio_url, transcription, adjustments, state, failed_stage, error_message,
	credits_consumed, created_at, updated_at, rendered_duration`

// assetColumns maps a generation stage to the beat column holding its output.
var assetColumns = map[models.JobKind]string{
	models.JobKindFrame:    "frame_image_url",
	models.JobKindVideo:    "raw_video_url",
	models.JobKindVoice:    "voice_url",
	models.JobKindAmbience: "ambience_url",
}

func scanBeat(row rowScanner) (*models.Beat, error) {
	b := &models.Beat{}
	var transcription []byte
	err := row.Scan(
		&b.ID, &b.CampaignID, &b.Order, &b.Role, &b.ScriptText, &b.Frame.Prompt,
		&b.Frame.ImageURL, &b.Video.Engine, &b.Video.Duration, &b.Video.Prompt,
		&b.Video.RawURL, &b.Video.FinalURL, &b.Audio.VoiceRef, &b.Audio.VoiceURL,
		&b.Audio.AmbiencePrompt, &b.Audio.AmbienceURL, &b.Audio.VoiceVolume,
		&b.Audio.AmbienceVolume, &b.Audio.MixedURL, &transcription, &b.Adjustments,
		&b.State, &b.FailedStage, &b.ErrorMessage, &b.CreditsConsumed,
		&b.CreatedAt, &b.UpdatedAt, &b.Video.RenderedDuration,
	)
	if err != nil {
		return nil, err
	}
	if len(transcription) > 0 {
		b.Transcription = &models.Transcription{}
		if err := json.Unmarshal(transcription, b.Transcription); err != nil {
			return nil, fmt.Errorf("failed to decode transcription: %w", err)
		}
	}
	return b, nil
}

func (db *DB) GetBeat(ctx context.Context, id uuid.UUID) (*models.Beat, error) {
	query := `SELECT ` + beatColumns + ` FROM beats WHERE id = $1`

	b, err := scanBeat(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("beat %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get beat: %w", err)
	}
	return b, nil
}

func (db *DB) GetBeatByOrder(ctx context.Context, campaignID uuid.UUID, order int) (*models.Beat, error) {
	query := `SELECT ` + beatColumns + ` FROM beats WHERE campaign_id = $1 AND beat_order = $2`

	b, err := scanBeat(db.QueryRowContext(ctx, query, campaignID, order))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("beat %d %w", order, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get beat: %w", err)
	}
	return b, nil
}

func (db *DB) ListBeats(ctx context.Context, campaignID uuid.UUID) ([]models.Beat, error) {
	query := `SELECT ` + beatColumns + ` FROM beats WHERE campaign_id = $1 ORDER BY beat_order`

	rows, err := db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query beats: %w", err)
	}
	defer rows.Close()

	var beats []models.Beat
	for rows.Next() {
		b, err := scanBeat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan beat: %w", err)
		}
		beats = append(beats, *b)
	}
	return beats, rows.Err()
}

// UpdateBeatState moves a beat to state. A failed beat only leaves failed
// through ResetBeatStage.
func (db *DB) UpdateBeatState(ctx context.Context, id uuid.UUID, state models.BeatState) error {
	query := `
		UPDATE beats SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state <> $3
	`

	res, err := db.ExecContext(ctx, query, state, id, models.BeatStateFailed)
	if err != nil {
		return fmt.Errorf("failed to update beat state: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("beat %s is failed or missing", id)
	}
	return nil
}

func (db *DB) FailBeat(ctx context.Context, id uuid.UUID, stage, message string, creditsConsumed bool) error {
	query := `
		UPDATE beats
		SET state = $1, failed_stage = $2, error_message = $3,
		    credits_consumed = credits_consumed OR $4, updated_at = NOW()
		WHERE id = $5
	`

	_, err := db.ExecContext(ctx, query, models.BeatStateFailed, stage, message, creditsConsumed, id)
	if err != nil {
		return fmt.Errorf("failed to fail beat: %w", err)
	}
	return nil
}

// ResetBeatStage clears the output of kind and of every stage derived from
// it, drops the rendered clip, and puts the beat back into kind's
// generating state.
func (db *DB) ResetBeatStage(ctx context.Context, id uuid.UUID, kind models.JobKind) error {
	col, ok := assetColumns[kind]
	if !ok {
		return fmt.Errorf("unknown stage %q", kind)
	}

	sets := []string{col + " = NULL"}
	clearsVoice := kind == models.JobKindVoice
	for _, dep := range models.Dependents(kind) {
		sets = append(sets, assetColumns[dep]+" = NULL")
		if dep == models.JobKindVoice {
			clearsVoice = true
		}
	}
	if clearsVoice {
		sets = append(sets, "transcription = NULL",
			`adjustments = CASE WHEN (adjustments->>'user_overridden')::boolean THEN adjustments ELSE '{"speed": 1}'::jsonb END`)
	}
	sets = append(sets,
		"final_video_url = NULL", "rendered_duration = NULL", "mixed_audio_url = NULL",
		"failed_stage = NULL", "error_message = NULL",
		"state = $1", "updated_at = NOW()")

	query := `UPDATE beats SET ` + strings.Join(sets, ", ") + ` WHERE id = $2`

	res, err := db.ExecContext(ctx, query, models.GeneratingState(kind), id)
	if err != nil {
		return fmt.Errorf("failed to reset beat stage: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("beat %w", apperr.ErrNotFound)
	}
	return nil
}

// SaveBeatAnalysis stores the speech analysis. adj is written only when
// non-nil and the stored adjustments are not user overridden.
func (db *DB) SaveBeatAnalysis(ctx context.Context, id uuid.UUID, t *models.Transcription, adj *models.Adjustments) error {
	query := `
		UPDATE beats
		SET transcription = $1,
		    adjustments = CASE
		        WHEN $2::jsonb IS NULL OR COALESCE((adjustments->>'user_overridden')::boolean, false) THEN adjustments
		        ELSE $2::jsonb
		    END,
		    updated_at = NOW()
		WHERE id = $3
	`

	var adjArg any
	if adj != nil {
		adjArg = *adj
	}
	_, err := db.ExecContext(ctx, query, t, adjArg, id)
	if err != nil {
		return fmt.Errorf("failed to save beat analysis: %w", err)
	}
	return nil
}

// SetBeatAdjustments stores adjustments unconditionally (user edits).
func (db *DB) SetBeatAdjustments(ctx context.Context, id uuid.UUID, adj models.Adjustments) error {
	query := `
		UPDATE beats
		SET adjustments = $1, final_video_url = NULL, rendered_duration = NULL, updated_at = NOW()
		WHERE id = $2
	`

	_, err := db.ExecContext(ctx, query, adj, id)
	if err != nil {
		return fmt.Errorf("failed to set beat adjustments: %w", err)
	}
	return nil
}

// CompleteBeatRender stores the rendered clip with its measured duration
// and completes the beat.
func (db *DB) CompleteBeatRender(ctx context.Context, id uuid.UUID, finalURL, mixedURL string, duration float64) error {
	query := `
		UPDATE beats
		SET final_video_url = $1, mixed_audio_url = $2, rendered_duration = $3, state = $4,
		    failed_stage = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $5 AND state <> $6
	`

	res, err := db.ExecContext(ctx, query, finalURL, mixedURL, duration, models.BeatStateCompleted, id, models.BeatStateFailed)
	if err != nil {
		return fmt.Errorf("failed to complete beat render: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("beat %s is failed or missing", id)
	}
	return nil
}

// ClaimBeat takes the run lease of a beat for ttl. It succeeds when the
// beat is unclaimed, the lease expired, or runID already holds it (renewal).
func (db *DB) ClaimBeat(ctx context.Context, id, runID uuid.UUID, ttl time.Duration) (bool, error) {
	query := `
		UPDATE beats
		SET run_id = $1, run_expires_at = NOW() + make_interval(secs => $2)
		WHERE id = $3 AND (run_id IS NULL OR run_id = $1 OR run_expires_at < NOW())
	`

	res, err := db.ExecContext(ctx, query, runID, ttl.Seconds(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim beat: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseBeat drops the lease if runID still holds it.
func (db *DB) ReleaseBeat(ctx context.Context, id, runID uuid.UUID) error {
	query := `UPDATE beats SET run_id = NULL, run_expires_at = NULL WHERE id = $1 AND run_id = $2`

	if _, err := db.ExecContext(ctx, query, id, runID); err != nil {
		return fmt.Errorf("failed to release beat: %w", err)
	}
	return nil
}
