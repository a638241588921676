package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

const generationJobColumns = `
	id, campaign_id, beat_id, kind, engine, model_path, request_id, status,
	estimated_cost, actual_cost, billed_cost, credits_charged, result_url,
	error_message, started_at, completed_at`

func scanGenerationJob(row rowScanner) (*models.GenerationJob, error) {
	j := &models.GenerationJob{}
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.BeatID, &j.Kind, &j.Engine, &j.ModelPath,
		&j.RequestID, &j.Status, &j.EstimatedCost, &j.ActualCost, &j.BilledCost,
		&j.CreditsCharged, &j.ResultURL, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (db *DB) CreateGenerationJob(ctx context.Context, job *models.GenerationJob) error {
	query := `
		INSERT INTO generation_jobs (
			id, campaign_id, beat_id, kind, engine, model_path, request_id,
			status, estimated_cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING started_at
	`

	err := db.QueryRowContext(ctx, query,
		job.ID, job.CampaignID, job.BeatID, job.Kind, job.Engine, job.ModelPath,
		job.RequestID, job.Status, job.EstimatedCost,
	).Scan(&job.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create generation job: %w", err)
	}
	return nil
}

func (db *DB) GetGenerationJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	query := `SELECT ` + generationJobColumns + ` FROM generation_jobs WHERE id = $1`

	j, err := scanGenerationJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation job %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation job: %w", err)
	}
	return j, nil
}

func (db *DB) MarkJobCharged(ctx context.Context, id uuid.UUID, billed int64) error {
	query := `UPDATE generation_jobs SET credits_charged = TRUE, billed_cost = $1 WHERE id = $2`

	if _, err := db.ExecContext(ctx, query, billed, id); err != nil {
		return fmt.Errorf("failed to mark job charged: %w", err)
	}
	return nil
}

// SupersedeJobs retires every non-terminal job of (beat, kind) so a new
// one can start.
func (db *DB) SupersedeJobs(ctx context.Context, beatID uuid.UUID, kind models.JobKind) (int64, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1, completed_at = NOW()
		WHERE beat_id = $2 AND kind = $3 AND status = ANY($4)
	`

	res, err := db.ExecContext(ctx, query, models.JobStatusSuperseded, beatID, kind, nonTerminalJobStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede jobs: %w", err)
	}
	return rowsAffected(res)
}

// CompleteGenerationJob applies a job's result: the job is completed, the
// beat gets the asset and advances. The job row is locked and its status
// re-checked inside the transaction, so concurrent callers (runner,
// recovery scans, webhooks) produce exactly one transition. It reports
// whether this call won.
func (db *DB) CompleteGenerationJob(ctx context.Context, jobID uuid.UUID, resultURL string, actualCost *int64) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		beatID uuid.UUID
		kind   models.JobKind
		status models.JobStatus
	)
	err = tx.QueryRowContext(ctx,
		`SELECT beat_id, kind, status FROM generation_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&beatID, &kind, &status)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("generation job %w", apperr.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock generation job: %w", err)
	}
	if status.Terminal() {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, result_url = $2, actual_cost = $3, completed_at = NOW()
		WHERE id = $4 AND status = ANY($5)
	`, models.JobStatusCompleted, resultURL, actualCost, jobID, nonTerminalJobStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to complete generation job: %w", err)
	}
	if n, err := rowsAffected(res); err != nil || n == 0 {
		return false, err
	}

	beat, err := scanBeat(tx.QueryRowContext(ctx,
		`SELECT `+beatColumns+` FROM beats WHERE id = $1 FOR UPDATE`, beatID))
	if err != nil {
		return false, fmt.Errorf("failed to lock beat: %w", err)
	}

	if beat.State != models.BeatStateFailed {
		beat.SetAsset(kind, &resultURL)
		state := beat.State
		if next, ok := beat.NextStage(); ok && models.GeneratingState(next).Rank() > state.Rank() {
			state = models.GeneratingState(next)
		}

		query := `UPDATE beats SET ` + assetColumns[kind] + ` = $1, state = $2, updated_at = NOW() WHERE id = $3`
		if _, err := tx.ExecContext(ctx, query, resultURL, state, beatID); err != nil {
			return false, fmt.Errorf("failed to store beat asset: %w", err)
		}

		if kind == models.JobKindFrame {
			if err := insertSelectedVariant(ctx, tx, beatID, resultURL); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit job completion: %w", err)
	}
	return true, nil
}

// FailGenerationJob marks a non-terminal job failed. It reports whether
// this call performed the transition.
func (db *DB) FailGenerationJob(ctx context.Context, jobID uuid.UUID, message string) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1, error_message = $2, completed_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`

	res, err := db.ExecContext(ctx, query, models.JobStatusFailed, message, jobID, nonTerminalJobStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to fail generation job: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindPendingJobs returns non-terminal jobs started between window and
// minAge ago, oldest first.
func (db *DB) FindPendingJobs(ctx context.Context, minAge, window time.Duration) ([]models.GenerationJob, error) {
	query := `
		SELECT ` + generationJobColumns + `
		FROM generation_jobs
		WHERE status = ANY($1)
		  AND started_at <= NOW() - ($2 * INTERVAL '1 second')
		  AND started_at >= NOW() - ($3 * INTERVAL '1 second')
		ORDER BY started_at
	`

	rows, err := db.QueryContext(ctx, query, nonTerminalJobStatuses, minAge.Seconds(), window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		j, err := scanGenerationJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
