package db

import (
	"context"
	"fmt"

	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateAssemblyRecord(ctx context.Context, rec *models.AssemblyRecord) error {
	query := `
		INSERT INTO assembly_records (id, campaign_id, output_url, thumbnail_url, total_duration, beats)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := db.QueryRowContext(ctx, query,
		rec.ID, rec.CampaignID, rec.OutputURL, rec.ThumbnailURL, rec.TotalDuration, rec.Beats,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create assembly record: %w", err)
	}
	return nil
}

// ListAssemblyRecords returns a campaign's records, newest first.
func (db *DB) ListAssemblyRecords(ctx context.Context, campaignID uuid.UUID) ([]models.AssemblyRecord, error) {
	query := `
		SELECT id, campaign_id, output_url, thumbnail_url, total_duration, beats, created_at
		FROM assembly_records
		WHERE campaign_id = $1
		ORDER BY created_at DESC
	`

	rows, err := db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assembly records: %w", err)
	}
	defer rows.Close()

	var records []models.AssemblyRecord
	for rows.Next() {
		var r models.AssemblyRecord
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.OutputURL, &r.ThumbnailURL,
			&r.TotalDuration, &r.Beats, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assembly record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
