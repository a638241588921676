package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/beatreel/internal/models"
	"github.com/google/uuid"
)

func insertSelectedVariant(ctx context.Context, tx *sql.Tx, beatID uuid.UUID, imageURL string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE frame_variants SET selected = FALSE WHERE beat_id = $1 AND selected`, beatID); err != nil {
		return fmt.Errorf("failed to deselect frame variants: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frame_variants (id, beat_id, image_url, selected) VALUES ($1, $2, $3, TRUE)`,
		uuid.New(), beatID, imageURL); err != nil {
		return fmt.Errorf("failed to insert frame variant: %w", err)
	}
	return nil
}

// LatestSelectedFrameVariant returns nil, nil when the beat has none.
func (db *DB) LatestSelectedFrameVariant(ctx context.Context, beatID uuid.UUID) (*models.FrameVariant, error) {
	query := `
		SELECT id, beat_id, image_url, selected, created_at
		FROM frame_variants
		WHERE beat_id = $1 AND selected
		ORDER BY created_at DESC
		LIMIT 1
	`

	v := &models.FrameVariant{}
	err := db.QueryRowContext(ctx, query, beatID).Scan(&v.ID, &v.BeatID, &v.ImageURL, &v.Selected, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get frame variant: %w", err)
	}
	return v, nil
}
