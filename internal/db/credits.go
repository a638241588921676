package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/google/uuid"
)

func (db *DB) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, `SELECT balance FROM user_credits WHERE user_id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (db *DB) CheckBalance(ctx context.Context, userID uuid.UUID, cost int64) (bool, error) {
	balance, err := db.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// Deduct atomically takes cost from the user's balance and records the
// transaction. It returns apperr.ErrInsufficientCredits when the balance is short.
func (db *DB) Deduct(ctx context.Context, userID uuid.UUID, cost int64, reason string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE user_credits
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, cost).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, apperr.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, balance_after, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, -cost, balance, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to record credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit deduction: %w", err)
	}
	return balance, nil
}
