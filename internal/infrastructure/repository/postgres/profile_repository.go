package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

type ProfileRepository struct {
	db *sqlx.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: sqlx.NewDb(db, "pgx")}
}

// Ensure inserts a free-plan profile on first sight and returns the stored row.
func (r *ProfileRepository) Ensure(ctx context.Context, userID, email string, tokens int) (*domain.UserProfile, error) {
	now := time.Now().UTC()
	var profile domain.UserProfile
	err := r.db.GetContext(ctx, &profile, `
INSERT INTO user_profiles (id, email, plan_type, tokens_remaining, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE
SET email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE user_profiles.email END
RETURNING id, email, full_name, plan_type, tokens_remaining, created_at, updated_at
`, userID, email, string(domain.PlanFree), tokens, now)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return &profile, nil
}

func (r *ProfileRepository) GetByID(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	err := r.db.GetContext(ctx, &profile, `
SELECT id, email, full_name, plan_type, tokens_remaining, created_at, updated_at
FROM user_profiles
WHERE id = $1
`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrProfileNotFound, "get profile", fmt.Errorf("id=%s", userID))
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}

func (r *ProfileRepository) SetPlan(ctx context.Context, userID string, plan domain.PlanType, tokens int) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	err := r.db.GetContext(ctx, &profile, `
UPDATE user_profiles
SET plan_type = $2, tokens_remaining = $3, updated_at = $4
WHERE id = $1
RETURNING id, email, full_name, plan_type, tokens_remaining, created_at, updated_at
`, userID, string(plan), tokens, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrProfileNotFound, "set plan", fmt.Errorf("id=%s", userID))
		}
		return nil, fmt.Errorf("set plan: %w", err)
	}
	return &profile, nil
}

// ConsumeTokens decrements the balance, flooring at zero.
func (r *ProfileRepository) ConsumeTokens(ctx context.Context, userID string, amount int) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE user_profiles
SET tokens_remaining = GREATEST(tokens_remaining - $2, 0), updated_at = $3
WHERE id = $1
`, userID, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("consume tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume tokens rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrProfileNotFound, "consume tokens", fmt.Errorf("id=%s", userID))
	}
	return nil
}
