package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

type ProfileUseCase struct {
	profiles ports.ProfileRepository
	plans    domain.PlanTable
}

func NewProfileUseCase(profiles ports.ProfileRepository, plans domain.PlanTable) *ProfileUseCase {
	if len(plans) == 0 {
		plans = domain.DefaultPlanTable()
	}
	return &ProfileUseCase{profiles: profiles, plans: plans}
}

// Resolve returns the caller's profile, creating a free-plan profile on first sight.
func (uc *ProfileUseCase) Resolve(ctx context.Context, userID, email string) (*domain.UserProfile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.WrapError(domain.ErrUnauthorized, "resolve profile", fmt.Errorf("empty subject"))
	}
	profile, err := uc.profiles.Ensure(ctx, userID, strings.TrimSpace(email), uc.plans.Limits(domain.PlanFree).MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return profile, nil
}

// ChangePlan switches the tier and resets the token balance to the new ceiling.
func (uc *ProfileUseCase) ChangePlan(ctx context.Context, userID string, plan domain.PlanType) (*domain.UserProfile, error) {
	plan, err := domain.ParsePlanType(string(plan))
	if err != nil {
		return nil, err
	}
	profile, err := uc.profiles.SetPlan(ctx, userID, plan, uc.plans.Limits(plan).MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("set plan: %w", err)
	}
	logging.FromContext(ctx).Info("plan_changed", "user_id", userID, "plan", plan)
	return profile, nil
}

func (uc *ProfileUseCase) Limits(plan domain.PlanType) domain.PlanLimits {
	return uc.plans.Limits(plan)
}
