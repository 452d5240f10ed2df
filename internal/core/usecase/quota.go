package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
)

const (
	ResourceDocuments = "documents"
	ResourceTokens    = "tokens"
)

// QuotaUseCase checks plan ceilings. Denials return the decision together with
// an error of kind domain.ErrQuotaExceeded.
type QuotaUseCase struct {
	docs  ports.DocumentRepository
	plans domain.PlanTable
}

func NewQuotaUseCase(docs ports.DocumentRepository, plans domain.PlanTable) *QuotaUseCase {
	if len(plans) == 0 {
		plans = domain.DefaultPlanTable()
	}
	return &QuotaUseCase{docs: docs, plans: plans}
}

func (uc *QuotaUseCase) CanUpload(ctx context.Context, user domain.Identity, incomingFiles int) (domain.QuotaDecision, error) {
	if incomingFiles <= 0 {
		return domain.QuotaDecision{}, domain.WrapError(domain.ErrInvalidInput, "check upload quota", fmt.Errorf("incoming files must be positive, got %d", incomingFiles))
	}
	used, err := uc.docs.CountByUser(ctx, user.UserID)
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("count documents: %w", err)
	}

	limits := uc.plans.Limits(user.PlanType)
	decision := domain.QuotaDecision{
		Allowed:   true,
		Plan:      planOrFree(user.PlanType),
		Resource:  ResourceDocuments,
		Limit:     limits.MaxDocuments,
		Used:      used,
		Requested: incomingFiles,
	}
	if used+incomingFiles > limits.MaxDocuments {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("plan %s allows %d documents; %d stored, %d requested",
			decision.Plan, limits.MaxDocuments, used, incomingFiles)
		return decision, domain.WrapError(domain.ErrQuotaExceeded, "check upload quota", &domain.QuotaDenial{Decision: decision})
	}
	return decision, nil
}

// CanConsumeTokens derives used tokens from the plan ceiling and the caller's
// remaining balance.
func (uc *QuotaUseCase) CanConsumeTokens(_ context.Context, user domain.Identity, amount int) (domain.QuotaDecision, error) {
	if amount < 0 {
		return domain.QuotaDecision{}, domain.WrapError(domain.ErrInvalidInput, "check token quota", fmt.Errorf("amount must not be negative, got %d", amount))
	}
	limits := uc.plans.Limits(user.PlanType)
	used := limits.MaxTokens - user.TokensRemaining
	if used < 0 {
		used = 0
	}

	decision := domain.QuotaDecision{
		Allowed:   true,
		Plan:      planOrFree(user.PlanType),
		Resource:  ResourceTokens,
		Limit:     limits.MaxTokens,
		Used:      used,
		Requested: amount,
	}
	if used+amount > limits.MaxTokens {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("plan %s allows %d tokens; %d used, %d requested",
			decision.Plan, limits.MaxTokens, used, amount)
		return decision, domain.WrapError(domain.ErrQuotaExceeded, "check token quota", &domain.QuotaDenial{Decision: decision})
	}
	return decision, nil
}

func planOrFree(plan domain.PlanType) domain.PlanType {
	if plan == "" {
		return domain.PlanFree
	}
	return plan
}
