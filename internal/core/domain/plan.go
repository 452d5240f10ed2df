package domain

import (
	"fmt"
	"strings"
	"time"
)

type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanPro     PlanType = "pro"
	PlanPremium PlanType = "premium"
)

func ParsePlanType(raw string) (PlanType, error) {
	plan := PlanType(strings.ToLower(strings.TrimSpace(raw)))
	switch plan {
	case PlanFree, PlanPro, PlanPremium:
		return plan, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse plan", fmt.Errorf("unknown plan %q", raw))
	}
}

type PlanLimits struct {
	MaxDocuments int `json:"max_documents" yaml:"max_documents"`
	MaxTokens    int `json:"max_tokens" yaml:"max_tokens"`
}

// PlanTable maps plan tiers to their ceilings.
type PlanTable map[PlanType]PlanLimits

func DefaultPlanTable() PlanTable {
	return PlanTable{
		PlanFree:    {MaxDocuments: 15, MaxTokens: 100},
		PlanPro:     {MaxDocuments: 100, MaxTokens: 1000},
		PlanPremium: {MaxDocuments: 500, MaxTokens: 5000},
	}
}

// Limits falls back to the free tier for unknown plans.
func (t PlanTable) Limits(plan PlanType) PlanLimits {
	if limits, ok := t[plan]; ok {
		return limits
	}
	if limits, ok := t[PlanFree]; ok {
		return limits
	}
	return DefaultPlanTable()[PlanFree]
}

type UserProfile struct {
	ID              string    `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	FullName        string    `json:"full_name,omitempty" db:"full_name"`
	PlanType        PlanType  `json:"plan_type" db:"plan_type"`
	TokensRemaining int       `json:"tokens_remaining" db:"tokens_remaining"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Identity is the authenticated caller as supplied by the auth collaborator.
type Identity struct {
	UserID          string   `json:"id"`
	Email           string   `json:"email"`
	PlanType        PlanType `json:"plan_type"`
	TokensRemaining int      `json:"tokens_remaining"`
}

func (p *UserProfile) Identity() Identity {
	return Identity{
		UserID:          p.ID,
		Email:           p.Email,
		PlanType:        p.PlanType,
		TokensRemaining: p.TokensRemaining,
	}
}

// QuotaDecision is returned for both allowed and denied quota checks.
type QuotaDecision struct {
	Allowed   bool     `json:"allowed"`
	Plan      PlanType `json:"plan"`
	Resource  string   `json:"resource"`
	Limit     int      `json:"limit"`
	Used      int      `json:"used"`
	Requested int      `json:"requested"`
	Reason    string   `json:"reason,omitempty"`
}

// QuotaDenial carries the decision behind an ErrQuotaExceeded error.
type QuotaDenial struct {
	Decision QuotaDecision
}

func (d *QuotaDenial) Error() string {
	return d.Decision.Reason
}
