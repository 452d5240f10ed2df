// Package authctx carries the authenticated caller through request contexts.
package authctx

import (
	"context"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

type profileKey struct{}

func WithProfile(ctx context.Context, profile *domain.UserProfile) context.Context {
	return context.WithValue(ctx, profileKey{}, profile)
}

func Profile(ctx context.Context) (*domain.UserProfile, bool) {
	if ctx == nil {
		return nil, false
	}
	profile, ok := ctx.Value(profileKey{}).(*domain.UserProfile)
	return profile, ok && profile != nil
}

// Identity returns the caller identity or false when the request is anonymous.
func Identity(ctx context.Context) (domain.Identity, bool) {
	profile, ok := Profile(ctx)
	if !ok {
		return domain.Identity{}, false
	}
	return profile.Identity(), true
}
