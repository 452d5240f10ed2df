package httpadapter

import (
	"net/http"

	"github.com/kirillkom/invoice-inspector/internal/adapters/authctx"
	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

type profileResponse struct {
	Profile *domain.UserProfile `json:"profile"`
	Limits  domain.PlanLimits   `json:"limits"`
}

func (rt *Router) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := authctx.Profile(r.Context())
	if !ok {
		_, err := callerIdentity(r)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: profile, Limits: rt.svc.Profiles.Limits(profile.PlanType)})
}

func (rt *Router) changePlan(w http.ResponseWriter, r *http.Request) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		PlanType string `json:"plan_type"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := domain.ParsePlanType(req.PlanType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	profile, err := rt.svc.Profiles.ChangePlan(r.Context(), user.UserID, plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: profile, Limits: rt.svc.Profiles.Limits(profile.PlanType)})
}

// checkUploadQuota answers with the decision; a denial is not an error here.
func (rt *Router) checkUploadQuota(w http.ResponseWriter, r *http.Request) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		IncomingFiles int `json:"incoming_files"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	decision, err := rt.svc.Quota.CanUpload(r.Context(), user, req.IncomingFiles)
	if err != nil && !domain.IsKind(err, domain.ErrQuotaExceeded) {
		writeError(w, r, err)
		return
	}
	if !decision.Allowed && rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordQuotaDenial(decision.Resource, string(decision.Plan))
	}
	writeJSON(w, http.StatusOK, decision)
}
