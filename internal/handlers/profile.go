package handlers

import (
	"net/http"

	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/quota"
)

type remainingQuota struct {
	Videos int `json:"videos"`
	Images int `json:"images"`
}

type profileResponse struct {
	models.PublicProfile
	Remaining remainingQuota `json:"remaining"`
}

func newProfileResponse(p models.UserProfile) *profileResponse {
	return &profileResponse{
		PublicProfile: p.Public(),
		Remaining: remainingQuota{
			Videos: quota.Remaining(p, models.KindVideo),
			Images: quota.Remaining(p, models.KindImage),
		},
	}
}

// ProfileHandler serves the caller's own profile.
type ProfileHandler struct {
	Users ProfileStore
}

// Me handles GET /api/v1/me.
func (h ProfileHandler) Me(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	profile, err := h.Users.FindByID(r.Context(), userID)
	if err != nil {
		respondServiceError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, newProfileResponse(profile))
}
