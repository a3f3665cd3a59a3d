package handlers

import (
	"net/http"
	"strings"

	"github.com/omnistudio/backend/internal/logging"
)

// AdminHandler lets administrators approve accounts and manage allowances. Responses
// carry public profiles only.
type AdminHandler struct {
	Users    ProfileStore
	Sessions SessionManager
}

type updateUserRequest struct {
	VideoLimit *int  `json:"videoLimit"`
	ImageLimit *int  `json:"imageLimit"`
	IsApproved *bool `json:"isApproved"`
}

// ListUsers handles GET /api/v1/admin/users.
func (h AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	users, err := h.Users.List(ctx)
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}
	out := make([]*profileResponse, 0, len(users))
	for _, u := range users {
		out = append(out, newProfileResponse(u))
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"users": out})
}

// User handles GET, PATCH and DELETE on /api/v1/admin/users/{id}.
func (h AdminHandler) User(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		respondError(ctx, w, http.StatusBadRequest, "user id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		profile, err := h.Users.FindByID(ctx, id)
		if err != nil {
			respondServiceError(ctx, w, err)
			return
		}
		respondJSON(ctx, w, http.StatusOK, newProfileResponse(profile))
	case http.MethodPatch:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h AdminHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.VideoLimit != nil && *req.VideoLimit < 0) || (req.ImageLimit != nil && *req.ImageLimit < 0) {
		respondError(ctx, w, http.StatusBadRequest, "limits must not be negative")
		return
	}

	profile, err := h.Users.FindByID(ctx, id)
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}

	if req.VideoLimit != nil || req.ImageLimit != nil {
		videoLimit, imageLimit := profile.VideoLimit, profile.ImageLimit
		if req.VideoLimit != nil {
			videoLimit = *req.VideoLimit
		}
		if req.ImageLimit != nil {
			imageLimit = *req.ImageLimit
		}
		if err := h.Users.UpdateLimits(ctx, id, videoLimit, imageLimit); err != nil {
			respondServiceError(ctx, w, err)
			return
		}
		profile.VideoLimit, profile.ImageLimit = videoLimit, imageLimit
	}

	if req.IsApproved != nil && *req.IsApproved != profile.IsApproved {
		if err := h.Users.SetApproval(ctx, id, *req.IsApproved); err != nil {
			respondServiceError(ctx, w, err)
			return
		}
		profile.IsApproved = *req.IsApproved
		if !profile.IsApproved {
			h.revoke(r, id)
		}
	}

	logger.Info("user updated", "targetUserId", id, "approved", profile.IsApproved,
		"videoLimit", profile.VideoLimit, "imageLimit", profile.ImageLimit)
	respondJSON(ctx, w, http.StatusOK, newProfileResponse(profile))
}

func (h AdminHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	if id == logging.UserIDFromContext(ctx) {
		respondError(ctx, w, http.StatusBadRequest, "administrators cannot delete themselves")
		return
	}
	if err := h.Users.Delete(ctx, id); err != nil {
		respondServiceError(ctx, w, err)
		return
	}
	h.revoke(r, id)
	logging.FromContext(ctx).Info("user deleted", "targetUserId", id)
	w.WriteHeader(http.StatusNoContent)
}

// revoke ends the user's refresh sessions; access tokens lapse on their own.
func (h AdminHandler) revoke(r *http.Request, userID string) {
	if h.Sessions == nil {
		return
	}
	if err := h.Sessions.RevokeUser(r.Context(), userID); err != nil {
		logging.FromContext(r.Context()).Warn("revoke user sessions", "targetUserId", userID, "error", err)
	}
}

