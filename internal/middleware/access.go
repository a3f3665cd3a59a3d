package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/omnistudio/backend/internal/logging"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/quota"
	"github.com/omnistudio/backend/internal/repositories"
)

// ProfileLookup loads the current profile of an authenticated user.
type ProfileLookup interface {
	FindByID(ctx context.Context, id string) (models.UserProfile, error)
}

// RequireApproved lets only approved accounts through. The profile is reloaded on every
// request so an approval change applies without waiting for the access token to expire.
// It must run after Authenticate.
func RequireApproved(profiles ProfileLookup) func(http.Handler) http.Handler {
	return requireProfile(profiles, func(w http.ResponseWriter, r *http.Request, p models.UserProfile) bool {
		if p.IsApproved {
			return true
		}
		logging.FromContext(r.Context()).Warn("unapproved account denied")
		writeError(w, http.StatusForbidden, quota.ErrNotApproved.Error())
		return false
	})
}

// RequireAdmin lets only administrators through. The admin flag is read from the stored
// profile, not from the token claim, so a demoted admin loses access immediately.
// It must run after Authenticate.
func RequireAdmin(profiles ProfileLookup) func(http.Handler) http.Handler {
	return requireProfile(profiles, func(w http.ResponseWriter, r *http.Request, p models.UserProfile) bool {
		if p.IsAdmin {
			return true
		}
		logging.FromContext(r.Context()).Warn("admin route denied")
		writeError(w, http.StatusForbidden, "administrator access required")
		return false
	})
}

func requireProfile(profiles ProfileLookup, allow func(http.ResponseWriter, *http.Request, models.UserProfile) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				unauthorized(w, "missing access token")
				return
			}
			profile, err := profiles.FindByID(r.Context(), id.UserID)
			switch {
			case errors.Is(err, repositories.ErrNotFound):
				unauthorized(w, "account no longer exists")
				return
			case err != nil:
				logging.FromContext(r.Context()).Error("load profile", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to load profile")
				return
			}
			if allow(w, r, profile) {
				next.ServeHTTP(w, r)
			}
		})
	}
}
