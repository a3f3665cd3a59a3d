package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/omnistudio/backend/internal/fetch"
	"github.com/omnistudio/backend/internal/jobs"
	"github.com/omnistudio/backend/internal/live"
	"github.com/omnistudio/backend/internal/logging"
	"github.com/omnistudio/backend/internal/middleware"
	"github.com/omnistudio/backend/internal/providers"
	"github.com/omnistudio/backend/internal/quota"
	"github.com/omnistudio/backend/internal/repositories"
)

// Messages shown to users for provider trouble.
const (
	msgNetworkBusy = "network busy, please retry"
	msgLinkMissing = "link not found, please refresh"
)

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	respondJSON(ctx, w, status, map[string]string{"error": msg})
}

// respondServiceError maps the domain error taxonomy onto HTTP statuses.
func respondServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, quota.ErrNotApproved):
		status, msg = http.StatusForbidden, quota.ErrNotApproved.Error()
	case errors.Is(err, quota.ErrQuotaExceeded):
		status, msg = http.StatusForbidden, quota.ErrQuotaExceeded.Error()
	case errors.Is(err, providers.ErrInvalidVideoRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, fetch.ErrNetworkBusy), errors.Is(err, providers.ErrProviderFailed):
		status, msg = http.StatusBadGateway, msgNetworkBusy
	case errors.Is(err, jobs.ErrMissingJobID), errors.Is(err, providers.ErrEmptyResponse):
		status, msg = http.StatusBadGateway, "provider returned an unusable response"
	case errors.Is(err, jobs.ErrResultNotFound):
		status, msg = http.StatusBadGateway, msgLinkMissing
	case errors.Is(err, providers.ErrMissingAPIKey), errors.Is(err, live.ErrSetupFailed),
		errors.Is(err, providers.ErrHistoryUnavailable):
		status, msg = http.StatusServiceUnavailable, "capability unavailable"
	case errors.Is(err, live.ErrSessionActive):
		status, msg = http.StatusConflict, live.ErrSessionActive.Error()
	case errors.Is(err, repositories.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, repositories.ErrConflict):
		status, msg = http.StatusConflict, "already exists"
	case errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, msgNetworkBusy
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx).Error("service call failed", "error", err)
	}
	respondError(ctx, w, status, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}

// currentUser returns the authenticated user id or writes 401.
func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		respondError(r.Context(), w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return id.UserID, true
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}
