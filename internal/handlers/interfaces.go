package handlers

import (
	"context"

	"github.com/omnistudio/backend/internal/auth"
	"github.com/omnistudio/backend/internal/jobs"
	"github.com/omnistudio/backend/internal/live"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/providers"
)

// ProfileStore captures the profile persistence used by auth, profile and admin handlers.
type ProfileStore interface {
	Create(ctx context.Context, profile models.UserProfile) error
	FindByID(ctx context.Context, id string) (models.UserProfile, error)
	FindByEmail(ctx context.Context, email string) (models.UserProfile, error)
	FindByUsername(ctx context.Context, username string) (models.UserProfile, error)
	List(ctx context.Context) ([]models.UserProfile, error)
	UpdateLimits(ctx context.Context, id string, videoLimit, imageLimit int) error
	SetApproval(ctx context.Context, id string, approved bool) error
	Delete(ctx context.Context, id string) error
}

// SessionManager issues, refreshes and revokes authentication tokens.
type SessionManager interface {
	Issue(ctx context.Context, id auth.Identity) (models.SessionTokens, error)
	Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error)
	Revoke(ctx context.Context, refreshToken string)
	RevokeUser(ctx context.Context, userID string) error
}

// UsageGate meters quota-bound generations.
type UsageGate interface {
	Attempt(ctx context.Context, userID string, kind models.GenerationKind, fn func(ctx context.Context) error) error
}

// Assistant serves the synchronous generation capabilities.
type Assistant interface {
	Chat(ctx context.Context, history []models.ChatMessage, prompt string) (string, error)
	Speech(ctx context.Context, text, voice string) ([]byte, error)
	Image(ctx context.Context, prompt, aspectRatio string) (providers.Image, error)
}

// VideoSubmitter starts remote video jobs.
type VideoSubmitter interface {
	Submit(ctx context.Context, req providers.VideoRequest) (string, error)
	Model() string
}

// JobStore persists the jobs submitted by users.
type JobStore interface {
	Create(ctx context.Context, job models.JobRecord) error
	Find(ctx context.Context, uuid string) (models.JobRecord, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]models.JobRecord, error)
}

// JobTracker polls submitted jobs in the background.
type JobTracker interface {
	Track(ctx context.Context, rec models.JobRecord) error
	Cancel(uuid string) bool
	Snapshot(ctx context.Context, uuid string) (jobs.Snapshot, error)
}

// LiveSessions opens per-user live sessions.
type LiveSessions interface {
	Start(ctx context.Context, userID string, sink live.Sink) (*live.Session, error)
}

// MediaFetcher downloads provider media with credentials attached server side.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, pathOrURL string) (contentType string, body []byte, err error)
}
