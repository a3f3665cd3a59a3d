package repositories

import (
	"context"

	"github.com/omnistudio/backend/internal/models"
)

// ProfileRepository defines the data access contract for user profiles.
type ProfileRepository interface {
	Create(ctx context.Context, profile models.UserProfile) error
	FindByID(ctx context.Context, id string) (models.UserProfile, error)
	FindByEmail(ctx context.Context, email string) (models.UserProfile, error)
	FindByUsername(ctx context.Context, username string) (models.UserProfile, error)
	List(ctx context.Context) ([]models.UserProfile, error)
	UpdateLimits(ctx context.Context, id string, videoLimit, imageLimit int) error
	SetApproval(ctx context.Context, id string, approved bool) error
	Delete(ctx context.Context, id string) error
	ReserveUsage(ctx context.Context, id string, kind models.GenerationKind) (models.UserProfile, error)
	ReleaseUsage(ctx context.Context, id string, kind models.GenerationKind) error
	IncrementUsage(ctx context.Context, id string, kind models.GenerationKind) error
}

// JobRepository exposes persistence for submitted generation jobs.
type JobRepository interface {
	Create(ctx context.Context, job models.JobRecord) error
	Find(ctx context.Context, uuid string) (models.JobRecord, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]models.JobRecord, error)
	ListActive(ctx context.Context) ([]models.JobRecord, error)
	UpdateState(ctx context.Context, uuid string, state models.JobState, progress int, resultURL, errMsg string) error
	MarkArchived(ctx context.Context, uuid, archiveURL string) error
}
