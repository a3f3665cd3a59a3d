package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omnistudio/backend/internal/db"
	"github.com/omnistudio/backend/internal/models"
)

const profileColumns = `id, username, email, password_hash, is_approved, is_admin,
        video_limit, image_limit, videos_used, images_used, created_at, updated_at`

// PostgresProfileRepository provides PostgreSQL-backed persistence for user profiles.
type PostgresProfileRepository struct {
	pool db.Pool
}

// NewPostgresProfileRepository constructs a profile repository backed by PostgreSQL.
func NewPostgresProfileRepository(pool db.Pool) *PostgresProfileRepository {
	return &PostgresProfileRepository{pool: pool}
}

// Create persists a new profile record.
func (r *PostgresProfileRepository) Create(ctx context.Context, p models.UserProfile) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO profiles (id, username, email, password_hash, is_approved, is_admin,
            video_limit, image_limit, videos_used, images_used, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, p.ID, p.Username, p.Email, p.PasswordHash, p.IsApproved, p.IsAdmin,
		p.VideoLimit, p.ImageLimit, p.VideosUsed, p.ImagesUsed, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if mapped := mapPgError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("insert profile: %w", err)
	}

	return nil
}

// FindByID fetches a profile by its identifier.
func (r *PostgresProfileRepository) FindByID(ctx context.Context, id string) (models.UserProfile, error) {
	return r.findOne(ctx, "id", id)
}

// FindByEmail fetches a profile by its email address.
func (r *PostgresProfileRepository) FindByEmail(ctx context.Context, email string) (models.UserProfile, error) {
	return r.findOne(ctx, "email", email)
}

// FindByUsername fetches a profile by its username.
func (r *PostgresProfileRepository) FindByUsername(ctx context.Context, username string) (models.UserProfile, error) {
	return r.findOne(ctx, "username", username)
}

func (r *PostgresProfileRepository) findOne(ctx context.Context, column, value string) (models.UserProfile, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// column is one of a fixed set chosen by the callers above.
	row := conn.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE `+column+` = $1`, value)

	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UserProfile{}, ErrNotFound
		}
		return models.UserProfile{}, fmt.Errorf("select profile by %s: %w", column, err)
	}
	return profile, nil
}

// List returns every profile, newest first.
func (r *PostgresProfileRepository) List(ctx context.Context) ([]models.UserProfile, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.UserProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	return profiles, nil
}

// UpdateLimits sets the per-kind quota limits of a profile.
func (r *PostgresProfileRepository) UpdateLimits(ctx context.Context, id string, videoLimit, imageLimit int) error {
	return r.execOne(ctx, "update profile limits", `
        UPDATE profiles
        SET video_limit = $2, image_limit = $3, updated_at = $4
        WHERE id = $1
    `, id, videoLimit, imageLimit, time.Now().UTC())
}

// SetApproval flips the approval flag of a profile.
func (r *PostgresProfileRepository) SetApproval(ctx context.Context, id string, approved bool) error {
	return r.execOne(ctx, "update profile approval", `
        UPDATE profiles
        SET is_approved = $2, updated_at = $3
        WHERE id = $1
    `, id, approved, time.Now().UTC())
}

// Delete removes a profile. Sessions and job records cascade.
func (r *PostgresProfileRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete profile", `DELETE FROM profiles WHERE id = $1`, id)
}

// ReserveUsage atomically increments the usage counter for kind when the profile is
// approved and below its limit, returning the updated profile. When the guard fails it
// returns ErrQuotaExhausted, or ErrNotFound for an unknown profile.
func (r *PostgresProfileRepository) ReserveUsage(ctx context.Context, id string, kind models.GenerationKind) (models.UserProfile, error) {
	used, limit, err := usageColumns(kind)
	if err != nil {
		return models.UserProfile{}, err
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        UPDATE profiles
        SET `+used+` = `+used+` + 1, updated_at = $2
        WHERE id = $1 AND is_approved AND `+used+` < `+limit+`
        RETURNING `+profileColumns, id, time.Now().UTC())

	profile, err := scanProfile(row)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.UserProfile{}, fmt.Errorf("reserve %s usage: %w", kind, err)
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.UserProfile{}, fmt.Errorf("check profile exists: %w", err)
	}
	if !exists {
		return models.UserProfile{}, ErrNotFound
	}
	return models.UserProfile{}, ErrQuotaExhausted
}

// ReleaseUsage gives back a reserved slot, never dropping below zero.
func (r *PostgresProfileRepository) ReleaseUsage(ctx context.Context, id string, kind models.GenerationKind) error {
	used, _, err := usageColumns(kind)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "release usage", `
        UPDATE profiles
        SET `+used+` = GREATEST(`+used+` - 1, 0), updated_at = $2
        WHERE id = $1
    `, id, time.Now().UTC())
}

// IncrementUsage bumps the usage counter without any limit guard.
func (r *PostgresProfileRepository) IncrementUsage(ctx context.Context, id string, kind models.GenerationKind) error {
	used, _, err := usageColumns(kind)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "increment usage", `
        UPDATE profiles
        SET `+used+` = `+used+` + 1, updated_at = $2
        WHERE id = $1
    `, id, time.Now().UTC())
}

func (r *PostgresProfileRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		if mapped := mapPgError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func usageColumns(kind models.GenerationKind) (used, limit string, err error) {
	switch kind {
	case models.KindVideo:
		return "videos_used", "video_limit", nil
	case models.KindImage:
		return "images_used", "image_limit", nil
	default:
		return "", "", fmt.Errorf("unknown generation kind %q", kind)
	}
}

func scanProfile(row pgx.Row) (models.UserProfile, error) {
	var p models.UserProfile
	err := row.Scan(&p.ID, &p.Username, &p.Email, &p.PasswordHash, &p.IsApproved, &p.IsAdmin,
		&p.VideoLimit, &p.ImageLimit, &p.VideosUsed, &p.ImagesUsed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.UserProfile{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

var _ ProfileRepository = (*PostgresProfileRepository)(nil)
