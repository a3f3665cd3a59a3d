package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnistudio/backend/internal/logging"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/repositories"
)

var (
	// ErrNotApproved indicates the profile has not been approved by an administrator.
	ErrNotApproved = errors.New("account pending approval")
	// ErrQuotaExceeded indicates the profile has used its whole allowance for a kind.
	ErrQuotaExceeded = errors.New("generation quota exceeded")
	// ErrUnknownKind indicates a generation kind without usage counters.
	ErrUnknownKind = errors.New("unknown generation kind")
)

// ProfileStore is the subset of the profile repository the gateway needs.
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (models.UserProfile, error)
	ReserveUsage(ctx context.Context, id string, kind models.GenerationKind) (models.UserProfile, error)
	ReleaseUsage(ctx context.Context, id string, kind models.GenerationKind) error
	IncrementUsage(ctx context.Context, id string, kind models.GenerationKind) error
}

// CanGenerate reports whether profile may start one more generation of kind.
func CanGenerate(profile models.UserProfile, kind models.GenerationKind) bool {
	if !profile.IsApproved || !kind.Valid() {
		return false
	}
	used, limit := profile.Usage(kind)
	return used < limit
}

// Remaining returns how many generations of kind are left, never negative.
func Remaining(profile models.UserProfile, kind models.GenerationKind) int {
	used, limit := profile.Usage(kind)
	if used >= limit {
		return 0
	}
	return limit - used
}

// Gateway meters generation calls against per-user usage counters.
type Gateway struct {
	profiles ProfileStore
	strict   bool
}

// NewGateway constructs a Gateway. In strict mode a usage slot is reserved atomically
// before the remote call and released when the call fails, so concurrent requests of one
// user cannot overrun the limit. Otherwise usage is counted after a successful call.
func NewGateway(profiles ProfileStore, strict bool) *Gateway {
	return &Gateway{profiles: profiles, strict: strict}
}

// Attempt runs fn when userID may generate kind and records the usage. No remote call is
// made when the precondition fails.
func (g *Gateway) Attempt(ctx context.Context, userID string, kind models.GenerationKind, fn func(ctx context.Context) error) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if g.strict {
		return g.attemptStrict(ctx, userID, kind, fn)
	}
	return g.attemptApproximate(ctx, userID, kind, fn)
}

func (g *Gateway) attemptStrict(ctx context.Context, userID string, kind models.GenerationKind, fn func(ctx context.Context) error) error {
	_, err := g.profiles.ReserveUsage(ctx, userID, kind)
	if err != nil {
		if errors.Is(err, repositories.ErrQuotaExhausted) {
			return g.denial(ctx, userID, kind)
		}
		return fmt.Errorf("reserve %s usage: %w", kind, err)
	}

	if err := fn(ctx); err != nil {
		// The caller's context may already be done; the release must still land.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := g.profiles.ReleaseUsage(releaseCtx, userID, kind); relErr != nil {
			logging.FromContext(ctx).Error("release usage after failed generation",
				slog.String("kind", string(kind)), slog.Any("error", relErr))
		}
		return err
	}
	return nil
}

func (g *Gateway) attemptApproximate(ctx context.Context, userID string, kind models.GenerationKind, fn func(ctx context.Context) error) error {
	profile, err := g.profiles.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if err := check(profile, kind); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := g.profiles.IncrementUsage(ctx, userID, kind); err != nil {
		// Generation already succeeded, so the usage under-counts.
		logging.FromContext(ctx).Warn("usage increment failed",
			slog.String("kind", string(kind)), slog.Any("error", err))
	}
	return nil
}

// denial tells an unapproved account apart from an exhausted allowance after a failed
// reservation.
func (g *Gateway) denial(ctx context.Context, userID string, kind models.GenerationKind) error {
	profile, err := g.profiles.FindByID(ctx, userID)
	if err != nil {
		return ErrQuotaExceeded
	}
	if err := check(profile, kind); err != nil {
		return err
	}
	return ErrQuotaExceeded
}

func check(profile models.UserProfile, kind models.GenerationKind) error {
	if !profile.IsApproved {
		return ErrNotApproved
	}
	if !CanGenerate(profile, kind) {
		return ErrQuotaExceeded
	}
	return nil
}
