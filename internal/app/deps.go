package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/omnistudio/backend/internal/archive"
	"github.com/omnistudio/backend/internal/auth"
	"github.com/omnistudio/backend/internal/config"
	"github.com/omnistudio/backend/internal/db"
	"github.com/omnistudio/backend/internal/fetch"
	"github.com/omnistudio/backend/internal/handlers"
	"github.com/omnistudio/backend/internal/jobs"
	"github.com/omnistudio/backend/internal/live"
	"github.com/omnistudio/backend/internal/middleware"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/providers"
	"github.com/omnistudio/backend/internal/quota"
	"github.com/omnistudio/backend/internal/repositories"
	"github.com/omnistudio/backend/internal/storage"
)

const historyCacheTTL = 30 * time.Second

// buildDependencies wires together concrete implementations used by the HTTP handlers.
// The returned cleanup stops background workers and closes clients.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config, logger *slog.Logger) (handlers.Dependencies, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	profiles := repositories.NewPostgresProfileRepository(pool)
	jobRepo := repositories.NewPostgresJobRepository(pool)
	sessions := auth.NewManager(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL,
		repositories.NewPostgresSessionStore(pool), identityResolver(profiles))

	httpClient := &http.Client{Timeout: providerTimeout(cfg.Providers)}
	videoFetch := fetch.NewClient(fetch.Config{
		APIKeyHeader:  "x-api-key",
		APIKey:        cfg.Providers.VideoAPIKey,
		RewriteProxy:  cfg.Providers.RewriteProxy,
		EnvelopeProxy: cfg.Providers.EnvelopeProxy,
	}, httpClient)
	// CDN downloads carry the key in the query string.
	cdnFetch := fetch.NewClient(fetch.Config{
		RewriteProxy:  cfg.Providers.RewriteProxy,
		EnvelopeProxy: cfg.Providers.EnvelopeProxy,
	}, httpClient)

	videoClient, err := providers.NewVideoClient(providers.VideoConfig{
		BaseURL:    cfg.Providers.VideoBaseURL,
		Model:      cfg.Providers.VideoModel,
		Resolution: cfg.Providers.VideoResolution,
	}, videoFetch)
	if err != nil {
		return handlers.Dependencies{}, nil, fmt.Errorf("configure video provider: %w", err)
	}

	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return err
			}
			defer conn.Release()
			return conn.Ping(ctx)
		},
	}

	var statusStore jobs.StatusStore = jobs.NewMemoryStatusStore()
	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
		statusStore = jobs.NewRedisStatusStore(redisClient, cfg.Polling.SnapshotTTL)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn("redis not configured, job snapshots are kept in memory")
	}

	var (
		archiver     *archive.Archiver
		archiveQueue jobs.ArchiveQueue
	)
	if cfg.ObjectStore.Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			return handlers.Dependencies{}, nil, fmt.Errorf("configure object store: %w", err)
		}
		archiver = archive.New(cdnFetch, storage.Prefixed(s3Store, "videos"), jobRepo, archive.Config{
			QueueSize: cfg.Archive.QueueSize,
			Workers:   cfg.Archive.Workers,
		}, logger)
		archiveQueue = archiver
	}

	poller := jobs.NewPoller(videoClient, jobs.PollerConfig{
		Interval:      cfg.Polling.Interval,
		ErrorInterval: cfg.Polling.ErrorInterval,
		MaxBackoff:    cfg.Polling.MaxBackoff,
		Budget:        cfg.Polling.Budget,
	})
	tracker := jobs.NewTracker(poller, jobRepo, statusStore, archiveQueue, logger)

	policy := live.PolicyReject
	if cfg.Live.ReplaceExisting {
		policy = live.PolicyReplace
	}
	liveManager := live.NewManager(&live.GeminiLiveDialer{
		URL:    cfg.Providers.LiveURL,
		APIKey: cfg.Providers.GeminiAPIKey,
	}, live.ManagerConfig{
		Policy: policy,
		Setup: live.SetupConfig{
			Model:   cfg.Providers.LiveModel,
			Voice:   cfg.Live.Voice,
			Persona: cfg.Live.Persona,
		},
	}, logger)

	deps := handlers.Dependencies{
		Users:             profiles,
		Sessions:          sessions,
		Verifier:          sessions,
		AuthLimiter:       middleware.NewIPRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Burst, 10*cfg.RateLimit.Window),
		Quota:             quota.NewGateway(profiles, cfg.Quota.Strict),
		Jobs:              jobRepo,
		Tracker:           tracker,
		Live:              liveManager,
		HealthChecks:      checks,
		DefaultVideoLimit: cfg.Quota.DefaultVideoLimit,
		DefaultImageLimit: cfg.Quota.DefaultImageLimit,
		Voice:             cfg.Live.Voice,
	}

	gemini, err := providers.NewGeminiClient(providers.GeminiConfig{
		BaseURL:     cfg.Providers.GeminiBaseURL,
		APIKey:      cfg.Providers.GeminiAPIKey,
		ChatModel:   cfg.Providers.ChatModel,
		SpeechModel: cfg.Providers.SpeechModel,
		ImageModel:  cfg.Providers.ImageModel,
		Timeout:     cfg.Providers.RequestTimeout,
	}, nil)
	switch {
	case errors.Is(err, providers.ErrMissingAPIKey):
		logger.Warn("gemini api key missing, chat, speech and image generation are disabled")
	case err != nil:
		return handlers.Dependencies{}, nil, fmt.Errorf("configure gemini: %w", err)
	default:
		deps.Assistant = gemini
	}

	if strings.TrimSpace(cfg.Providers.VideoAPIKey) == "" {
		logger.Warn("video api key missing, video generation and history are disabled")
	} else {
		deps.Videos = videoClient
		history := providers.NewCachingHistory(videoClient, historyCacheTTL)
		// A finished job shows up in the vault right away.
		tracker.OnCompleted(func(models.JobRecord) { history.Invalidate() })
		deps.History = history
		media, err := providers.NewMediaClient(cfg.Providers.CDNBaseURL, cfg.Providers.VideoAPIKey, cdnFetch, hostOf(cfg.Providers.VideoBaseURL))
		if err != nil {
			return handlers.Dependencies{}, nil, fmt.Errorf("configure media proxy: %w", err)
		}
		deps.Media = media

		if n, err := tracker.Resume(ctx, jobRepo); err != nil {
			logger.Warn("resume unfinished jobs", slog.Any("error", err))
		} else if n > 0 {
			logger.Info("resumed unfinished jobs", slog.Int("count", n))
		}
	}

	cleanup := func(ctx context.Context) error {
		var g errgroup.Group
		g.Go(func() error { return liveManager.Shutdown(ctx) })
		g.Go(func() error { return tracker.Shutdown(ctx) })
		err := g.Wait()
		// Tracker loops may still enqueue until they exit, so the archiver stops last.
		if archiver != nil {
			err = errors.Join(err, archiver.Shutdown(ctx))
		}
		if redisClient != nil {
			err = errors.Join(err, redisClient.Close())
		}
		return err
	}

	return deps, cleanup, nil
}

// identityResolver reloads admin rights from the profile store on refresh.
func identityResolver(profiles repositories.ProfileRepository) auth.IdentityResolver {
	return func(ctx context.Context, userID string) (auth.Identity, error) {
		p, err := profiles.FindByID(ctx, userID)
		if err != nil {
			return auth.Identity{}, err
		}
		return auth.Identity{UserID: p.ID, IsAdmin: p.IsAdmin}, nil
	}
}

func providerTimeout(cfg config.ProviderConfig) time.Duration {
	if cfg.RequestTimeout > 0 {
		return cfg.RequestTimeout
	}
	return 60 * time.Second
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Hostname()
}
