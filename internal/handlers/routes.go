package handlers

import (
	"net/http"
	"time"

	"github.com/omnistudio/backend/internal/middleware"
	"github.com/omnistudio/backend/internal/providers"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Checks: deps.HealthChecks}
	auth := AuthHandler{
		Users:             deps.Users,
		Sessions:          deps.Sessions,
		DefaultVideoLimit: deps.DefaultVideoLimit,
		DefaultImageLimit: deps.DefaultImageLimit,
		NowFunc:           deps.NowFunc,
	}
	profile := ProfileHandler{Users: deps.Users}
	generate := GenerateHandler{Assistant: deps.Assistant, Quota: deps.Quota, Voice: deps.Voice, NowFunc: deps.NowFunc}
	videos := VideoHandler{
		Videos:  deps.Videos,
		Quota:   deps.Quota,
		Jobs:    deps.Jobs,
		Tracker: deps.Tracker,
		History: deps.History,
		Media:   deps.Media,
		NowFunc: deps.NowFunc,
	}
	liveHandler := LiveHandler{Sessions: deps.Live, CheckOrigin: deps.CheckOrigin}
	admin := AdminHandler{Users: deps.Users, Sessions: deps.Sessions}

	limited := middleware.RateLimit(deps.AuthLimiter, "auth")
	authed := middleware.Authenticate(deps.Verifier)
	approved := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireApproved(deps.Users)(h)) }
	adminOnly := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(deps.Users)(h)) }

	mux.HandleFunc("/healthz", health.Handle)
	mux.Handle("/api/v1/auth/login", limited(http.HandlerFunc(auth.Login)))
	mux.Handle("/api/v1/auth/signup", limited(http.HandlerFunc(auth.SignUp)))
	mux.Handle("/api/v1/auth/refresh", limited(http.HandlerFunc(auth.Refresh)))
	mux.HandleFunc("/api/v1/auth/logout", auth.Logout)

	// Pending accounts can see their profile and earlier jobs, nothing that reaches a provider.
	mux.Handle("/api/v1/me", authed(http.HandlerFunc(profile.Me)))
	mux.Handle("/api/v1/jobs", authed(http.HandlerFunc(videos.ListJobs)))
	mux.Handle("/api/v1/jobs/{uuid}", authed(http.HandlerFunc(videos.Job)))

	mux.Handle("/api/v1/chat", approved(generate.Chat))
	mux.Handle("/api/v1/speech", approved(generate.Speech))
	mux.Handle("/api/v1/images", approved(generate.Images))
	mux.Handle("/api/v1/videos", approved(videos.Create))
	mux.Handle("/api/v1/history", approved(videos.HistoryList))
	mux.Handle("/api/v1/media", approved(videos.MediaProxy))
	mux.Handle("/api/v1/live", approved(liveHandler.Stream))

	mux.Handle("/api/v1/admin/users", adminOnly(admin.ListUsers))
	mux.Handle("/api/v1/admin/users/{id}", adminOnly(admin.User))
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Users       ProfileStore
	Sessions    SessionManager
	Verifier    middleware.TokenVerifier
	AuthLimiter middleware.RateLimiter
	Quota       UsageGate
	Assistant   Assistant
	Videos      VideoSubmitter
	Jobs        JobStore
	Tracker     JobTracker
	History     providers.HistorySource
	Media       MediaFetcher
	Live        LiveSessions

	HealthChecks      map[string]HealthCheck
	DefaultVideoLimit int
	DefaultImageLimit int
	Voice             string
	CheckOrigin       func(r *http.Request) bool
	NowFunc           func() time.Time
}
