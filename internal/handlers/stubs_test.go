package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/omnistudio/backend/internal/auth"
	"github.com/omnistudio/backend/internal/jobs"
	"github.com/omnistudio/backend/internal/middleware"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/providers"
	"github.com/omnistudio/backend/internal/repositories"
)

type memProfiles struct {
	mu    sync.Mutex
	users map[string]models.UserProfile
}

func newMemProfiles(users ...models.UserProfile) *memProfiles {
	s := &memProfiles{users: make(map[string]models.UserProfile)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memProfiles) Create(_ context.Context, p models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == p.Email || u.Username == p.Username {
			return repositories.ErrConflict
		}
	}
	s.users[p.ID] = p
	return nil
}

func (s *memProfiles) find(match func(models.UserProfile) bool) (models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return u, nil
		}
	}
	return models.UserProfile{}, repositories.ErrNotFound
}

func (s *memProfiles) FindByID(_ context.Context, id string) (models.UserProfile, error) {
	return s.find(func(u models.UserProfile) bool { return u.ID == id })
}

func (s *memProfiles) FindByEmail(_ context.Context, email string) (models.UserProfile, error) {
	return s.find(func(u models.UserProfile) bool { return u.Email == email })
}

func (s *memProfiles) FindByUsername(_ context.Context, username string) (models.UserProfile, error) {
	return s.find(func(u models.UserProfile) bool { return u.Username == username })
}

func (s *memProfiles) List(context.Context) ([]models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UserProfile, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memProfiles) update(id string, fn func(*models.UserProfile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if err := fn(&u); err != nil {
		return err
	}
	s.users[id] = u
	return nil
}

func (s *memProfiles) UpdateLimits(_ context.Context, id string, videoLimit, imageLimit int) error {
	return s.update(id, func(u *models.UserProfile) error {
		u.VideoLimit, u.ImageLimit = videoLimit, imageLimit
		return nil
	})
}

func (s *memProfiles) SetApproval(_ context.Context, id string, approved bool) error {
	return s.update(id, func(u *models.UserProfile) error {
		u.IsApproved = approved
		return nil
	})
}

func (s *memProfiles) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memProfiles) ReserveUsage(_ context.Context, id string, kind models.GenerationKind) (models.UserProfile, error) {
	var out models.UserProfile
	err := s.update(id, func(u *models.UserProfile) error {
		used, limit := u.Usage(kind)
		if !u.IsApproved || used >= limit {
			return repositories.ErrQuotaExhausted
		}
		bump(u, kind, 1)
		out = *u
		return nil
	})
	return out, err
}

func (s *memProfiles) ReleaseUsage(_ context.Context, id string, kind models.GenerationKind) error {
	return s.update(id, func(u *models.UserProfile) error {
		if used, _ := u.Usage(kind); used > 0 {
			bump(u, kind, -1)
		}
		return nil
	})
}

func (s *memProfiles) IncrementUsage(_ context.Context, id string, kind models.GenerationKind) error {
	return s.update(id, func(u *models.UserProfile) error {
		bump(u, kind, 1)
		return nil
	})
}

func (s *memProfiles) get(id string) models.UserProfile {
	u, _ := s.FindByID(context.Background(), id)
	return u
}

func bump(u *models.UserProfile, kind models.GenerationKind, delta int) {
	switch kind {
	case models.KindVideo:
		u.VideosUsed += delta
	case models.KindImage:
		u.ImagesUsed += delta
	}
}

func approvedUser(id string) models.UserProfile {
	return models.UserProfile{
		ID: id, Username: id, Email: id + "@example.com",
		IsApproved: true, VideoLimit: 5, ImageLimit: 10,
	}
}

func newTestSessions(users *memProfiles) (*auth.Manager, *auth.InMemorySessionStore) {
	store := auth.NewInMemorySessionStore()
	resolve := func(ctx context.Context, userID string) (auth.Identity, error) {
		u, err := users.FindByID(ctx, userID)
		if err != nil {
			return auth.Identity{}, err
		}
		return auth.Identity{UserID: u.ID, IsAdmin: u.IsAdmin}, nil
	}
	return auth.NewManager("handler-secret", time.Minute, time.Hour, store, resolve), store
}

func asUser(r *http.Request, userID string, admin bool) *http.Request {
	return r.WithContext(middleware.WithIdentity(r.Context(), auth.Identity{UserID: userID, IsAdmin: admin}))
}

type stubAssistant struct {
	mu       sync.Mutex
	reply    string
	audio    []byte
	image    providers.Image
	err      error
	calls    int
	lastText string
}

func (s *stubAssistant) record(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastText = text
	return s.err
}

func (s *stubAssistant) Chat(_ context.Context, _ []models.ChatMessage, prompt string) (string, error) {
	return s.reply, s.record(prompt)
}

func (s *stubAssistant) Speech(_ context.Context, text, voice string) ([]byte, error) {
	return s.audio, s.record(text + "|" + voice)
}

func (s *stubAssistant) Image(_ context.Context, prompt, _ string) (providers.Image, error) {
	if err := s.record(prompt); err != nil {
		return providers.Image{}, err
	}
	return s.image, nil
}

type stubVideos struct {
	mu    sync.Mutex
	id    string
	err   error
	calls int
	last  providers.VideoRequest
}

func (s *stubVideos) Submit(_ context.Context, req providers.VideoRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	return s.id, s.err
}

func (s *stubVideos) Model() string { return "sora-2" }

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]models.JobRecord
}

func newMemJobs(recs ...models.JobRecord) *memJobs {
	s := &memJobs{jobs: make(map[string]models.JobRecord)}
	for _, r := range recs {
		s.jobs[r.UUID] = r
	}
	return s
}

func (s *memJobs) Create(_ context.Context, job models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.UUID] = job
	return nil
}

func (s *memJobs) Find(_ context.Context, uuid string) (models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[uuid]
	if !ok {
		return models.JobRecord{}, repositories.ErrNotFound
	}
	return j, nil
}

func (s *memJobs) ListForUser(_ context.Context, userID string, limit int) ([]models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobRecord
	for _, j := range s.jobs {
		if j.UserID == userID && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

type stubTracker struct {
	mu        sync.Mutex
	tracked   []models.JobRecord
	canceled  []string
	snapshots map[string]jobs.Snapshot
}

func (s *stubTracker) Track(_ context.Context, rec models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, rec)
	return nil
}

func (s *stubTracker) Cancel(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, uuid)
	return true
}

func (s *stubTracker) Snapshot(_ context.Context, uuid string) (jobs.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[uuid]
	if !ok {
		return jobs.Snapshot{}, jobs.ErrSnapshotNotFound
	}
	return snap, nil
}
