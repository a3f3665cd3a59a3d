package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/repositories"
)

type profileStoreStub struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile

	incrementErr error
	releases     int
}

func newProfileStoreStub(profiles ...models.UserProfile) *profileStoreStub {
	stub := &profileStoreStub{profiles: make(map[string]models.UserProfile)}
	for _, p := range profiles {
		stub.profiles[p.ID] = p
	}
	return stub
}

func (s *profileStoreStub) FindByID(_ context.Context, id string) (models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return models.UserProfile{}, repositories.ErrNotFound
	}
	return p, nil
}

func (s *profileStoreStub) ReserveUsage(_ context.Context, id string, kind models.GenerationKind) (models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return models.UserProfile{}, repositories.ErrNotFound
	}
	if !CanGenerate(p, kind) {
		return models.UserProfile{}, repositories.ErrQuotaExhausted
	}
	bump(&p, kind, 1)
	s.profiles[id] = p
	return p, nil
}

func (s *profileStoreStub) ReleaseUsage(_ context.Context, id string, kind models.GenerationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	p := s.profiles[id]
	if used, _ := p.Usage(kind); used > 0 {
		bump(&p, kind, -1)
	}
	s.profiles[id] = p
	return nil
}

func (s *profileStoreStub) IncrementUsage(_ context.Context, id string, kind models.GenerationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}
	p := s.profiles[id]
	bump(&p, kind, 1)
	s.profiles[id] = p
	return nil
}

func (s *profileStoreStub) used(id string, kind models.GenerationKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	used, _ := s.profiles[id].Usage(kind)
	return used
}

func bump(p *models.UserProfile, kind models.GenerationKind, delta int) {
	switch kind {
	case models.KindVideo:
		p.VideosUsed += delta
	case models.KindImage:
		p.ImagesUsed += delta
	}
}

func TestCanGenerate(t *testing.T) {
	tests := []struct {
		name    string
		profile models.UserProfile
		kind    models.GenerationKind
		want    bool
	}{
		{name: "one below limit", profile: models.UserProfile{IsApproved: true, VideoLimit: 5, VideosUsed: 4}, kind: models.KindVideo, want: true},
		{name: "at limit", profile: models.UserProfile{IsApproved: true, VideoLimit: 5, VideosUsed: 5}, kind: models.KindVideo, want: false},
		{name: "over limit", profile: models.UserProfile{IsApproved: true, ImageLimit: 10, ImagesUsed: 12}, kind: models.KindImage, want: false},
		{name: "unapproved", profile: models.UserProfile{VideoLimit: 5}, kind: models.KindVideo, want: false},
		{name: "image independent of video", profile: models.UserProfile{IsApproved: true, VideoLimit: 5, VideosUsed: 5, ImageLimit: 10, ImagesUsed: 9}, kind: models.KindImage, want: true},
		{name: "unknown kind", profile: models.UserProfile{IsApproved: true, VideoLimit: 5}, kind: models.GenerationKind("audio"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanGenerate(tt.profile, tt.kind); got != tt.want {
				t.Fatalf("CanGenerate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	if got := Remaining(models.UserProfile{VideoLimit: 5, VideosUsed: 2}, models.KindVideo); got != 3 {
		t.Fatalf("expected 3 remaining, got %d", got)
	}
	if got := Remaining(models.UserProfile{ImageLimit: 1, ImagesUsed: 4}, models.KindImage); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
}

func TestGatewayDeniesWithoutRemoteCall(t *testing.T) {
	for _, strict := range []bool{true, false} {
		store := newProfileStoreStub(
			models.UserProfile{ID: "pending", VideoLimit: 5},
			models.UserProfile{ID: "full", IsApproved: true, VideoLimit: 5, VideosUsed: 5},
		)
		gateway := NewGateway(store, strict)

		called := false
		remote := func(context.Context) error {
			called = true
			return nil
		}

		if err := gateway.Attempt(context.Background(), "pending", models.KindVideo, remote); !errors.Is(err, ErrNotApproved) {
			t.Fatalf("strict=%v: expected ErrNotApproved, got %v", strict, err)
		}
		if err := gateway.Attempt(context.Background(), "full", models.KindVideo, remote); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("strict=%v: expected ErrQuotaExceeded, got %v", strict, err)
		}
		if called {
			t.Fatalf("strict=%v: remote call must not run on denial", strict)
		}
		if used := store.used("full", models.KindVideo); used != 5 {
			t.Fatalf("strict=%v: usage changed on denial: %d", strict, used)
		}
	}
}

func TestGatewayCountsOnlySuccess(t *testing.T) {
	for _, strict := range []bool{true, false} {
		store := newProfileStoreStub(models.UserProfile{ID: "u1", IsApproved: true, ImageLimit: 10, ImagesUsed: 9})
		gateway := NewGateway(store, strict)

		remoteErr := errors.New("provider down")
		err := gateway.Attempt(context.Background(), "u1", models.KindImage, func(context.Context) error { return remoteErr })
		if !errors.Is(err, remoteErr) {
			t.Fatalf("strict=%v: expected remote error, got %v", strict, err)
		}
		if used := store.used("u1", models.KindImage); used != 9 {
			t.Fatalf("strict=%v: failed call must not consume quota, used=%d", strict, used)
		}

		if err := gateway.Attempt(context.Background(), "u1", models.KindImage, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("strict=%v: unexpected error: %v", strict, err)
		}
		if used := store.used("u1", models.KindImage); used != 10 {
			t.Fatalf("strict=%v: expected usage 10, got %d", strict, used)
		}

		if err := gateway.Attempt(context.Background(), "u1", models.KindImage, func(context.Context) error { return nil }); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("strict=%v: expected quota exceeded at limit, got %v", strict, err)
		}
	}
}

func TestGatewayStrictBlocksConcurrentOverrun(t *testing.T) {
	store := newProfileStoreStub(models.UserProfile{ID: "u1", IsApproved: true, VideoLimit: 3})
	gateway := NewGateway(store, true)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gateway.Attempt(context.Background(), "u1", models.KindVideo, func(context.Context) error {
				mu.Lock()
				granted++
				mu.Unlock()
				<-release
				return nil
			})
		}()
	}
	close(release)
	wg.Wait()

	if granted != 3 {
		t.Fatalf("expected exactly 3 generations, got %d", granted)
	}
	if used := store.used("u1", models.KindVideo); used != 3 {
		t.Fatalf("expected usage 3, got %d", used)
	}
}

func TestGatewayApproximateSwallowsIncrementFailure(t *testing.T) {
	store := newProfileStoreStub(models.UserProfile{ID: "u1", IsApproved: true, VideoLimit: 5})
	store.incrementErr = errors.New("write failed")
	gateway := NewGateway(store, false)

	if err := gateway.Attempt(context.Background(), "u1", models.KindVideo, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected success despite increment failure, got %v", err)
	}
}

func TestGatewayRejectsUnknownKind(t *testing.T) {
	gateway := NewGateway(newProfileStoreStub(), true)
	err := gateway.Attempt(context.Background(), "u1", models.GenerationKind("audio"), func(context.Context) error { return nil })
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestGatewayUnknownProfile(t *testing.T) {
	gateway := NewGateway(newProfileStoreStub(), true)
	err := gateway.Attempt(context.Background(), "ghost", models.KindVideo, func(context.Context) error { return nil })
	if !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
