package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omnistudio/backend/internal/models"
)

func TestRedisStatusStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStatusStore(client, time.Hour)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	snap := Snapshot{UUID: "job-1", UserID: "u1", State: models.JobProcessing, Progress: 40, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := store.Put(ctx, snap); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.JobProcessing || got.Progress != 40 || got.UserID != "u1" || !got.UpdatedAt.Equal(snap.UpdatedAt) {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	if ttl := mr.TTL("omnistudio:job:job-1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "job-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot to expire, got %v", err)
	}
}

func TestRedisStatusStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStatusStore(client, time.Minute)

	mr.Close()
	if err := store.Put(context.Background(), Snapshot{UUID: "job"}); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestMemoryStatusStore(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()
	if _, err := store.Get(ctx, "x"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_ = store.Put(ctx, Snapshot{UUID: "x", State: models.JobCompleted})
	got, err := store.Get(ctx, "x")
	if err != nil || got.State != models.JobCompleted {
		t.Fatalf("unexpected result %+v %v", got, err)
	}
}
