package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omnistudio/backend/internal/models"
)

// ErrSnapshotNotFound indicates no status snapshot is stored for a job.
var ErrSnapshotNotFound = errors.New("job snapshot not found")

// Snapshot is the latest observed status of a tracked job.
type Snapshot struct {
	UUID      string          `json:"uuid"`
	UserID    string          `json:"userId"`
	Kind      string          `json:"kind,omitempty"`
	State     models.JobState `json:"state"`
	Progress  int             `json:"progress"`
	ResultURL string          `json:"resultUrl,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StatusStore keeps job snapshots for fast status reads.
type StatusStore interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, uuid string) (Snapshot, error)
}

// RedisStatusStore stores snapshots as JSON strings with a TTL.
type RedisStatusStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStatusStore constructs a Redis backed status store.
func NewRedisStatusStore(client redis.UniversalClient, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusStore{client: client, prefix: "omnistudio:job:", ttl: ttl}
}

// Put stores snap, replacing any earlier snapshot of the same job.
func (s *RedisStatusStore) Put(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+snap.UUID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Get loads the snapshot of uuid.
func (s *RedisStatusStore) Get(ctx context.Context, uuid string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.prefix+uuid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// MemoryStatusStore keeps snapshots in process memory.
type MemoryStatusStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// NewMemoryStatusStore returns an empty in-memory store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{items: make(map[string]Snapshot)}
}

// Put stores snap.
func (s *MemoryStatusStore) Put(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	s.items[snap.UUID] = snap
	s.mu.Unlock()
	return nil
}

// Get loads the snapshot of uuid.
func (s *MemoryStatusStore) Get(_ context.Context, uuid string) (Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.items[uuid]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

var (
	_ StatusStore = (*RedisStatusStore)(nil)
	_ StatusStore = (*MemoryStatusStore)(nil)
)
