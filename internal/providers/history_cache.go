package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omnistudio/backend/internal/models"
)

// ErrHistoryUnavailable indicates no history source is configured.
var ErrHistoryUnavailable = errors.New("video history unavailable")

// HistorySource lists past remote video jobs.
type HistorySource interface {
	HistoryPages(ctx context.Context, pages, perPage int) ([]models.SoraHistoryItem, error)
}

type historyEntry struct {
	items   []models.SoraHistoryItem
	expires time.Time
}

// CachingHistory wraps a HistorySource with a TTL-based in-memory cache. The vault
// listing is shared by every user of the provider account, so one cache serves all.
type CachingHistory struct {
	base HistorySource
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]historyEntry
}

// NewCachingHistory returns a HistorySource that caches listings for ttl.
func NewCachingHistory(base HistorySource, ttl time.Duration) *CachingHistory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingHistory{
		base:  base,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]historyEntry),
	}
}

// HistoryPages returns a cached listing when available, otherwise it delegates to the
// underlying source and stores the result. Errors are never cached.
func (c *CachingHistory) HistoryPages(ctx context.Context, pages, perPage int) ([]models.SoraHistoryItem, error) {
	if c == nil || c.base == nil {
		return nil, ErrHistoryUnavailable
	}

	key := fmt.Sprintf("%d:%d", pages, perPage)
	now := c.now()

	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.items, nil
	}

	items, err := c.base.HistoryPages(ctx, pages, perPage)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items[key] = historyEntry{items: items, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return items, nil
}

// Invalidate drops every cached listing, e.g. after a job finished.
func (c *CachingHistory) Invalidate() {
	c.mu.Lock()
	c.items = make(map[string]historyEntry)
	c.mu.Unlock()
}
