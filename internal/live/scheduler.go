package live

import (
	"sort"
	"sync"
	"time"
)

// ScheduledSource is one audio chunk placed on the playback timeline.
type ScheduledSource struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
}

// PlaybackScheduler places inbound audio chunks back to back on a playback clock, so
// chunks arriving with jitter still play gapless and in order.
type PlaybackScheduler struct {
	now func() time.Duration

	mu        sync.Mutex
	nextStart time.Duration
	nextID    uint64
	sources   map[uint64]ScheduledSource
}

// NewPlaybackScheduler returns a scheduler whose clock starts at zero now.
func NewPlaybackScheduler() *PlaybackScheduler {
	origin := time.Now()
	return newPlaybackScheduler(func() time.Duration { return time.Since(origin) })
}

func newPlaybackScheduler(now func() time.Duration) *PlaybackScheduler {
	return &PlaybackScheduler{now: now, sources: make(map[uint64]ScheduledSource)}
}

// Now returns the current playback clock.
func (s *PlaybackScheduler) Now() time.Duration {
	return s.now()
}

// Schedule reserves d on the timeline starting at max(now, end of the previous chunk).
func (s *PlaybackScheduler) Schedule(d time.Duration) ScheduledSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	start := max(now, s.nextStart)
	s.nextID++
	src := ScheduledSource{ID: s.nextID, Start: start, End: start + d}
	s.nextStart = src.End
	s.sources[src.ID] = src
	return src
}

// Ended removes a source that finished playing.
func (s *PlaybackScheduler) Ended(id uint64) {
	s.mu.Lock()
	delete(s.sources, id)
	s.mu.Unlock()
}

// Pending returns the sources that are scheduled or playing, ordered by start.
func (s *PlaybackScheduler) Pending() []ScheduledSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return s.sortedLocked()
}

// Interrupt stops every tracked source, clears the set and resets the timeline to zero.
// It returns the sources that were cut.
func (s *PlaybackScheduler) Interrupt() []ScheduledSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	stopped := s.sortedLocked()
	s.sources = make(map[uint64]ScheduledSource)
	s.nextStart = 0
	return stopped
}

func (s *PlaybackScheduler) pruneLocked(now time.Duration) {
	for id, src := range s.sources {
		if src.End <= now {
			delete(s.sources, id)
		}
	}
}

func (s *PlaybackScheduler) sortedLocked() []ScheduledSource {
	out := make([]ScheduledSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
