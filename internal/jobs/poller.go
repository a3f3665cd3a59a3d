package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnistudio/backend/internal/logging"
	"github.com/omnistudio/backend/internal/models"
)

// StatusFetcher loads the current status of a remote job.
type StatusFetcher interface {
	Status(ctx context.Context, uuid string) (StatusPayload, error)
}

// PollerConfig holds the timing of a polling loop.
type PollerConfig struct {
	// Interval between polls while the job is processing.
	Interval time.Duration
	// ErrorInterval is the first delay after a failed poll. It doubles on every further
	// failure up to MaxBackoff.
	ErrorInterval time.Duration
	MaxBackoff    time.Duration
	// Budget is the wall-clock limit of a loop. Zero disables it.
	Budget time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 4 * time.Second
	}
	if c.ErrorInterval <= 0 {
		c.ErrorInterval = 5 * time.Second
	}
	if c.MaxBackoff < c.ErrorInterval {
		c.MaxBackoff = c.ErrorInterval
	}
	return c
}

// Update describes a state or progress change of a polled job.
type Update struct {
	UUID      string
	State     models.JobState
	Progress  int
	ResultURL string
	// Err is set for failed, link_missing, timed_out and canceled outcomes and carries the
	// last transport error while backing off.
	Err error
}

// Observer receives every update of a polling loop in order.
type Observer func(Update)

// Poller drives one job from submission to a terminal state. Ticks are strictly
// sequential: the next status request is only scheduled after the previous one returned.
type Poller struct {
	fetcher StatusFetcher
	cfg     PollerConfig

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewPoller constructs a Poller.
func NewPoller(fetcher StatusFetcher, cfg PollerConfig) *Poller {
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		wait:    sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run polls uuid until a terminal state and returns it. observe may be nil. The terminal
// update is delivered to observe exactly once, as the last call.
func (p *Poller) Run(ctx context.Context, uuid string, observe Observer) Update {
	if observe == nil {
		observe = func(Update) {}
	}
	logger := logging.FromContext(ctx)
	start := p.now()

	current := Update{UUID: uuid, State: models.JobSubmitted}
	observe(current)

	emit := func(next Update) {
		if next.State == current.State && next.Progress == current.Progress && next.ResultURL == current.ResultURL {
			return
		}
		current = next
		observe(next)
	}

	delay := p.cfg.Interval
	backoff := time.Duration(0)
	for {
		if err := p.wait(ctx, delay); err != nil {
			return p.finish(observe, current, models.JobCanceled, err)
		}
		if p.cfg.Budget > 0 && p.now().Sub(start) >= p.cfg.Budget {
			return p.finish(observe, current, models.JobTimedOut, ErrTimedOut)
		}

		payload, err := p.fetcher.Status(ctx, uuid)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Torn down while the request was in flight; its result is discarded.
			return p.finish(observe, current, models.JobCanceled, ctxErr)
		}
		if err != nil {
			if backoff == 0 {
				backoff = p.cfg.ErrorInterval
			} else {
				backoff = min(backoff*2, p.cfg.MaxBackoff)
			}
			delay = backoff
			logger.Warn("job status poll failed", slog.Duration("retry_in", delay), slog.Any("error", err))
			next := current
			next.State = models.JobBackingOff
			next.Err = err
			emit(next)
			continue
		}
		backoff = 0
		delay = p.cfg.Interval

		progress := clampProgress(payload.Percentage, current.Progress)
		switch payload.Status {
		case StatusCompleted:
			current.Progress = max(progress, 100)
			if url, ok := ResolveResultURL(payload); ok {
				current.ResultURL = url
				return p.finish(observe, current, models.JobCompleted, nil)
			}
			return p.finish(observe, current, models.JobLinkMissing, ErrResultNotFound)
		case StatusFailed:
			cause := ErrJobFailed
			if payload.ErrorMessage != "" {
				cause = fmt.Errorf("%w: %s", ErrJobFailed, payload.ErrorMessage)
			}
			current.Progress = progress
			return p.finish(observe, current, models.JobFailed, cause)
		default:
			emit(Update{UUID: uuid, State: models.JobProcessing, Progress: progress})
		}
	}
}

func (p *Poller) finish(observe Observer, last Update, state models.JobState, err error) Update {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		state = models.JobCanceled
	}
	final := Update{UUID: last.UUID, State: state, Progress: last.Progress, ResultURL: last.ResultURL, Err: err}
	if state != models.JobCompleted {
		final.ResultURL = ""
	}
	observe(final)
	return final
}

// clampProgress keeps progress within 0..100 and never lets it go backwards.
func clampProgress(pct, previous int) int {
	pct = max(0, min(pct, 100))
	return max(pct, previous)
}
