package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omnistudio/backend/internal/logging"
	"github.com/omnistudio/backend/internal/models"
)

var (
	// ErrTrackerClosed is returned by Track after Shutdown.
	ErrTrackerClosed = errors.New("job tracker closed")
	// ErrCanceledByUser is the cancellation cause of a job stopped through Cancel.
	ErrCanceledByUser = errors.New("job canceled by user")
)

// JobUpdater persists poll outcomes.
type JobUpdater interface {
	UpdateState(ctx context.Context, uuid string, state models.JobState, progress int, resultURL, errMsg string) error
}

// ArchiveQueue accepts completed jobs for archival.
type ArchiveQueue interface {
	Enqueue(ctx context.Context, job models.JobRecord) error
}

// ActiveJobLister lists persisted jobs that have not reached a terminal state.
type ActiveJobLister interface {
	ListActive(ctx context.Context) ([]models.JobRecord, error)
}

// Tracker runs one polling loop per tracked job in its own goroutine.
type Tracker struct {
	poller  *Poller
	jobs    JobUpdater
	store   StatusStore
	archive ArchiveQueue
	logger  *slog.Logger

	mu          sync.Mutex
	running     map[string]context.CancelCauseFunc
	onCompleted []func(models.JobRecord)
	closed      bool
	wg          sync.WaitGroup
}

// NewTracker constructs a Tracker. jobs, store and archive may be nil.
func NewTracker(poller *Poller, jobs JobUpdater, store StatusStore, archive ArchiveQueue, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStatusStore()
	}
	return &Tracker{
		poller:  poller,
		jobs:    jobs,
		store:   store,
		archive: archive,
		logger:  logger,
		running: make(map[string]context.CancelCauseFunc),
	}
}

// Track starts polling rec in the background. Tracking an already tracked job is a no-op.
// The loop outlives ctx and only inherits its request id.
func (t *Tracker) Track(ctx context.Context, rec models.JobRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrackerClosed
	}
	if _, ok := t.running[rec.UUID]; ok {
		return nil
	}

	logger := t.logger
	if requestID := logging.RequestIDFromContext(ctx); requestID != "" {
		logger = logger.With(slog.String("request_id", requestID))
	}
	base := logging.WithLogger(context.Background(), logger)
	loopCtx, cancel := context.WithCancelCause(base)
	t.running[rec.UUID] = cancel
	t.wg.Add(1)

	go t.run(loopCtx, rec)
	return nil
}

// Cancel stops polling uuid and records it as canceled. It reports whether the job was
// being tracked.
func (t *Tracker) Cancel(uuid string) bool {
	t.mu.Lock()
	cancel, ok := t.running[uuid]
	t.mu.Unlock()
	if ok {
		cancel(ErrCanceledByUser)
	}
	return ok
}

// OnCompleted registers fn to run after a job completes. It must be called before the
// first Track.
func (t *Tracker) OnCompleted(fn func(models.JobRecord)) {
	t.mu.Lock()
	t.onCompleted = append(t.onCompleted, fn)
	t.mu.Unlock()
}

// Resume tracks every job the lister reports as still running, typically the jobs left
// over by a previous process. It returns how many were picked up.
func (t *Tracker) Resume(ctx context.Context, lister ActiveJobLister) (int, error) {
	recs, err := lister.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	resumed := 0
	for _, rec := range recs {
		if err := t.Track(ctx, rec); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// Active returns the number of running loops.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Snapshot returns the latest stored status of uuid.
func (t *Tracker) Snapshot(ctx context.Context, uuid string) (Snapshot, error) {
	return t.store.Get(ctx, uuid)
}

// Shutdown stops every loop and waits for them to exit. Jobs stopped this way keep their
// last persisted state so Resume can pick them up again.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	for _, cancel := range t.running {
		cancel(ErrTrackerClosed)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (t *Tracker) run(ctx context.Context, rec models.JobRecord) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		if cancel, ok := t.running[rec.UUID]; ok {
			cancel(nil)
			delete(t.running, rec.UUID)
		}
		t.mu.Unlock()
	}()

	ctx, span := logging.StartSpan(ctx, "job.poll",
		slog.String("job_id", rec.UUID),
		slog.String("user_id", rec.UserID),
	)

	final := t.poller.Run(ctx, rec.UUID, func(u Update) {
		t.record(ctx, rec, u)
	})

	errMsg := ""
	if final.Err != nil {
		errMsg = final.Err.Error()
	}
	span.End(slog.String("state", string(final.State)), slog.Int("progress", final.Progress), slog.String("error", errMsg))

	if final.State != models.JobCompleted {
		return
	}
	rec.State = final.State
	rec.ResultURL = final.ResultURL
	rec.Progress = final.Progress

	t.mu.Lock()
	hooks := append([]func(models.JobRecord)(nil), t.onCompleted...)
	t.mu.Unlock()
	for _, fn := range hooks {
		fn(rec)
	}

	if t.archive != nil && rec.Kind == models.KindVideo {
		enqueueCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logging.FromContext(ctx)), 5*time.Second)
		defer cancel()
		if err := t.archive.Enqueue(enqueueCtx, rec); err != nil {
			logging.FromContext(ctx).Warn("archive enqueue failed", slog.Any("error", err))
		}
	}
}

// record publishes an update. It runs on the loop goroutine, so writes for one job are
// ordered. A user cancel persists its terminal state; a shutdown does not.
func (t *Tracker) record(ctx context.Context, rec models.JobRecord, u Update) {
	if u.State == models.JobCanceled && errors.Is(context.Cause(ctx), ErrTrackerClosed) {
		logging.FromContext(ctx).Info("job polling suspended for shutdown")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logger := logging.FromContext(ctx)

	errMsg := ""
	if u.Err != nil {
		errMsg = u.Err.Error()
	}

	snap := Snapshot{
		UUID:      rec.UUID,
		UserID:    rec.UserID,
		Kind:      string(rec.Kind),
		State:     u.State,
		Progress:  u.Progress,
		ResultURL: u.ResultURL,
		Error:     errMsg,
		UpdatedAt: time.Now().UTC(),
	}
	if err := t.store.Put(writeCtx, snap); err != nil {
		logger.Warn("store job snapshot", slog.Any("error", err))
	}

	if t.jobs == nil || u.State == models.JobSubmitted {
		return
	}
	if err := t.jobs.UpdateState(writeCtx, rec.UUID, u.State, u.Progress, u.ResultURL, errMsg); err != nil {
		logger.Error("persist job state", slog.String("state", string(u.State)), slog.Any("error", err))
	}
}
