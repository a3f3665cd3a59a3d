package archive

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/omnistudio/backend/internal/fetch"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/storage"
)

// JobArchiveUpdater records where a job's output was archived.
type JobArchiveUpdater interface {
	MarkArchived(ctx context.Context, uuid, archiveURL string) error
}

// Downloader fetches the rendered output. *fetch.Client satisfies it.
type Downloader interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Config controls the concurrency characteristics of the archiver.
type Config struct {
	QueueSize int
	Workers   int
	// Timeout bounds one download and upload.
	Timeout time.Duration
}

// Archiver copies completed videos into the object store in the background.
type Archiver struct {
	downloader Downloader
	storage    storage.AssetStorage
	updater    JobArchiveUpdater
	logger     *slog.Logger
	timeout    time.Duration

	jobs   chan models.JobRecord
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("archiver closed")

// New constructs an Archiver and starts its workers.
func New(downloader Downloader, store storage.AssetStorage, updater JobArchiveUpdater, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Archiver{
		downloader: downloader,
		storage:    store,
		updater:    updater,
		logger:     logger,
		timeout:    cfg.Timeout,
		jobs:       make(chan models.JobRecord, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	a.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go a.worker()
	}

	return a
}

// Enqueue schedules archival of a completed job.
func (a *Archiver) Enqueue(ctx context.Context, job models.JobRecord) error {
	if strings.TrimSpace(job.ResultURL) == "" {
		return errors.New("archive: job has no result url")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrClosed
	case a.jobs <- job:
		return nil
	}
}

// Shutdown stops accepting work and waits for the workers to exit. Queued jobs that no
// worker picked up are dropped; their jobs stay completed without an archive URL.
func (a *Archiver) Shutdown(ctx context.Context) error {
	a.once.Do(func() {
		a.cancel()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case job := <-a.jobs:
			a.handle(job)
		}
	}
}

func (a *Archiver) handle(job models.JobRecord) {
	logger := a.logger.With(slog.String("job_id", job.UUID), slog.String("user_id", job.UserID))
	if a.downloader == nil || a.storage == nil || a.updater == nil {
		logger.Error("archiver missing dependencies", "hasDownloader", a.downloader != nil, "hasStorage", a.storage != nil, "hasUpdater", a.updater != nil)
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
	defer cancel()

	resp, err := a.downloader.Do(ctx, fetch.Request{Method: http.MethodGet, URL: job.ResultURL})
	if err != nil {
		logger.Error("archive download failed", "error", err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "text/") {
		contentType = "video/mp4"
	}

	store := storage.Prefixed(a.storage, job.UserID)
	location, err := store.Save(ctx, job.UUID+".mp4", contentType, bytes.NewReader(resp.Body))
	if err != nil {
		logger.Error("archive upload failed", "error", err)
		return
	}

	if err := a.updater.MarkArchived(ctx, job.UUID, location); err != nil {
		logger.Error("record archive location", "error", err)
		return
	}
	logger.Info("video archived", slog.String("location", location), slog.Int("bytes", len(resp.Body)))
}
