package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omnistudio/backend/internal/jobs"
	"github.com/omnistudio/backend/internal/logging"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/providers"
	"github.com/omnistudio/backend/internal/repositories"
)

const (
	maxReferenceImage = 10 << 20
	maxHistoryPages   = 10
)

// VideoHandler serves video submissions, job status and the history vault.
type VideoHandler struct {
	Videos  VideoSubmitter
	Quota   UsageGate
	Jobs    JobStore
	Tracker JobTracker
	History providers.HistorySource
	Media   MediaFetcher
	NowFunc func() time.Time
}

type videoJSONRequest struct {
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspectRatio"`
	// Image is an optional base64 reference frame.
	Image     string `json:"image"`
	ImageName string `json:"imageName"`
}

type jobResponse struct {
	Job     models.JobRecord `json:"job"`
	Message string           `json:"message,omitempty"`
}

// Create handles POST /api/v1/videos with a JSON or multipart body. Each accepted
// submission uses one video allowance and starts background polling.
func (h VideoHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	if h.Videos == nil || h.Quota == nil {
		respondServiceError(ctx, w, providers.ErrMissingAPIKey)
		return
	}

	req, err := parseVideoRequest(r)
	if err != nil {
		logger.Warn("invalid video payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondServiceError(ctx, w, err)
		return
	}

	var jobID string
	err = h.Quota.Attempt(ctx, userID, models.KindVideo, func(ctx context.Context) error {
		var err error
		jobID, err = h.Videos.Submit(ctx, req)
		return err
	})
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}

	now := h.now()
	rec := models.JobRecord{
		UUID:      jobID,
		UserID:    userID,
		Kind:      models.KindVideo,
		Model:     h.Videos.Model(),
		Prompt:    req.Prompt,
		State:     models.JobSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// The remote job exists and the allowance is spent, so persistence trouble must not
	// hide it from the caller.
	if err := h.Jobs.Create(ctx, rec); err != nil {
		logger.Error("persist submitted job", "jobId", jobID, "error", err)
	}
	if err := h.Tracker.Track(ctx, rec); err != nil {
		logger.Error("track submitted job", "jobId", jobID, "error", err)
	}

	logger.Info("video job submitted", "jobId", jobID)
	respondJSON(ctx, w, http.StatusAccepted, jobResponse{Job: rec})
}

// Job handles GET and DELETE on /api/v1/jobs/{uuid}. DELETE stops polling; the remote job
// keeps running.
func (h VideoHandler) Job(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	ctx := r.Context()
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	rec, err := h.Jobs.Find(ctx, r.PathValue("uuid"))
	if err != nil || rec.UserID != userID {
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			respondServiceError(ctx, w, err)
			return
		}
		respondError(ctx, w, http.StatusNotFound, "job not found")
		return
	}

	if r.Method == http.MethodDelete {
		stopped := h.Tracker.Cancel(rec.UUID)
		respondJSON(ctx, w, http.StatusOK, map[string]bool{"stopped": stopped})
		return
	}

	if snap, err := h.Tracker.Snapshot(ctx, rec.UUID); err == nil {
		rec = mergeSnapshot(rec, snap)
	} else if !errors.Is(err, jobs.ErrSnapshotNotFound) {
		logging.FromContext(ctx).Warn("load job snapshot", "jobId", rec.UUID, "error", err)
	}
	respondJSON(ctx, w, http.StatusOK, jobResponse{Job: rec, Message: stateMessage(rec)})
}

// ListJobs handles GET /api/v1/jobs?limit=.
func (h VideoHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50, 1, 200)
	list, err := h.Jobs.ListForUser(ctx, userID, limit)
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}
	if list == nil {
		list = []models.JobRecord{}
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"jobs": list})
}

// HistoryList handles GET /api/v1/history?pages=&perPage=.
func (h VideoHandler) HistoryList(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	if _, ok := currentUser(w, r); !ok {
		return
	}
	if h.History == nil {
		respondServiceError(ctx, w, providers.ErrHistoryUnavailable)
		return
	}

	pages := queryInt(r, "pages", 1, 1, maxHistoryPages)
	perPage := queryInt(r, "perPage", 20, 1, 100)
	items, err := h.History.HistoryPages(ctx, pages, perPage)
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}
	if items == nil {
		items = []models.SoraHistoryItem{}
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"items": items})
}

// MediaProxy handles GET /api/v1/media?path= and streams provider media to the caller.
func (h VideoHandler) MediaProxy(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	if _, ok := currentUser(w, r); !ok {
		return
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		respondError(ctx, w, http.StatusBadRequest, "path is required")
		return
	}
	if h.Media == nil {
		respondServiceError(ctx, w, providers.ErrMissingAPIKey)
		return
	}

	contentType, body, err := h.Media.FetchMedia(ctx, path)
	if err != nil {
		if errors.Is(err, providers.ErrMediaHostNotAllowed) {
			respondError(ctx, w, http.StatusBadRequest, "media host not allowed")
			return
		}
		respondServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h VideoHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}

func parseVideoRequest(r *http.Request) (providers.VideoRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return parseVideoMultipart(r)
	}

	var body videoJSONRequest
	if err := decodeJSON(r, &body); err != nil {
		return providers.VideoRequest{}, errors.New("invalid request body")
	}
	req := providers.VideoRequest{
		Prompt:      strings.TrimSpace(body.Prompt),
		Duration:    body.Duration,
		AspectRatio: strings.TrimSpace(body.AspectRatio),
		ImageName:   body.ImageName,
	}
	if body.Image != "" {
		data, err := base64.StdEncoding.DecodeString(stripDataURL(body.Image))
		if err != nil {
			return providers.VideoRequest{}, errors.New("image must be base64 encoded")
		}
		if len(data) > maxReferenceImage {
			return providers.VideoRequest{}, errors.New("reference image too large")
		}
		req.Image = data
	}
	return req, nil
}

func parseVideoMultipart(r *http.Request) (providers.VideoRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxReferenceImage+(1<<20))
	if err := r.ParseMultipartForm(maxReferenceImage); err != nil {
		return providers.VideoRequest{}, errors.New("invalid multipart body")
	}
	duration, err := strconv.Atoi(strings.TrimSpace(r.FormValue("duration")))
	if err != nil {
		return providers.VideoRequest{}, errors.New("duration must be a number")
	}
	aspect := r.FormValue("aspect_ratio")
	if aspect == "" {
		aspect = r.FormValue("aspectRatio")
	}
	req := providers.VideoRequest{
		Prompt:      strings.TrimSpace(r.FormValue("prompt")),
		Duration:    duration,
		AspectRatio: strings.TrimSpace(aspect),
	}

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return providers.VideoRequest{}, errors.New("invalid image upload")
	default:
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxReferenceImage+1))
		if err != nil {
			return providers.VideoRequest{}, errors.New("invalid image upload")
		}
		if len(data) > maxReferenceImage {
			return providers.VideoRequest{}, errors.New("reference image too large")
		}
		req.Image = data
		req.ImageName = header.Filename
	}
	return req, nil
}

// stripDataURL drops a "data:image/png;base64," prefix.
func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if _, after, ok := strings.Cut(s, ","); ok {
			return after
		}
	}
	return s
}

func mergeSnapshot(rec models.JobRecord, snap jobs.Snapshot) models.JobRecord {
	if !snap.UpdatedAt.After(rec.UpdatedAt) && rec.State.Terminal() {
		return rec
	}
	rec.State = snap.State
	rec.Progress = snap.Progress
	if snap.ResultURL != "" {
		rec.ResultURL = snap.ResultURL
	}
	rec.Error = snap.Error
	rec.UpdatedAt = snap.UpdatedAt
	return rec
}

func stateMessage(rec models.JobRecord) string {
	switch rec.State {
	case models.JobLinkMissing:
		return msgLinkMissing
	case models.JobFailed:
		if rec.Error != "" {
			return rec.Error
		}
		return "generation failed"
	case models.JobBackingOff:
		return msgNetworkBusy
	case models.JobTimedOut:
		return "generation is taking too long, check the history later"
	default:
		return ""
	}
}

func queryInt(r *http.Request, key string, fallback, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return min(max(v, lo), hi)
}
