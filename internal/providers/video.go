package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnistudio/backend/internal/fetch"
	"github.com/omnistudio/backend/internal/jobs"
	"github.com/omnistudio/backend/internal/models"
)

// ErrInvalidVideoRequest indicates a submission outside the accepted enumerations.
var ErrInvalidVideoRequest = errors.New("invalid video request")

// Accepted aspect ratios.
const (
	AspectLandscape = "landscape"
	AspectPortrait  = "portrait"
)

var historyKeywords = []string{"video", "sora", "veo"}

// VideoRequest is one text or image to video submission.
type VideoRequest struct {
	Prompt      string
	Duration    int
	AspectRatio string
	// Image is an optional reference frame for image to video.
	Image     []byte
	ImageName string
}

// Validate checks the request against the provider's accepted values.
func (r VideoRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidVideoRequest)
	}
	if r.Duration != 10 && r.Duration != 15 {
		return fmt.Errorf("%w: duration must be 10 or 15", ErrInvalidVideoRequest)
	}
	if r.AspectRatio != AspectLandscape && r.AspectRatio != AspectPortrait {
		return fmt.Errorf("%w: aspect_ratio must be landscape or portrait", ErrInvalidVideoRequest)
	}
	return nil
}

// VideoConfig configures a VideoClient.
type VideoConfig struct {
	BaseURL    string
	Model      string
	Resolution string
	// PerPageLimit caps items_per_page of history listings.
	PerPageLimit int
}

// Requester is implemented by *fetch.Client.
type Requester interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// VideoClient talks to the long-running video generation API.
type VideoClient struct {
	cfg  VideoConfig
	http Requester
	now  func() time.Time
}

// NewVideoClient constructs a VideoClient. The API key lives in the fetch client.
func NewVideoClient(cfg VideoConfig, requester Requester) (*VideoClient, error) {
	if requester == nil {
		return nil, errors.New("video client requires a requester")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("video base url required")
	}
	if cfg.Model == "" {
		cfg.Model = "sora-2"
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "small"
	}
	if cfg.PerPageLimit <= 0 {
		cfg.PerPageLimit = 100
	}
	return &VideoClient{cfg: cfg, http: requester, now: time.Now}, nil
}

// Model returns the fixed model name sent with every submission.
func (c *VideoClient) Model() string {
	return c.cfg.Model
}

// Submit starts a generation job and returns its UUID.
func (c *VideoClient) Submit(ctx context.Context, req VideoRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"prompt", req.Prompt},
		{"model", c.cfg.Model},
		{"duration", strconv.Itoa(req.Duration)},
		{"aspect_ratio", req.AspectRatio},
		{"resolution", c.cfg.Resolution},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if len(req.Image) > 0 {
		name := req.ImageName
		if name == "" {
			name = "reference.png"
		}
		part, err := form.CreateFormFile("files", name)
		if err != nil {
			return "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(req.Image); err != nil {
			return "", fmt.Errorf("write form file: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	resp, err := c.http.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    c.cfg.BaseURL + "/video-gen/sora",
		Header: http.Header{"Content-Type": {form.FormDataContentType()}},
		Body:   body.Bytes(),
	})
	if err != nil {
		return "", err
	}
	return jobs.ExtractJobID(resp.Body)
}

// Status fetches the current status of a job. Each call carries a cache-busting timestamp.
func (c *VideoClient) Status(ctx context.Context, uuid string) (jobs.StatusPayload, error) {
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return jobs.StatusPayload{}, errors.New("job uuid required")
	}
	target := fmt.Sprintf("%s/history/%s?t=%d", c.cfg.BaseURL, url.PathEscape(uuid), c.now().UnixMilli())
	resp, err := c.http.Do(ctx, fetch.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return jobs.StatusPayload{}, err
	}
	return jobs.ParseStatus(resp.Body)
}

// History returns one page of past jobs filtered to video entries.
func (c *VideoClient) History(ctx context.Context, page, perPage int) ([]models.SoraHistoryItem, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > c.cfg.PerPageLimit {
		perPage = min(20, c.cfg.PerPageLimit)
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("items_per_page", strconv.Itoa(perPage))
	resp, err := c.http.Do(ctx, fetch.Request{Method: http.MethodGet, URL: c.cfg.BaseURL + "/histories?" + q.Encode()})
	if err != nil {
		return nil, err
	}

	items, err := decodeHistory(resp.Body)
	if err != nil {
		return nil, err
	}
	return FilterVideoHistory(items), nil
}

// HistoryPages fetches pages 1..pages concurrently and merges them in page order.
func (c *VideoClient) HistoryPages(ctx context.Context, pages, perPage int) ([]models.SoraHistoryItem, error) {
	if pages <= 0 {
		pages = 1
	}
	results := make([][]models.SoraHistoryItem, pages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < pages; i++ {
		g.Go(func() error {
			items, err := c.History(gctx, i+1, perPage)
			if err != nil {
				return fmt.Errorf("history page %d: %w", i+1, err)
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []models.SoraHistoryItem
	seen := make(map[string]struct{})
	for _, page := range results {
		for _, item := range page {
			if _, dup := seen[item.UUID]; dup && item.UUID != "" {
				continue
			}
			seen[item.UUID] = struct{}{}
			merged = append(merged, item)
		}
	}
	return merged, nil
}

func decodeHistory(body []byte) ([]models.SoraHistoryItem, error) {
	var env struct {
		Result json.RawMessage `json:"result"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	for _, raw := range []json.RawMessage{env.Result, env.Data} {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var items []models.SoraHistoryItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode history items: %w", err)
		}
		return items, nil
	}
	return nil, nil
}

// FilterVideoHistory keeps entries whose type or model name mentions a video keyword.
func FilterVideoHistory(items []models.SoraHistoryItem) []models.SoraHistoryItem {
	out := make([]models.SoraHistoryItem, 0, len(items))
	for _, item := range items {
		haystack := strings.ToLower(item.Type + " " + item.ModelName)
		for _, kw := range historyKeywords {
			if strings.Contains(haystack, kw) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}
