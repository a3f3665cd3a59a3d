package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omnistudio/backend/internal/fetch"
)

// ErrMediaHostNotAllowed indicates an absolute media URL outside the provider's hosts.
var ErrMediaHostNotAllowed = errors.New("media host not allowed")

// MediaURL turns a CDN path or URL into an absolute, authenticated URL. Bare paths and
// relative URLs are resolved against cdnBase, key and t query parameters are appended and
// repeated slashes in the path are collapsed.
func MediaURL(cdnBase, pathOrURL, apiKey string, now time.Time) (string, error) {
	pathOrURL = strings.TrimSpace(pathOrURL)
	if pathOrURL == "" {
		return "", errors.New("media path required")
	}

	var u *url.URL
	var err error
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		u, err = url.Parse(pathOrURL)
	} else {
		base := strings.TrimRight(strings.TrimSpace(cdnBase), "/")
		if base == "" {
			return "", errors.New("cdn base url required for relative media paths")
		}
		u, err = url.Parse(base + "/" + strings.TrimLeft(pathOrURL, "/"))
	}
	if err != nil {
		return "", err
	}

	u.Path = collapseSlashes(u.Path)
	u.RawPath = ""

	q := u.Query()
	if apiKey != "" {
		q.Set("key", apiKey)
	}
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// MediaClient downloads provider media on behalf of users, so the API key never leaves
// the server.
type MediaClient struct {
	cdnBase string
	apiKey  string
	allowed map[string]bool
	http    Requester
	now     func() time.Time
}

// NewMediaClient constructs a MediaClient. Absolute URLs are only fetched when their host
// is the CDN host or one of extraHosts.
func NewMediaClient(cdnBase, apiKey string, requester Requester, extraHosts ...string) (*MediaClient, error) {
	if requester == nil {
		return nil, errors.New("media client requires a requester")
	}
	allowed := make(map[string]bool)
	for _, raw := range append([]string{cdnBase}, extraHosts...) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			allowed[strings.ToLower(u.Hostname())] = true
		} else {
			allowed[strings.ToLower(raw)] = true
		}
	}
	return &MediaClient{cdnBase: cdnBase, apiKey: apiKey, allowed: allowed, http: requester, now: time.Now}, nil
}

// FetchMedia resolves pathOrURL with MediaURL and downloads it.
func (c *MediaClient) FetchMedia(ctx context.Context, pathOrURL string) (string, []byte, error) {
	target, err := MediaURL(c.cdnBase, pathOrURL, c.apiKey, c.now())
	if err != nil {
		return "", nil, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", nil, err
	}
	if !c.allowed[strings.ToLower(u.Hostname())] {
		return "", nil, fmt.Errorf("%w: %s", ErrMediaHostNotAllowed, u.Hostname())
	}

	resp, err := c.http.Do(ctx, fetch.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return "", nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}
	return contentType, resp.Body, nil
}
