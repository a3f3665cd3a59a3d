package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/omnistudio/backend/internal/logging"
)

// ErrNetworkBusy is returned once every route to the target has failed.
var ErrNetworkBusy = errors.New("network busy, please retry")

const maxBodyBytes = 64 << 20

// Route names reported in Response.Via.
const (
	ViaDirect   = "direct"
	ViaRewrite  = "rewrite_proxy"
	ViaEnvelope = "envelope_proxy"
)

// Config describes the credentials and fallback routes of a Client.
type Config struct {
	// APIKeyHeader is the header carrying APIKey. Empty disables header injection.
	APIKeyHeader string
	APIKey       string
	// RewriteProxy is prefixed to the escaped target URL, e.g. "https://corsproxy.io/?url=".
	RewriteProxy string
	// EnvelopeProxy is prefixed to the escaped target URL and answers {"contents": ...}.
	// It is used for GET and HEAD only.
	EnvelopeProxy string
}

// Request is one logical call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully buffered successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Via        string
}

// Doer is implemented by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client performs requests directly and falls back to public proxies when the direct
// route fails.
type Client struct {
	cfg  Config
	http Doer
}

// NewClient constructs a Client. A nil doer uses http.DefaultClient.
func NewClient(cfg Config, doer Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{cfg: cfg, http: doer}
}

type attempt struct {
	name   string
	url    string
	unwrap bool
}

// Do runs req through the direct route and then each configured proxy, returning the
// first 2xx response. Individual attempt errors are logged at debug level and the caller
// only sees ErrNetworkBusy.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}

	logger := logging.FromContext(ctx)
	for _, a := range c.attempts(method, req.URL) {
		resp, err := c.try(ctx, method, a, req)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Debug("fetch attempt failed",
			slog.String("attempt", a.name),
			slog.String("method", method),
			slog.Any("error", err),
		)
	}
	return nil, ErrNetworkBusy
}

func (c *Client) attempts(method, target string) []attempt {
	list := []attempt{{name: ViaDirect, url: target}}
	if c.cfg.RewriteProxy != "" {
		list = append(list, attempt{name: ViaRewrite, url: c.cfg.RewriteProxy + url.QueryEscape(target)})
	}
	if c.cfg.EnvelopeProxy != "" && (method == http.MethodGet || method == http.MethodHead) {
		list = append(list, attempt{name: ViaEnvelope, url: c.cfg.EnvelopeProxy + url.QueryEscape(target), unwrap: true})
	}
	return list
}

func (c *Client) try(ctx context.Context, method string, a attempt, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.url, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		httpReq.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data, Via: a.name}
	if a.unwrap {
		unwrapped, err := unwrapEnvelope(data)
		if err != nil {
			return nil, err
		}
		out.Body = unwrapped
	}
	return out, nil
}

// unwrapEnvelope extracts the proxied body from {"contents": ...}. String contents are
// returned verbatim, any other JSON value as its raw encoding.
func unwrapEnvelope(data []byte) ([]byte, error) {
	var env struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Contents) == 0 || string(env.Contents) == "null" {
		return nil, errors.New("envelope without contents")
	}
	var s string
	if err := json.Unmarshal(env.Contents, &s); err == nil {
		return []byte(s), nil
	}
	return env.Contents, nil
}

// JSON is a convenience wrapper that decodes the response body into out.
func (c *Client) JSON(ctx context.Context, req Request, out any) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return resp, nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return resp, fmt.Errorf("decode %s response: %w", resp.Via, err)
	}
	return resp, nil
}
