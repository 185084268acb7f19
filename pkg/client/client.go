package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/go-go-golems/chorus/pkg/sessionstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return e.StatusCode == http.StatusNotFound && target == sessionstore.ErrSessionNotFound
}

// Client talks to the chat backend: the streamed generation endpoints and the
// session REST endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	timeout    time.Duration
}

var _ sessionstore.Store = &Client{}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithAPIKey(key string) Option {
	return func(cl *Client) {
		cl.apiKey = key
	}
}

// WithTimeout bounds the non-streaming session calls. Streams are bounded by
// their context only.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

func New(baseURL string, options ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    u,
		timeout:    30 * time.Second,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// Helper function to set necessary headers
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	return req, nil
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var errResp ErrorResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

func (c *Client) stream(ctx context.Context, endpoint string, req *GenerationRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	log.Debug().Str("endpoint", endpoint).Str("session_id", req.SessionID).Msg("opening generation stream")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		return nil, readStatusError(resp)
	}
	return resp.Body, nil
}

// StreamGeneration opens the generation stream. The caller owns the body.
func (c *Client) StreamGeneration(ctx context.Context, req *GenerationRequest) (io.ReadCloser, error) {
	return c.stream(ctx, c.endpoint("api", "chat", "stream"), req)
}

// StreamCompare opens one compare sub-stream for modelID.
func (c *Client) StreamCompare(ctx context.Context, req *GenerationRequest, modelID string) (io.ReadCloser, error) {
	return c.stream(ctx, c.endpoint("api", "chat", "compare", modelID), req.WithModel(modelID))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding response of %s %s", method, endpoint)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	var s conversation.Session
	if err := c.do(ctx, http.MethodGet, c.endpoint("api", "sessions", id), nil, &s); err != nil {
		return nil, errors.Wrapf(err, "get session %s", id)
	}
	return &s, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]sessionstore.Summary, error) {
	var out struct {
		Sessions []sessionstore.Summary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("api", "sessions"), nil, &out); err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return out.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, req sessionstore.CreateRequest) (*conversation.Session, error) {
	var s conversation.Session
	if err := c.do(ctx, http.MethodPost, c.endpoint("api", "sessions"), req, &s); err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return &s, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return errors.Wrapf(c.do(ctx, http.MethodDelete, c.endpoint("api", "sessions", id), nil, nil), "delete session %s", id)
}

func (c *Client) UpdateSessionTitle(ctx context.Context, id string, title string) error {
	body := map[string]string{"title": title}
	return errors.Wrapf(c.do(ctx, http.MethodPatch, c.endpoint("api", "sessions", id, "title"), body, nil), "rename session %s", id)
}

func (c *Client) UpdateSessionAssistant(ctx context.Context, id string, assistantID string) error {
	body := map[string]string{"assistant_id": assistantID}
	return errors.Wrapf(c.do(ctx, http.MethodPatch, c.endpoint("api", "sessions", id, "assistant"), body, nil), "set assistant of session %s", id)
}

func (c *Client) UpdateSessionGroupAssistants(ctx context.Context, id string, assistantIDs []string, mode conversation.GroupMode) error {
	body := struct {
		GroupAssistants []string               `json:"group_assistants"`
		GroupMode       conversation.GroupMode `json:"group_mode,omitempty"`
	}{assistantIDs, mode}
	return errors.Wrapf(c.do(ctx, http.MethodPatch, c.endpoint("api", "sessions", id, "group"), body, nil), "set group of session %s", id)
}
