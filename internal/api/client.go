package api

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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id to the backend.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a context whose backend calls carry id as their
// request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Credentials supplies the bearer token for outgoing calls and is told when
// the backend rejects it.
type Credentials interface {
	// Token returns the current credential, or "" when there is none.
	Token() string
	// Expire invalidates token after the backend rejected it. token is the
	// credential the rejected request carried; a newer credential is kept.
	Expire(token string, reason error)
}

// Backend is the set of backend operations used by the rest of the client.
type Backend interface {
	Login(ctx context.Context, req LoginRequest) (AuthResponse, error)
	Register(ctx context.Context, req RegisterRequest) (AuthResponse, error)
	Profile(ctx context.Context) (User, error)
	ValidateCode(ctx context.Context, code string) error
	CreateVideo(ctx context.Context, req CreateVideoRequest) (Video, error)
	ListVideos(ctx context.Context, page, pageSize int) (VideoList, error)
	VideoDetail(ctx context.Context, id int64) (Video, error)
	DownloadVideo(ctx context.Context, id int64) (io.ReadCloser, error)
	DeleteVideo(ctx context.Context, id int64) error
	Health(ctx context.Context) (HealthStatus, error)
}

// Compile-time check that HTTPClient implements Backend.
var _ Backend = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of Backend.
type HTTPClient struct {
	baseURL     string
	creds       Credentials
	httpClient  *http.Client
	logger      *slog.Logger
	maxRetries  int
	baseBackoff time.Duration
	timeout     time.Duration
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout sets the per-request timeout. A client given with
// WithHTTPClient is copied, not modified.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		if d > 0 {
			hc.timeout = d
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(hc *HTTPClient) {
		if logger != nil {
			hc.logger = logger
		}
	}
}

// WithMaxRetries sets how many times idempotent GET requests are retried on
// transient failures. The default is 0: poll accounting relies on one
// request per round.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// NewClient creates a new backend HTTP client.
// creds may be nil, in which case no Authorization header is ever sent.
func NewClient(baseURL string, creds Credentials, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		creds:       creds,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      slog.Default(),
		baseBackoff: 1 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.timeout > 0 && c.httpClient.Timeout != c.timeout {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}

	return c, nil
}

// Login exchanges username and password for a token and profile.
func (c *HTTPClient) Login(ctx context.Context, req LoginRequest) (AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/auth/login", body: req}, &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Register creates an account and returns a token and profile.
func (c *HTTPClient) Register(ctx context.Context, req RegisterRequest) (AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/auth/register", body: req}, &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Profile fetches the profile for the current credential.
func (c *HTTPClient) Profile(ctx context.Context) (User, error) {
	var user User
	if err := c.do(ctx, call{method: http.MethodGet, path: "/user/profile", auth: true}, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// ValidateCode asks the backend whether code is renderable.
// It returns an *Error wrapping ErrInvalidCode when it is not.
func (c *HTTPClient) ValidateCode(ctx context.Context, code string) error {
	var resp validateResponse
	err := c.do(ctx, call{method: http.MethodPost, path: "/ai/validate", body: validateRequest{Code: code}, auth: true}, &resp)
	if err != nil {
		return err
	}
	if !resp.IsValid {
		msg := "code is invalid"
		if resp.Message != "" {
			msg = fmt.Sprintf("code is invalid: %s", resp.Message)
		}
		return &Error{Message: msg, Status: http.StatusOK, Err: ErrInvalidCode}
	}
	return nil
}

// CreateVideo submits a render job.
func (c *HTTPClient) CreateVideo(ctx context.Context, req CreateVideoRequest) (Video, error) {
	var video Video
	if err := c.do(ctx, call{method: http.MethodPost, path: "/videos", body: req, auth: true}, &video); err != nil {
		return Video{}, err
	}
	return video, nil
}

// ListVideos returns one page of the user's videos.
func (c *HTTPClient) ListVideos(ctx context.Context, page, pageSize int) (VideoList, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var list VideoList
	if err := c.do(ctx, call{method: http.MethodGet, path: "/videos", query: q, auth: true}, &list); err != nil {
		return VideoList{}, err
	}
	return list, nil
}

// VideoDetail fetches the current state of a single job.
func (c *HTTPClient) VideoDetail(ctx context.Context, id int64) (Video, error) {
	if id <= 0 {
		return Video{}, ErrVideoIDRequired
	}

	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))

	var video Video
	if err := c.do(ctx, call{method: http.MethodGet, path: "/videos/detail", query: q, auth: true}, &video); err != nil {
		return Video{}, err
	}
	return video, nil
}

// DownloadVideo streams the rendered artifact. The caller must close the reader.
func (c *HTTPClient) DownloadVideo(ctx context.Context, id int64) (io.ReadCloser, error) {
	if id <= 0 {
		return nil, ErrVideoIDRequired
	}

	path := fmt.Sprintf("/videos/%d/download", id)
	resp, err := c.send(ctx, call{method: http.MethodGet, path: path, auth: true})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DeleteVideo removes a video.
func (c *HTTPClient) DeleteVideo(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrVideoIDRequired
	}
	return c.do(ctx, call{method: http.MethodDelete, path: fmt.Sprintf("/videos/%d", id), auth: true}, nil)
}

// Health checks that the backend is reachable.
func (c *HTTPClient) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	if err := c.do(ctx, call{method: http.MethodGet, path: "/health"}, &status); err != nil {
		return HealthStatus{}, err
	}
	return status, nil
}

// call describes a single backend request.
type call struct {
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
}

// do performs the call, retrying idempotent GETs, and decodes the JSON
// payload into result when result is non-nil.
func (c *HTTPClient) do(ctx context.Context, cl call, result any) error {
	var lastErr error
	backoff := c.baseBackoff

	retries := 0
	if cl.method == http.MethodGet {
		retries = c.maxRetries
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &Error{Message: msgNetwork, Err: fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())}
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := c.doOnce(ctx, cl, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	var re *retryableError
	if errors.As(lastErr, &re) {
		return re.err
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, cl call, result any) error {
	resp, err := c.send(ctx, cl)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: &Error{Message: msgNetwork, Status: resp.StatusCode, Err: fmt.Errorf("%w: read response: %w", ErrNetwork, err)}}
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &Error{Message: "malformed response", Status: resp.StatusCode, Err: fmt.Errorf("api: unmarshal response: %w", err)}
	}
	return nil
}

// send issues the request and returns the response for 2xx statuses.
// Non-2xx responses are consumed and turned into an *Error.
func (c *HTTPClient) send(ctx context.Context, cl call) (*http.Response, error) {
	var bodyReader io.Reader
	if cl.body != nil {
		bodyBytes, err := json.Marshal(cl.body)
		if err != nil {
			return nil, &Error{Message: msgGeneric, Err: fmt.Errorf("api: marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	target := c.baseURL + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, target, bodyReader)
	if err != nil {
		return nil, &Error{Message: msgGeneric, Err: fmt.Errorf("api: create request: %w", err)}
	}

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	var token string
	if cl.auth && c.creds != nil {
		if token = c.creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed",
			slog.String("method", cl.method),
			slog.String("path", cl.path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return nil, &retryableError{err: &Error{Message: msgNetwork, Err: fmt.Errorf("%w: %w", ErrNetwork, err)}}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	sentinel := classify(resp.StatusCode)
	apiErr := &Error{
		Message: serverMessage(respBody, resp.StatusCode),
		Status:  resp.StatusCode,
		Err:     fmt.Errorf("%w with status %d", sentinel, resp.StatusCode),
	}

	c.logger.Debug("backend request rejected",
		slog.String("method", cl.method),
		slog.String("path", cl.path),
		slog.String("request_id", requestID),
		slog.Int("status", resp.StatusCode),
	)

	if sentinel == ErrUnauthorized && cl.auth && c.creds != nil && token != "" {
		c.creds.Expire(token, apiErr)
	}

	if sentinel == ErrServerError || sentinel == ErrRateLimited {
		return nil, &retryableError{err: apiErr}
	}
	return nil, apiErr
}

// serverMessage extracts the most useful message from an error body.
func serverMessage(body []byte, status int) string {
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") && len(text) <= 512 {
		return text
	}

	if text := http.StatusText(status); text != "" {
		return strings.ToLower(text)
	}
	return msgGeneric
}
