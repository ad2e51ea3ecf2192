// Package fitbark is a thin, stateless client of the FitBark REST API v2.
//
// Every method builds one request, decodes the JSON envelope into an explicit schema and
// returns the value the caller needs. Failures are returned as *Error (transport) or wrap
// ErrProtocol (payload); the client never retries.
package fitbark

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

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://app.fitbark.com"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second

	// RedirectScope is the client-credentials scope allowing redirect URI management.
	RedirectScope = "fitbark_open_api_2745H78RVS"

	maxErrorBody = 4096
)

// Observer is notified of every completed request, e.g. to count outcomes.
type Observer func(endpoint string, statusCode int, elapsed time.Duration)

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   Observer
	log        logr.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit bounds the outgoing request rate; zero or less disables limiting.
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

func WithLogger(log logr.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("fitbark.Client")
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// AuthorizeURL is the page where the user grants access; the service then redirects the
// browser to redirectURI with a temporary code.
func (c *Client) AuthorizeURL(clientId string, redirectURI string, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientId)
	q.Set("redirect_uri", redirectURI)
	if state != "" {
		q.Set("state", state)
	}
	return c.baseURL + "/oauth/authorize?" + q.Encode()
}

type request struct {
	method      string
	path        string
	query       url.Values
	bearer      string
	body        io.Reader
	contentType string
}

func (c *Client) get(ctx context.Context, path string, query url.Values, bearer string, out any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: query, bearer: bearer}, out)
}

func (c *Client) sendJSON(ctx context.Context, method string, path string, bearer string, in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	return c.do(ctx, request{method: method, path: path, bearer: bearer, body: bytes.NewReader(b), contentType: "application/json"}, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, request{method: http.MethodPost, path: path, body: strings.NewReader(form.Encode()), contentType: "application/x-www-form-urlencoded"}, out)
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Endpoint: r.path, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return &Error{Endpoint: r.path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	c.log.V(1).Info("Calling", "method", r.method, "endpoint", r.path)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(r.path, 0, start)
		return &Error{Endpoint: r.path, Err: err}
	}
	defer resp.Body.Close()
	c.observe(r.path, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		fe := &Error{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Endpoint:   r.path,
			Message:    errorMessage(body),
		}
		c.log.V(1).Info("Request failed", "method", r.method, "endpoint", r.path, "status", resp.StatusCode)
		return fe
	}

	if out == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{StatusCode: resp.StatusCode, Endpoint: r.path, Err: fmt.Errorf("read body: %w", err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return protocolError(r.path, "failed to decode response: %v", err)
	}
	return nil
}

func (c *Client) observe(endpoint string, status int, start time.Time) {
	if c.observer != nil {
		c.observer(endpoint, status, time.Since(start))
	}
}

// errorMessage extracts the readable part of an error body, if any.
func errorMessage(body []byte) string {
	var te tokenError
	if err := json.Unmarshal(body, &te); err == nil {
		switch {
		case te.ErrorDescription != "":
			return te.ErrorDescription
		case te.Message != "":
			return te.Message
		case te.Error != "":
			return te.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
