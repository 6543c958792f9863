// Package remotehttp implements provider.Adapter against a generic
// HTTP video/image generation API: POST to start, GET to poll, POST to
// cancel. The functional-option client shape and per-client rate
// limiter follow the pack's plain-HTTP API clients.
package remotehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidforge/core/internal/platform/corerr"
	"github.com/vidforge/core/internal/platform/log"
	"github.com/vidforge/core/internal/provider"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client is a provider.Adapter backed by a generic HTTP generation API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client talking to baseURL with apiKey as a bearer token.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  log.NewSilent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type startRequest struct {
	Model  string            `json:"model"`
	Prompt string            `json:"prompt"`
	Params map[string]string `json:"params,omitempty"`
}

type startResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status    string `json:"status"` // "pending" | "done" | "failed"
	OutputRef string `json:"output_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"` // provider's own retry signal for a "failed" status
}

// classifyStatusCode maps an HTTP status to a retry classification. 5xx and
// 429 are treated as transient backend trouble; other 4xx are treated as
// unrecoverable requests (bad prompt, bad model key, auth failure).
func classifyStatusCode(code int) corerr.Kind {
	if code == http.StatusTooManyRequests || code >= 500 {
		return corerr.KindTransient
	}
	return corerr.KindTerminal
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return corerr.New(corerr.KindTransient, "remotehttp.do", fmt.Errorf("rate limiter: %w", err))
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remotehttp: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("remotehttp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return corerr.New(corerr.KindTransient, "remotehttp.do", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return corerr.New(corerr.KindTransient, "remotehttp.do", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		kind := classifyStatusCode(resp.StatusCode)
		return corerr.New(kind, "remotehttp.do", fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("remotehttp: unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) Start(ctx context.Context, input provider.Input) (string, error) {
	c.logger.Debug().Str("model", input.ModelKey).Msg("remotehttp: starting generation")

	var out startResponse
	req := startRequest{Model: input.ModelKey, Prompt: input.Prompt, Params: input.Params}
	if err := c.do(ctx, http.MethodPost, "/v1/generations", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) Poll(ctx context.Context, providerJobID string) (provider.PollResult, error) {
	var out pollResponse
	if err := c.do(ctx, http.MethodGet, "/v1/generations/"+providerJobID, nil, &out); err != nil {
		return provider.PollResult{}, err
	}

	switch out.Status {
	case "pending":
		return provider.PollResult{Status: provider.PollPending}, nil
	case "done":
		return provider.PollResult{Status: provider.PollDone, OutputRef: out.OutputRef}, nil
	case "failed":
		kind := corerr.KindTerminal
		if out.Retryable {
			kind = corerr.KindTransient
		}
		return provider.PollResult{Status: provider.PollFailed, Kind: kind, Err: fmt.Errorf("remotehttp: provider reported failure: %s", out.Error)}, nil
	default:
		return provider.PollResult{}, fmt.Errorf("remotehttp: unrecognized status %q", out.Status)
	}
}

func (c *Client) Cancel(ctx context.Context, providerJobID string) error {
	c.logger.Debug().Str("provider_job_id", providerJobID).Msg("remotehttp: cancelling")
	return c.do(ctx, http.MethodPost, "/v1/generations/"+providerJobID+"/cancel", nil, nil)
}

var _ provider.Adapter = (*Client)(nil)
