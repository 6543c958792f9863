// Package remotesdk implements provider.Adapter against
// google.golang.org/genai's video generation operations, the
// long-running-operation polling flow Veo exposes through the Gemini
// API. The client construction and functional-option shape follow the
// pack's SDK-backed clients.
package remotesdk

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/vidforge/core/internal/platform/corerr"
	"github.com/vidforge/core/internal/platform/log"
	"github.com/vidforge/core/internal/provider"
)

const DefaultModel = "veo-3.0-generate-001"

// Client is a provider.Adapter backed by the genai SDK's video
// generation operations.
type Client struct {
	client *genai.Client
	model  string
	logger *log.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("remotesdk: create genai client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: log.NewSilent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins a Veo video generation operation and returns the
// operation name, which becomes this job's providerJobId.
func (c *Client) Start(ctx context.Context, input provider.Input) (string, error) {
	model := input.ModelKey
	if model == "" {
		model = c.model
	}

	c.logger.Debug().Str("model", model).Msg("remotesdk: starting video generation")

	op, err := c.client.Models.GenerateVideos(ctx, model, input.Prompt, nil, nil)
	if err != nil {
		return "", corerr.New(corerr.KindTransient, "remotesdk.Start", fmt.Errorf("generate videos: %w", err))
	}
	return op.Name, nil
}

// Poll fetches the current state of a previously started operation.
func (c *Client) Poll(ctx context.Context, providerJobID string) (provider.PollResult, error) {
	op := &genai.GenerateVideosOperation{Name: providerJobID}

	op, err := c.client.Operations.GetVideosOperation(ctx, op, nil)
	if err != nil {
		return provider.PollResult{}, corerr.New(corerr.KindTransient, "remotesdk.Poll", fmt.Errorf("get operation: %w", err))
	}

	if !op.Done {
		return provider.PollResult{Status: provider.PollPending}, nil
	}

	// An operation-level error is the SDK's own verdict (e.g. a safety
	// filter rejection) — it is final, not a transport hiccup, so it is
	// never retryable.
	if op.Error != nil {
		return provider.PollResult{Status: provider.PollFailed, Kind: corerr.KindTerminal, Err: fmt.Errorf("remotesdk: operation failed: %s", op.Error.Message)}, nil
	}

	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 {
		return provider.PollResult{Status: provider.PollFailed, Kind: corerr.KindTerminal, Err: fmt.Errorf("remotesdk: operation done with no output")}, nil
	}

	video := op.Response.GeneratedVideos[0]
	return provider.PollResult{Status: provider.PollDone, OutputRef: video.Video.URI}, nil
}

// Cancel is a no-op: the Gemini video operations API has no cancel
// endpoint. A lost lease simply discards the eventual result.
func (c *Client) Cancel(ctx context.Context, providerJobID string) error {
	c.logger.Debug().Str("provider_job_id", providerJobID).Msg("remotesdk: cancel requested, provider has no cancel endpoint")
	return nil
}

var _ provider.Adapter = (*Client)(nil)
