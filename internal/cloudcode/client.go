package cloudcode

import (
	"context"

	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// Client is the Cloud Code API client the handlers talk to. It wraps the
// dispatcher and the model metadata calls.
type Client struct {
	accounts   *account.Manager
	dispatcher *Dispatcher
	cfg        *config.Config
}

func NewClient(accounts *account.Manager, cfg *config.Config) *Client {
	return &Client{
		accounts:   accounts,
		dispatcher: NewDispatcher(accounts, cfg),
		cfg:        cfg,
	}
}

// StartCleanup starts the background sweep of stale rate-limit streaks.
func (c *Client) StartCleanup() {
	c.dispatcher.Backoff().StartSweep()
}

// StopCleanup stops the background sweep.
func (c *Client) StopCleanup() {
	c.dispatcher.Backoff().StopSweep()
}

// SendMessage sends a non-streaming request.
func (c *Client) SendMessage(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	return c.dispatcher.SendMessage(ctx, request, fallbackEnabled)
}

// SendMessageStream sends a streaming request, relaying events as they
// arrive from the upstream.
func (c *Client) SendMessageStream(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	return c.dispatcher.SendMessageStream(ctx, request, fallbackEnabled)
}

// ListModels lists available models in Anthropic API format.
func (c *Client) ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	return ListModels(ctx, token)
}

// FetchAvailableModels fetches the raw model listing with quota info.
func (c *Client) FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	return FetchAvailableModels(ctx, token, projectID)
}

// GetModelQuotas gets model quotas for an account.
func (c *Client) GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*ModelQuota, error) {
	return GetModelQuotas(ctx, token, projectID)
}

// GetSubscriptionTier gets the subscription tier for an account.
func (c *Client) GetSubscriptionTier(ctx context.Context, token string) (*SubscriptionInfo, error) {
	return GetSubscriptionTier(ctx, token)
}

// IsValidModel checks a model id against the upstream listing.
func (c *Client) IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	return IsValidModel(ctx, modelID, token, projectID)
}
