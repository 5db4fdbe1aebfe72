package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/apperrors"
	"github.com/poemonsense/claudegate/internal/cloudcode"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/modules"
	"github.com/poemonsense/claudegate/internal/server/sse"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
)

// MessagesHandler serves the Anthropic Messages surface: POST /v1/messages.
type MessagesHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
) *MessagesHandler {
	return &MessagesHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// ResolveModel applies the configured model mapping to a requested model id.
func ResolveModel(cfg *config.Config, requested string) string {
	if requested == "" {
		requested = config.DefaultModel
	}
	if entry, ok := cfg.ModelMapping[requested]; ok && entry.Mapping != "" {
		utils.Info("[Server] Mapping model %s -> %s", requested, entry.Mapping)
		return entry.Mapping
	}
	return requested
}

// Messages handles POST /v1/messages - Anthropic Messages API compatible
func (h *MessagesHandler) Messages(c *gin.Context) {
	ctx := c.Request.Context()

	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendAnthropicError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	req.Model = ResolveModel(h.cfg, req.Model)

	if len(req.Messages) == 0 {
		sendAnthropicError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be a non-empty array")
		return
	}

	// Some clients probe with a single "count" message; answer without
	// burning an upstream request.
	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 {
		if req.Messages[0].Content[0].Type == "text" && req.Messages[0].Content[0].Text == "count" {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
	}

	if !h.validateModel(ctx, req.Model) {
		sendAnthropicError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid model: "+req.Model+". Use /v1/models to see available models.")
		return
	}

	// Optimistic retry: if every account is limited for this model, the
	// server-provided resets may be stale. Clear the limits for this model
	// only and try anyway; other models keep their reset state.
	if h.accountManager.IsAllRateLimited(req.Model) {
		utils.Warn("[Server] All accounts rate-limited for %s. Resetting its limits for optimistic retry.", req.Model)
		h.accountManager.ResetRateLimitsFor(req.Model)
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = config.DefaultMaxTokens
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)
	modules.TrackFromContext(c, req.Model)

	if req.Stream {
		h.handleStreamingResponse(c, &req)
	} else {
		h.handleNonStreamingResponse(c, &req)
	}
}

// validateModel checks the model against the upstream discovery cache when a
// token is available. It fails open: validation never blocks a request when
// no account token can be had.
func (h *MessagesHandler) validateModel(ctx context.Context, modelID string) bool {
	result, err := h.accountManager.SelectAccount(ctx, "", account.SelectOptions{})
	if err != nil || result == nil || result.Account == nil {
		return true
	}
	token, err := h.accountManager.GetTokenForAccount(ctx, result.Account)
	if err != nil {
		return true
	}
	projectID := result.Account.ProjectID
	if projectID == "" && result.Account.Subscription != nil {
		projectID = result.Account.Subscription.ProjectID
	}
	return h.cloudCodeClient.IsValidModel(ctx, modelID, token, projectID)
}

// handleStreamingResponse relays dispatcher events as SSE. Headers are held
// back until the first event so pre-stream failures still produce a proper
// JSON error status.
func (h *MessagesHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, req, h.fallbackEnabled)

	var firstEvent *cloudcode.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = cloudcode.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		h.noteAuthFailure(firstErr)
		writeClassifiedError(c, firstErr)
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to create SSE writer: %v", err)
		sendAnthropicError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	c.Writer.Flush()

	if firstEvent != nil {
		if err := sseWriter.WriteEvent(firstEvent.Type, firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := sseWriter.WriteEvent(event.Type, event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, errorMessage := parseDispatchError(err)
				sseWriter.WriteError(errorType, errorMessage)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *MessagesHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	response, err := h.cloudCodeClient.SendMessage(ctx, req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		h.noteAuthFailure(err)
		writeClassifiedError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// noteAuthFailure clears the token cache after an upstream auth failure so
// the next request re-refreshes.
func (h *MessagesHandler) noteAuthFailure(err error) {
	if apperrors.IsAuthError(err) {
		utils.Warn("[API] Token might be expired, clearing token cache")
		h.accountManager.ClearTokenCache()
	}
}

// CountTokens handles POST /v1/messages/count_tokens
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Configure your client to skip token counting.",
		},
	})
}

// parseDispatchError maps a dispatcher error to (errorType, status, message)
// in Anthropic error terms. The status comes from the error taxonomy; the
// message is refined where the raw error text would be unhelpful.
func parseDispatchError(err error) (string, int, string) {
	statusCode := apperrors.HTTPStatusFromError(err)
	errorType := apperrors.ErrorTypeForStatus(statusCode)
	errorMessage := err.Error()

	switch {
	case apperrors.IsAuthError(err):
		errorType = "authentication_error"
		statusCode = http.StatusUnauthorized
		errorMessage = "Authentication with the upstream failed. Check the account's credentials."
	case statusCode == http.StatusBadRequest:
		// Surface the upstream's own message when the body carries one.
		if idx := strings.Index(errorMessage, `"message":"`); idx >= 0 {
			rest := errorMessage[idx+len(`"message":"`):]
			if end := strings.Index(rest, `"`); end > 0 {
				errorMessage = rest[:end]
			}
		}
	}

	return errorType, statusCode, errorMessage
}
