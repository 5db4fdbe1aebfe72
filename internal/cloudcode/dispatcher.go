package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/apperrors"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/format"
	"github.com/poemonsense/claudegate/internal/utils"
	"github.com/poemonsense/claudegate/pkg/anthropic"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// Dispatcher sends Messages API requests upstream with account failover,
// endpoint fallback and rate-limit handling. One instance serves both the
// unary and the streaming path.
type Dispatcher struct {
	accounts   *account.Manager
	httpClient *http.Client
	cfg        *config.Config
	backoff    *BackoffTracker
}

func NewDispatcher(accounts *account.Manager, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		accounts: accounts,
		httpClient: &http.Client{
			// Long-running generations need a generous timeout.
			Timeout: 10 * time.Minute,
		},
		cfg:     cfg,
		backoff: NewBackoffTracker(),
	}
}

// Backoff exposes the tracker for cleanup wiring at startup.
func (d *Dispatcher) Backoff() *BackoffTracker {
	return d.backoff
}

// SendMessage handles a non-streaming request. Thinking models go through
// the SSE endpoint anyway because the unary endpoint drops thought parts.
func (d *Dispatcher) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	return d.dispatch(ctx, req, fallbackEnabled, nil)
}

// SendMessageStream handles a streaming request, emitting Messages API SSE
// events on the returned channel. The error channel yields at most one error
// after the event channel closes.
func (d *Dispatcher) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if _, err := d.dispatch(ctx, req, fallbackEnabled, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// attemptResult tells the retry loop what to do after one account attempt.
type attemptResult int

const (
	attemptDone attemptResult = iota
	attemptNextAccount
	attemptFatal
)

// dispatch runs the account retry loop. When events is non-nil the response
// streams into it; otherwise the return value carries the whole response.
func (d *Dispatcher) dispatch(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, events chan<- *SSEEvent) (*anthropic.MessagesResponse, error) {
	model := req.Model
	sessionID := DeriveSessionID(req)

	maxAttempts := utils.MaxInt(d.cfg.MaxRetries, d.accounts.GetAccountCount()+1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d.accounts.ClearExpiredLimits()

		selection, err := d.accounts.SelectAccount(ctx, model, account.SelectOptions{SessionID: sessionID})
		if err != nil {
			var noAccounts *account.NoAccountsError
			if errors.As(err, &noAccounts) && noAccounts.AllRateLimited {
				retry, fallbackModel, ferr := d.waitForReset(ctx, model, fallbackEnabled)
				if ferr != nil {
					return nil, ferr
				}
				if retry {
					attempt--
					continue
				}
				fallbackRequest := *req
				fallbackRequest.Model = fallbackModel
				return d.dispatch(ctx, &fallbackRequest, false, events)
			}
			return nil, err
		}

		// Strategy asked us to hold for an account to free up.
		if selection.Account == nil {
			if selection.WaitMs > 0 {
				utils.Info("[CloudCode] Waiting %s for account...", utils.FormatDuration(selection.WaitMs))
				if err := utils.Sleep(ctx, selection.WaitMs+500); err != nil {
					return nil, err
				}
				attempt--
				continue
			}
			utils.Warn("[CloudCode] No account selected for %s (attempt %d/%d)", model, attempt+1, maxAttempts)
			continue
		}

		// Throttle delay from the fallback tiers of the hybrid strategy.
		if selection.WaitMs > 0 {
			utils.Debug("[CloudCode] Throttling request (%dms)", selection.WaitMs)
			if err := utils.Sleep(ctx, selection.WaitMs); err != nil {
				return nil, err
			}
		}

		acc := selection.Account

		_, err = d.accounts.GetTokenForAccount(ctx, acc)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", utils.MaskEmail(acc.Email), err)
			continue
		}

		projectID := acc.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}

		payload, err := BuildPayload(req, projectID)
		if err != nil {
			return nil, err
		}
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		response, result, err := d.tryAccount(ctx, acc, req, payloadBytes, events)
		switch result {
		case attemptDone:
			d.recordSessionUsage(sessionID, req, response)
			return response, nil
		case attemptFatal:
			return nil, err
		case attemptNextAccount:
			continue
		}
	}

	// Every attempt failed; switch to the fallback model when allowed.
	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s", model, fallbackModel)
			fallbackRequest := *req
			fallbackRequest.Model = fallbackModel
			return d.dispatch(ctx, &fallbackRequest, false, events)
		}
	}

	return nil, apperrors.NewMaxRetriesError(fmt.Sprintf("max retries exceeded for %s", model), maxAttempts)
}

// recordSessionUsage feeds the session rotation counters after a served
// request. Streaming dispatches carry no usage numbers here, so the request
// size estimate stands in for the token count.
func (d *Dispatcher) recordSessionUsage(sessionID string, req *anthropic.MessagesRequest, resp *anthropic.MessagesResponse) {
	if sessionID == "" {
		return
	}
	var tokens int64
	if resp != nil && resp.Usage != nil {
		tokens = int64(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	} else {
		tokens = int64(format.EstimateConversationTokens(req.Messages))
	}
	d.accounts.RecordSessionUsage(sessionID, tokens)
}

// waitForReset handles the everyone-is-rate-limited case. It either sleeps
// through the shortest reset (retry=true), names a fallback model to switch
// to, or fails with a model-exhausted error.
func (d *Dispatcher) waitForReset(ctx context.Context, model string, fallbackEnabled bool) (bool, string, error) {
	minWaitMs := d.accounts.GetMinWaitTimeMs(model)
	resetTime := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)

	if minWaitMs > d.cfg.MaxWaitBeforeErrorMs && !d.cfg.InfiniteRetryMode {
		if fallbackEnabled {
			if fallbackModel, ok := config.GetFallbackModel(model); ok {
				utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s",
					model, utils.FormatDuration(minWaitMs), fallbackModel)
				return false, fallbackModel, nil
			}
		}
		return false, "", apperrors.NewModelExhaustedError(model, &minWaitMs,
			fmt.Sprintf("Rate limited on %s. Quota will reset after %s. Next available: %s",
				model, utils.FormatDuration(minWaitMs), resetTime))
	}

	utils.Warn("[CloudCode] All %d account(s) rate-limited. Waiting %s...",
		d.accounts.GetAccountCount(), utils.FormatDuration(minWaitMs))
	if err := utils.Sleep(ctx, minWaitMs+500); err != nil {
		return false, "", err
	}
	d.accounts.ClearExpiredLimits()
	return true, "", nil
}

// tryAccount walks the endpoint fallbacks for one selected account.
func (d *Dispatcher) tryAccount(ctx context.Context, acc *redis.Account, req *anthropic.MessagesRequest, payloadBytes []byte, events chan<- *SSEEvent) (*anthropic.MessagesResponse, attemptResult, error) {
	model := req.Model
	streaming := events != nil
	useSSE := streaming || config.IsThinkingModel(model)

	d.accounts.Borrow(acc)
	defer d.accounts.Release(acc)

	var lastError error
	capacityRetries := 0

endpointLoop:
	for _, endpoint := range config.UpstreamEndpointFallbacks {
		var url, accept string
		if useSSE {
			url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
			accept = "text/event-stream"
		} else {
			url = endpoint + "/v1internal:generateContent"
			accept = "application/json"
		}

		token, err := d.accounts.GetTokenForAccount(ctx, acc)
		if err != nil {
			lastError = err
			continue
		}
		headers := BuildHeaders(token, model, accept)

	sameEndpoint:
		for {
			resp, err := d.doPost(ctx, url, headers, payloadBytes)
			if err != nil {
				if utils.IsNetworkError(err) {
					utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
					lastError = err
					continue endpointLoop
				}
				return nil, attemptFatal, err
			}

			if resp.StatusCode != http.StatusOK {
				bodyBytes, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				errorText := string(bodyBytes)
				utils.Warn("[CloudCode] Error at %s: %d - %.200s", endpoint, resp.StatusCode, errorText)

				action, err := d.handleErrorStatus(ctx, acc, model, resp.StatusCode, resp.Header, errorText, &capacityRetries)
				if err != nil {
					return nil, attemptFatal, err
				}
				switch action {
				case actionRetryEndpoint:
					continue sameEndpoint
				case actionNextEndpoint:
					lastError = apperrors.NewUpstream(resp.StatusCode, errorText)
					continue endpointLoop
				case actionSwitchAccount:
					lastError = apperrors.NewUpstream(resp.StatusCode, errorText)
					break endpointLoop
				}
			}

			// 200 from the upstream; consume the body.
			response, err := d.consumeResponse(ctx, resp, req, url, headers, payloadBytes, events)
			if err != nil {
				if IsEmptyResponseError(err) && streaming {
					// Fallback events were already emitted.
					return nil, attemptDone, nil
				}
				lastError = err
				break endpointLoop
			}

			d.backoff.Clear(acc.Email, model)
			d.accounts.NotifySuccess(acc, model)
			return response, attemptDone, nil
		}
	}

	if lastError == nil {
		return nil, attemptNextAccount, nil
	}

	// The failure kind decides how the pool learns about this account.
	// Capacity exhaustion is a model-wide condition, so it counts as a
	// transient failure rather than an account rate limit.
	kind := apperrors.ClassifyError(lastError)
	switch {
	case kind == apperrors.KindServerTransient || apperrors.IsCapacityExhaustedError(lastError):
		d.accounts.NotifyFailure(acc, model)
		utils.Warn("[CloudCode] Transient upstream failure on %s, trying next...", utils.MaskEmail(acc.Email))
		return nil, attemptNextAccount, nil
	case apperrors.IsRateLimitError(lastError):
		d.accounts.NotifyRateLimit(acc, model)
		utils.Info("[CloudCode] Account %s rate-limited, trying next...", utils.MaskEmail(acc.Email))
		return nil, attemptNextAccount, nil
	case apperrors.IsAuthError(lastError):
		utils.Warn("[CloudCode] Account %s has invalid credentials, trying next...", utils.MaskEmail(acc.Email))
		return nil, attemptNextAccount, nil
	case kind == apperrors.KindNetworkTransient || utils.IsNetworkError(lastError):
		d.accounts.NotifyFailure(acc, model)
		utils.Warn("[CloudCode] Network error for %s, trying next account... (%v)", utils.MaskEmail(acc.Email), lastError)
		_ = utils.Sleep(ctx, 1000)
		return nil, attemptNextAccount, nil
	}
	return nil, attemptFatal, lastError
}

// errorAction is the follow-up after a non-200 upstream status.
type errorAction int

const (
	actionRetryEndpoint errorAction = iota
	actionNextEndpoint
	actionSwitchAccount
)

// handleErrorStatus applies the status-specific policy: mark accounts
// invalid or rate-limited, sleep through short limits, and decide whether to
// retry the endpoint, move to the next one, or switch accounts.
func (d *Dispatcher) handleErrorStatus(ctx context.Context, acc *redis.Account, model string, status int, header http.Header, errorText string, capacityRetries *int) (errorAction, error) {
	switch status {
	case http.StatusUnauthorized:
		if IsPermanentAuthFailure(errorText) {
			utils.Error("[CloudCode] Permanent auth failure for %s: %.100s", utils.MaskEmail(acc.Email), errorText)
			d.accounts.MarkInvalid(ctx, acc.Email, "Token revoked - re-authentication required")
			return actionSwitchAccount, apperrors.NewAuthError(errorText, acc.Email, true)
		}
		return actionNextEndpoint, nil

	case http.StatusTooManyRequests:
		return d.handleRateLimit(ctx, acc, model, header, errorText, capacityRetries)

	case http.StatusBadRequest:
		utils.Error("[CloudCode] Invalid request (400): %.200s", errorText)
		return actionSwitchAccount, apperrors.NewBadRequest(errorText)

	case http.StatusServiceUnavailable, 529:
		if IsModelCapacityExhausted(errorText) && *capacityRetries < d.cfg.MaxCapacityRetries {
			tier := utils.MinInt(*capacityRetries, len(config.CapacityBackoffTiersMs)-1)
			waitMs := config.CapacityBackoffTiersMs[tier]
			*capacityRetries++
			utils.Info("[CloudCode] %d model capacity exhausted, retry %d/%d after %s...",
				status, *capacityRetries, d.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
			if err := utils.Sleep(ctx, waitMs); err != nil {
				return actionSwitchAccount, err
			}
			return actionRetryEndpoint, nil
		}
		_ = utils.Sleep(ctx, 1000)
		return actionNextEndpoint, nil

	default:
		if status >= 500 {
			utils.Warn("[CloudCode] %d error, waiting 1s before retry...", status)
			_ = utils.Sleep(ctx, 1000)
		}
		return actionNextEndpoint, nil
	}
}

func (d *Dispatcher) handleRateLimit(ctx context.Context, acc *redis.Account, model string, header http.Header, errorText string, capacityRetries *int) (errorAction, error) {
	resetMs := ParseResetTime(header, errorText)

	// Capacity problems are on the model, not the account; retry in place.
	if IsModelCapacityExhausted(errorText) {
		if *capacityRetries < d.cfg.MaxCapacityRetries {
			tier := utils.MinInt(*capacityRetries, len(config.CapacityBackoffTiersMs)-1)
			waitMs := resetMs
			if waitMs <= 0 {
				waitMs = config.CapacityBackoffTiersMs[tier]
			}
			*capacityRetries++
			utils.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s...",
				*capacityRetries, d.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
			if err := utils.Sleep(ctx, waitMs); err != nil {
				return actionSwitchAccount, err
			}
			return actionRetryEndpoint, nil
		}
		utils.Warn("[CloudCode] Max capacity retries (%d) exceeded, switching account", d.cfg.MaxCapacityRetries)
	}

	backoff := d.backoff.Next(acc.Email, model, resetMs)

	// Sub-second limits just need a beat.
	if resetMs > 0 && resetMs < 1000 {
		utils.Info("[CloudCode] Short rate limit on %s (%dms), waiting and retrying...",
			utils.MaskEmail(acc.Email), resetMs)
		if err := utils.Sleep(ctx, resetMs); err != nil {
			return actionSwitchAccount, err
		}
		return actionRetryEndpoint, nil
	}

	smartBackoffMs := CalculateSmartBackoff(errorText, resetMs, 0)

	if backoff.IsDuplicate {
		utils.Info("[CloudCode] Repeated rate limit on %s (attempt %d), switching account...",
			utils.MaskEmail(acc.Email), backoff.Attempt)
		d.accounts.MarkRateLimited(ctx, acc.Email, model, smartBackoffMs, limitTypeFor(errorText))
		return actionSwitchAccount, nil
	}

	if backoff.Attempt == 1 && smartBackoffMs <= d.cfg.DefaultCooldownMs {
		d.accounts.MarkRateLimited(ctx, acc.Email, model, backoff.DelayMs, limitTypeFor(errorText))
		utils.Info("[CloudCode] First rate limit on %s, quick retry after %s...",
			utils.MaskEmail(acc.Email), utils.FormatDuration(backoff.DelayMs))
		if err := utils.Sleep(ctx, backoff.DelayMs); err != nil {
			return actionSwitchAccount, err
		}
		return actionRetryEndpoint, nil
	}

	if smartBackoffMs > d.cfg.DefaultCooldownMs {
		utils.Info("[CloudCode] Quota exhausted for %s (%s), switching account after %s delay...",
			utils.MaskEmail(acc.Email), utils.FormatDuration(smartBackoffMs), utils.FormatDuration(config.SwitchAccountDelayMs))
		_ = utils.Sleep(ctx, config.SwitchAccountDelayMs)
		d.accounts.MarkRateLimited(ctx, acc.Email, model, smartBackoffMs, limitTypeFor(errorText))
		return actionSwitchAccount, nil
	}

	d.accounts.MarkRateLimited(ctx, acc.Email, model, backoff.DelayMs, limitTypeFor(errorText))
	utils.Info("[CloudCode] Rate limit on %s (attempt %d), waiting %s...",
		utils.MaskEmail(acc.Email), backoff.Attempt, utils.FormatDuration(backoff.DelayMs))
	if err := utils.Sleep(ctx, backoff.DelayMs); err != nil {
		return actionSwitchAccount, err
	}
	return actionRetryEndpoint, nil
}

// consumeResponse turns a 200 body into the final response. For streaming
// requests the events relay to the channel; empty streams are refetched a few
// times before the fallback message goes out.
func (d *Dispatcher) consumeResponse(ctx context.Context, resp *http.Response, req *anthropic.MessagesRequest, url string, headers map[string]string, payloadBytes []byte, events chan<- *SSEEvent) (*anthropic.MessagesResponse, error) {
	if events == nil {
		defer resp.Body.Close()

		if config.IsThinkingModel(req.Model) {
			return CollectSSEResponse(resp.Body, req.Model)
		}

		var googleResp format.GoogleResponse
		if err := json.NewDecoder(resp.Body).Decode(&googleResp); err != nil {
			return nil, err
		}
		return format.ConvertGoogleToAnthropic(&googleResp, req.Model), nil
	}

	// Streaming: relay events, refetching on empty responses.
	current := resp
	for emptyRetries := 0; ; emptyRetries++ {
		sseEvents, sseErrs := RelaySSE(current.Body, req.Model)
		for event := range sseEvents {
			events <- event
		}
		err := <-sseErrs
		current.Body.Close()

		if err == nil {
			utils.Debug("[CloudCode] Stream completed")
			return nil, nil
		}
		if !IsEmptyResponseError(err) {
			return nil, err
		}

		if emptyRetries >= config.MaxEmptyResponseRetries {
			utils.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyResponseRetries)
			emitEmptyResponseFallback(events, req.Model)
			return nil, NewEmptyResponseError("empty response after retries")
		}

		backoffMs := int64(500 * (1 << emptyRetries))
		utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms...",
			emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		if serr := utils.Sleep(ctx, backoffMs); serr != nil {
			return nil, serr
		}

		retry, rerr := d.doPost(ctx, url, headers, payloadBytes)
		if rerr != nil {
			return nil, fmt.Errorf("retry failed: %w", rerr)
		}
		if retry.StatusCode != http.StatusOK {
			retry.Body.Close()
			return nil, fmt.Errorf("retry failed with status %d", retry.StatusCode)
		}
		current = retry
	}
}

func (d *Dispatcher) doPost(ctx context.Context, url string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return d.httpClient.Do(req)
}

// emitEmptyResponseFallback emits a minimal valid event sequence when the
// upstream keeps returning empty streams.
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	messageID := "msg_" + randomHex(16)

	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		},
	}
	events <- &SSEEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""},
	}
	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": "[No response after retries - please try again]",
		},
	}
	events <- &SSEEvent{Type: "content_block_stop", Index: 0}
	events <- &SSEEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{},
	}
	events <- &SSEEvent{Type: "message_stop"}
}
