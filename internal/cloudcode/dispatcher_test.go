package cloudcode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/poemonsense/claudegate/internal/account"
	"github.com/poemonsense/claudegate/internal/apperrors"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/store"
	"github.com/poemonsense/claudegate/pkg/redis"
)

// newTestDispatcher builds a dispatcher over a single manual-key account and
// points the upstream endpoints at the given test servers.
func newTestDispatcher(t *testing.T, endpoints ...string) (*Dispatcher, *account.Manager) {
	t.Helper()

	oldPath := config.AccountConfigPath
	config.AccountConfigPath = filepath.Join(t.TempDir(), "accounts.json")
	t.Cleanup(func() { config.AccountConfigPath = oldPath })

	accounts := []*redis.Account{{
		Email:     "a@example.com",
		Source:    "manual",
		Enabled:   true,
		APIKey:    "test-key",
		ProjectID: "proj-1",
	}}
	file := map[string]interface{}{"accounts": accounts}
	if err := store.SaveJSON(config.AccountConfigPath, file); err != nil {
		t.Fatal(err)
	}

	oldEndpoints := config.UpstreamEndpointFallbacks
	config.UpstreamEndpointFallbacks = endpoints
	t.Cleanup(func() { config.UpstreamEndpointFallbacks = oldEndpoints })

	cfg := config.DefaultConfig()
	cfg.AccountSelection.Strategy = "round-robin"

	manager := account.NewManager(cfg, nil)
	if err := manager.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	return NewDispatcher(manager, cfg), manager
}

const unaryResponseBody = `{"response": {"candidates": [{"content": {"role": "model", "parts": [{"text": "Paris is the capital of France."}]}, "finishReason": "STOP"}], "usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 8}}}`

func TestDispatcherSendMessage(t *testing.T) {
	var gotPath string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(unaryResponseBody))
	}))
	defer server.Close()

	d, _ := newTestDispatcher(t, server.URL)

	// Non-thinking model so the unary endpoint is used.
	req := messagesRequest(userText("What is the capital of France?"))
	req.Model = "claude-sonnet-4-5"

	resp, err := d.SendMessage(context.Background(), req, false)
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/v1internal:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Paris is the capital of France." {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want the requested alias", resp.Model)
	}
	if resp.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestDispatcherThinkingModelUsesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:streamGenerateContent" {
			t.Errorf("thinking models must use the SSE endpoint, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(
			`{"response": {"candidates": [{"content": {"parts": [{"text": "deep thought", "thought": true}]}}]}}`,
			`{"response": {"candidates": [{"content": {"parts": [{"text": "42"}]}, "finishReason": "STOP"}]}}`,
		)))
	}))
	defer server.Close()

	d, _ := newTestDispatcher(t, server.URL)

	req := messagesRequest(userText("meaning of life?"))
	req.Model = "gemini-3-pro-high"

	resp, err := d.SendMessage(context.Background(), req, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) != 2 || resp.Content[0].Type != "thinking" || resp.Content[1].Text != "42" {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestDispatcherSendMessageStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(
			`{"response": {"candidates": [{"content": {"parts": [{"text": "streamed"}]}, "finishReason": "STOP"}]}}`,
		)))
	}))
	defer server.Close()

	d, _ := newTestDispatcher(t, server.URL)

	req := messagesRequest(userText("stream me"))
	req.Model = "gemini-3-pro-high"

	events, errs := d.SendMessageStream(context.Background(), req, false)

	var types []string
	for event := range events {
		types = append(types, event.Type)
	}
	if err := <-errs; err != nil {
		t.Fatal(err)
	}

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestDispatcherEndpointFailover(t *testing.T) {
	// First endpoint refuses connections; second serves the request.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(unaryResponseBody))
	}))
	defer live.Close()

	d, _ := newTestDispatcher(t, dead.URL, live.URL)

	req := messagesRequest(userText("failover please"))
	req.Model = "claude-sonnet-4-5"

	resp, err := d.SendMessage(context.Background(), req, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) == 0 || resp.Content[0].Text == "" {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestDispatcherBadRequestIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "schema validation failed"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	d, _ := newTestDispatcher(t, server.URL)

	req := messagesRequest(userText("bad request"))
	req.Model = "claude-sonnet-4-5"

	_, err := d.SendMessage(context.Background(), req, false)
	var pe *apperrors.ProxyError
	if !errors.As(err, &pe) || pe.Kind != apperrors.KindBadRequest {
		t.Fatalf("want a bad-request classification, got %v", err)
	}
	if pe.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", pe.StatusCode)
	}
}

func TestDispatcherPermanentAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	d, manager := newTestDispatcher(t, server.URL)

	req := messagesRequest(userText("auth fails"))
	req.Model = "claude-sonnet-4-5"

	_, err := d.SendMessage(context.Background(), req, false)
	var pe *apperrors.ProxyError
	if !errors.As(err, &pe) || pe.Kind != apperrors.KindAuthPermanentlyInvalid {
		t.Fatalf("want a permanent-auth classification, got %v", err)
	}
	if pe.AccountEmail != "a@example.com" {
		t.Errorf("account email = %q", pe.AccountEmail)
	}

	acc, gerr := manager.GetAccountByEmail("a@example.com")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if !acc.IsInvalid {
		t.Error("account must be marked invalid after a permanent auth failure")
	}
}

func TestDispatcherReleasesConcurrencySlot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(unaryResponseBody))
	}))
	defer server.Close()

	d, manager := newTestDispatcher(t, server.URL)

	req := messagesRequest(userText("count slots"))
	req.Model = "claude-sonnet-4-5"

	if _, err := d.SendMessage(context.Background(), req, false); err != nil {
		t.Fatal(err)
	}

	acc, err := manager.GetAccountByEmail("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if acc.ActiveRequests != 0 {
		t.Errorf("active requests = %d, want 0 after completion", acc.ActiveRequests)
	}
}
