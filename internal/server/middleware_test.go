package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/config"
)

func newAuthTestRouter(apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.APIKey = apiKey

	router := gin.New()
	router.GET("/v1/models", APIKeyAuthMiddleware(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		value      string
		wantStatus int
	}{
		{"no key configured allows anything", "", "", "", http.StatusOK},
		{"bearer token accepted", "secret", "Authorization", "Bearer secret", http.StatusOK},
		{"x-api-key accepted", "secret", "x-api-key", "secret", http.StatusOK},
		{"canonical X-API-Key accepted", "secret", "X-API-Key", "secret", http.StatusOK},
		{"missing key rejected", "secret", "", "", http.StatusUnauthorized},
		{"wrong key rejected", "secret", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bare token without Bearer rejected", "secret", "Authorization", "secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthTestRouter(tt.configured)

			req := httptest.NewRequest("GET", "/v1/models", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAPIKeyAuthMiddlewareErrorShape(t *testing.T) {
	router := newAuthTestRouter("secret")

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"type":"error"`, `"authentication_error"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s: %s", want, body)
		}
	}
}

func TestCORSMiddlewarePreflights(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware())
	router.POST("/v1/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("OPTIONS", "/v1/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	allowed := w.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(allowed, "anthropic-version") {
		t.Errorf("allow-headers missing anthropic-version: %q", allowed)
	}
}
