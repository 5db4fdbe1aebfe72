// Package server wires the gin engine: middleware, route setup and the
// HTTP handlers living under handlers/.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/claudegate/internal/config"
	"github.com/poemonsense/claudegate/internal/utils"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, anthropic-version, anthropic-beta")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// APIKeyAuthMiddleware validates the proxy API key for /v1/* endpoints.
// Accepts Bearer tokens, x-api-key (Anthropic clients) and X-API-Key.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// No key configured means open access
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			providedKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else if k := c.GetHeader("x-api-key"); k != "" {
			providedKey = k
		} else if k := c.GetHeader("X-API-Key"); k != "" {
			providedKey = k
		}

		if providedKey == "" || providedKey != cfg.APIKey {
			utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}

		c.Next()
	}
}

// RequestLoggingMiddleware logs all requests
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		logMsg := "[%s] %s %d (%dms)"

		// Noisy client housekeeping paths only show up in debug mode
		if path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			if utils.IsDebug() {
				utils.Debug(logMsg, c.Request.Method, path, status, duration.Milliseconds())
			}
			return
		}

		if status >= 500 {
			utils.Error(logMsg, c.Request.Method, path, status, duration.Milliseconds())
		} else if status >= 400 {
			utils.Warn(logMsg, c.Request.Method, path, status, duration.Milliseconds())
		} else {
			utils.Info(logMsg, c.Request.Method, path, status, duration.Milliseconds())
		}
	}
}

// SilentHandlerMiddleware answers client telemetry endpoints without logging
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "POST" && c.Request.URL.Path == "/api/event_logging/batch" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		if c.Request.Method == "POST" && c.Request.URL.Path == "/" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}

		c.Next()
	}
}
