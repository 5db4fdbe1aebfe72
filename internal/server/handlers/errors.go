// Package handlers contains the gin HTTP handlers for the proxy's public
// (Anthropic, OpenAI) and management surfaces.
package handlers

import (
	"github.com/gin-gonic/gin"
)

// sendAnthropicError writes an Anthropic-style error envelope.
func sendAnthropicError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// writeClassifiedError maps a dispatcher error to the Anthropic error
// envelope with the status and type the error taxonomy prescribes.
func writeClassifiedError(c *gin.Context, err error) {
	errorType, statusCode, message := parseDispatchError(err)
	sendAnthropicError(c, statusCode, errorType, message)
}

// sendOpenAIError writes an OpenAI-style error body.
func sendOpenAIError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errorType,
		},
	})
}
