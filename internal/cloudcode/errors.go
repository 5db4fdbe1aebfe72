// Package cloudcode talks to the Cloud Code internal generateContent API,
// handling account failover, rate limits and SSE relay.
package cloudcode

import "github.com/poemonsense/claudegate/internal/apperrors"

// EmptyResponseError signals that the upstream returned 200 with no content
// parts. The dispatcher retries these with backoff before giving up. It is
// the shared taxonomy type, so handler-side status mapping sees it as-is.
type EmptyResponseError = apperrors.EmptyResponseError

func NewEmptyResponseError(message string) *EmptyResponseError {
	return apperrors.NewEmptyResponseError(message)
}

// IsEmptyResponseError reports whether err is an EmptyResponseError.
func IsEmptyResponseError(err error) bool {
	return apperrors.IsEmptyResponseError(err)
}
