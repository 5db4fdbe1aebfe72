package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/claudegate/internal/apperrors"
	"github.com/poemonsense/claudegate/internal/utils"
)

// LimitReason classifies why the upstream throttled a request.
type LimitReason string

const (
	LimitReasonRateLimited       LimitReason = "RATE_LIMIT_EXCEEDED"
	LimitReasonQuotaExhausted    LimitReason = "QUOTA_EXHAUSTED"
	LimitReasonCapacityExhausted LimitReason = "MODEL_CAPACITY_EXHAUSTED"
	LimitReasonServerError       LimitReason = "SERVER_ERROR"
	LimitReasonUnknown           LimitReason = "UNKNOWN"
)

var (
	quotaDelayRe     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRe = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRe   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRe        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryPhraseRe    = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	goDurationRe     = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoResetRe       = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts a retry delay in milliseconds from response headers
// or the error body. Returns -1 when nothing usable is found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			resetMs = time.Until(t).Milliseconds()
			if resetMs <= 0 {
				resetMs = -1
			}
		}
	}

	// x-ratelimit-reset carries a unix timestamp in seconds.
	if resetMs < 0 {
		if reset := headers.Get("x-ratelimit-reset"); reset != "" {
			if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
				resetMs = ts*1000 - time.Now().UnixMilli()
				if resetMs <= 0 {
					resetMs = -1
				}
			}
		}
	}

	if resetMs < 0 {
		if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	if resetMs >= 0 {
		if resetMs == 0 {
			resetMs = 500
		} else if resetMs < 500 {
			// Pad very short resets for network latency.
			resetMs += 200
		}
	}

	return resetMs
}

func parseResetTimeFromBody(msg string) int64 {
	if match := quotaDelayRe.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.EqualFold(match[2], "s") {
			return int64(value * 1000)
		}
		return int64(value)
	}

	if match := quotaTimestampRe.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	// retryDelay in seconds has to win over the bare-number form, the value
	// may be fractional ("1.5s").
	if match := retrySecondsRe.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value * 1000)
	}

	if match := retryMsRe.FindStringSubmatch(msg); match != nil {
		ms, _ := strconv.ParseInt(match[1], 10, 64)
		return ms
	}

	if match := retryPhraseRe.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	if match := goDurationRe.FindStringSubmatch(msg); match != nil {
		var resetMs int64
		switch {
		case match[1] != "":
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			resetMs = int64(hours*3600+minutes*60+seconds) * 1000
		case match[4] != "":
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			resetMs = int64(minutes*60+seconds) * 1000
		case match[6] != "":
			seconds, _ := strconv.Atoi(match[6])
			resetMs = int64(seconds) * 1000
		}
		if resetMs > 0 {
			utils.Debug("[CloudCode] Parsed duration from body: %s", utils.FormatDuration(resetMs))
			return resetMs
		}
		return resetMs
	}

	if match := isoResetRe.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}

	return -1
}

// ParseLimitReason classifies a throttling response. Status codes win over
// body text: 503/529 are capacity, 500 is a server error.
func ParseLimitReason(errorText string, status int) LimitReason {
	if status == 529 || status == 503 {
		return LimitReasonCapacityExhausted
	}
	if status == 500 {
		return LimitReasonServerError
	}

	lower := strings.ToLower(errorText)

	if utils.ContainsAny(lower,
		"quota_exhausted",
		"quotaresetdelay",
		"quotaresettimestamp",
		"resource_exhausted",
		"daily limit",
		"quota exceeded") {
		return LimitReasonQuotaExhausted
	}

	if IsModelCapacityExhausted(lower) {
		return LimitReasonCapacityExhausted
	}

	if utils.ContainsAny(lower,
		"rate_limit_exceeded",
		"rate limit",
		"too many requests",
		"throttl") {
		return LimitReasonRateLimited
	}

	if utils.ContainsAny(lower,
		"internal server error",
		"server error",
		"503", "502", "504") {
		return LimitReasonServerError
	}

	return LimitReasonUnknown
}

// IsModelCapacityExhausted reports whether a 429/503 is a capacity problem on
// the model rather than the account's own quota.
func IsModelCapacityExhausted(errorText string) bool {
	return apperrors.IsCapacityExhaustedMessage(errorText)
}

// IsPermanentAuthFailure detects auth errors that need re-authentication
// rather than a token refresh.
func IsPermanentAuthFailure(errorText string) bool {
	return apperrors.IsPermanentAuthFailure(errorText)
}
