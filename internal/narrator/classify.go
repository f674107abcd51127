package narrator

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// Class partitions upstream failures for the retry controller.
type Class int

const (
	// ClassRetryable covers transient failures: network, timeout,
	// server-side errors, rate limiting, and malformed streams.
	ClassRetryable Class = iota
	// ClassFatal covers failures a retry cannot fix: authentication
	// and quota exhaustion.
	ClassFatal
)

// fallbackRules map message substrings to classes for errors that
// arrive without a typed cause. Typed checks always run first; this
// table is a last resort, not a contract.
var fallbackRules = []struct {
	substring string
	class     Class
}{
	{"api key", ClassFatal},
	{"unauthorized", ClassFatal},
	{"unauthenticated", ClassFatal},
	{"permission", ClassFatal},
	{"quota", ClassFatal},
	{"billing", ClassFatal},
	{"timeout", ClassRetryable},
	{"deadline", ClassRetryable},
	{"connection", ClassRetryable},
	{"unavailable", ClassRetryable},
	{"rate limit", ClassRetryable},
	{"internal error", ClassRetryable},
}

// Classify maps an upstream failure to a retry class. Unknown errors
// default to retryable; only failures that retrying cannot fix are
// fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, ErrEmptyResponse) {
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range fallbackRules {
		if strings.Contains(msg, rule.substring) {
			return rule.class
		}
	}
	return ClassRetryable
}

func classifyStatus(apiErr *googleapi.Error) Class {
	switch {
	case apiErr.Code == 401 || apiErr.Code == 403:
		return ClassFatal
	case apiErr.Code == 429:
		// 429 covers both burst rate limiting (worth retrying) and
		// exhausted quota (not).
		if strings.Contains(strings.ToLower(apiErr.Message), "quota") {
			return ClassFatal
		}
		return ClassRetryable
	case apiErr.Code == 408 || apiErr.Code >= 500:
		return ClassRetryable
	case apiErr.Code >= 400:
		return ClassFatal
	default:
		return ClassRetryable
	}
}
