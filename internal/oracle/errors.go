package oracle

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
)

// statusError builds an ORACLE_UNAVAILABLE error from a non-200 response.
func statusError(provider string, statusCode int, body []byte) error {
	err := errors.NewOracleUnavailable(provider, fmt.Errorf("%s", parseProviderError(statusCode, body)))
	err.Details["status"] = statusCode
	return err
}

// transportError builds an ORACLE_UNAVAILABLE error from a network failure.
func transportError(provider string, cause error) error {
	err := errors.NewOracleUnavailable(provider, cause)
	err.Message = provider + " unavailable: " + friendlyProviderError(cause)
	return err
}

// truncatedError reports output cut off at the token limit. Partial text
// is never returned: a cut overview can still pass the shape check.
func truncatedError(provider string, maxTokens int) error {
	err := errors.NewMalformedOutput("", fmt.Sprintf("response truncated at the %d token limit", maxTokens))
	err.Details["provider"] = provider
	err.Details["max_tokens"] = maxTokens
	return err
}

// parseProviderError extracts a human-readable error from a provider response body.
func parseProviderError(statusCode int, body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		msg := errResp.Error.Message
		if msg == "" {
			msg = errResp.Message
		}
		if msg != "" {
			return fmt.Sprintf("HTTP %d: %s", statusCode, msg)
		}
	}

	switch statusCode {
	case 401:
		return "HTTP 401: authentication failed, check the api key"
	case 403:
		return "HTTP 403: access denied"
	case 404:
		return "HTTP 404: model or endpoint not found"
	case 429:
		return "HTTP 429: rate limited"
	case 500:
		return "HTTP 500: provider internal error"
	case 502, 503:
		return fmt.Sprintf("HTTP %d: provider temporarily unavailable", statusCode)
	case 529:
		return "HTTP 529: provider overloaded"
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", statusCode, s)
}

// friendlyProviderError converts common network errors to short messages.
func friendlyProviderError(err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	if stderrors.Is(err, context.Canceled) {
		return "cancelled"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused"
	case strings.Contains(msg, "no such host"):
		return "host not found"
	case strings.Contains(msg, "timeout"):
		return "timed out"
	case strings.Contains(msg, "reset by peer"):
		return "connection reset by server"
	case strings.Contains(msg, "EOF"):
		return "connection closed unexpectedly"
	}
	return msg
}

var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 529: true}

// isRetryable reports whether err is a transient provider failure worth retrying.
func isRetryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var mErr *errors.MarginError
	if !stderrors.As(err, &mErr) || mErr.Code != errors.ErrOracleUnavailable {
		return false
	}
	status, ok := mErr.Details["status"].(int)
	if !ok {
		// Network-level failure without a response.
		return true
	}
	return retryableStatus[status]
}

// Unavailable maps a failed Generate call to ORACLE_UNAVAILABLE. Errors
// that already carry a code are returned unchanged.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	var mErr *errors.MarginError
	if stderrors.As(err, &mErr) {
		return err
	}
	return errors.NewOracleUnavailable("oracle", err)
}
