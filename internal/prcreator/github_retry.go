package prcreator

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/draftpr/internal/retry"
)

// classifyGitHubError prepares err for retry.DoValue: non-retryable errors
// are marked permanent and rate limits carry their reset delay.
func classifyGitHubError(err error, resp *github.Response) error {
	if err == nil {
		return nil
	}
	if !isGitHubRetryableError(err, resp) {
		return retry.Permanent(err)
	}
	if isRateLimitError(err, resp) {
		return retry.After(err, rateLimitBackoff(err, resp))
	}
	return err
}

// isGitHubRetryableError checks if a GitHub API error is retryable.
func isGitHubRetryableError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}

	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return true
	}

	if resp == nil || resp.Response == nil {
		// Network errors and timeouts never produced a response.
		return true
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		// 403 is only transient when it is a rate limit.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return false
	}
}

func isRateLimitError(err error, resp *github.Response) bool {
	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return true
	}
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
}

// rateLimitBackoff prefers Retry-After, then the rate limit reset time.
// It returns zero when neither is known.
func rateLimitBackoff(err error, resp *github.Response) time.Duration {
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) && arle.RetryAfter != nil {
		return *arle.RetryAfter
	}
	if resp == nil || resp.Response == nil {
		return 0
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if !resp.Rate.Reset.IsZero() {
		if d := time.Until(resp.Rate.Reset.Time); d > 0 {
			return d
		}
	}
	return 0
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
