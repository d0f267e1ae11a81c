package cloudflare

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hostbound/tunneld/internal/domain"
)

// translateHTTP maps a control-plane error response onto the taxonomy.
// Messages are account-agnostic; the raw provider body is preserved only as
// log-level detail and never surfaced to untrusted callers.
func translateHTTP(op string, resp *http.Response, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &domain.Error{
			Code:    domain.CodeAuthFailed,
			Message: "control plane rejected the API token",
			Detail:  detail,
		}
	case resp.StatusCode == http.StatusForbidden:
		return &domain.Error{
			Code:    domain.CodeAuthFailed,
			Message: "API token lacks permission for " + op,
			Detail:  detail,
		}
	case resp.StatusCode == http.StatusNotFound:
		return &domain.Error{
			Code:    domain.CodeNotFound,
			Message: "remote resource not found",
			Detail:  detail,
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.Error{
			Code:       domain.CodeRateLimited,
			Message:    "control-plane rate limit exceeded",
			Detail:     detail,
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode >= 500:
		return &domain.Error{
			Code:    domain.CodeRemoteUnavailable,
			Message: "control plane unavailable",
			Detail:  detail,
		}
	default:
		return &domain.Error{
			Code:    domain.CodeUnknown,
			Message: "control-plane request " + op + " failed",
			Detail:  detail,
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return time.Minute
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}
