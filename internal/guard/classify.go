package guard

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Top-up pages surfaced with CreditExhausted so a caller can act without
// knowing provider internals.
const (
	ScrapeCreatorsTopUpURL = "https://scrapecreators.com/dashboard"
	GeminiTopUpURL         = "https://aistudio.google.com/app/plan_information"
)

// ClassifyHTTP maps a provider HTTP response to a classified error, or nil
// for 2xx. The body is the already-read response payload; it is only
// inspected, never consumed.
func ClassifyHTTP(provider Provider, resp *http.Response, body []byte) *Error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return &Error{
			Kind:     KindCreditExhausted,
			Provider: provider,
			Message:  fmt.Sprintf("%s credits exhausted, top up to continue", provider),
			TopUpURL: topUpURL(provider),
		}
	case http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			Provider:   provider,
			Message:    fmt.Sprintf("%s rate limit exceeded", provider),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case http.StatusForbidden:
		// Some providers report a depleted quota as 403 with a credit hint
		// in the payload rather than 402.
		if creditHint(body) {
			return &Error{
				Kind:     KindCreditExhausted,
				Provider: provider,
				Message:  fmt.Sprintf("%s access denied, likely insufficient credits", provider),
				TopUpURL: topUpURL(provider),
			}
		}
	case http.StatusNotFound:
		return &Error{
			Kind:     KindNotFound,
			Provider: provider,
			Message:  fmt.Sprintf("%s: not found", provider),
		}
	}

	preview := strings.TrimSpace(string(body))
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return &Error{
		Kind:     KindPermanent,
		Provider: provider,
		Message:  fmt.Sprintf("%s returned status %d: %s", provider, resp.StatusCode, preview),
	}
}

func topUpURL(provider Provider) string {
	switch provider {
	case ProviderGemini:
		return GeminiTopUpURL
	default:
		return ScrapeCreatorsTopUpURL
	}
}

func creditHint(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "credit") || strings.Contains(lower, "quota")
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
// Zero means the provider gave no usable hint.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
