package providers

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// contextPhrases identify the context-window rejections vendors bury inside
// generic 400 bodies.
var contextPhrases = []string{
	"context length",
	"context_length_exceeded",
	"maximum context",
	"context window",
	"too many tokens",
	"token limit",
	"prompt is too long",
	"input is too long",
}

// mapStatus maps a vendor HTTP status onto the canonical error kinds:
// 400 with a context phrase → context_overflow, 401/403 → provider_auth,
// 429 → provider_rate_limit, 408/5xx → provider_unavailable. Anything else
// in the 4xx range is the caller's request shape, surfaced as bad_input.
func mapStatus(p models.Provider, status int, body []byte) error {
	detail := trimDetail(body)
	switch {
	case status == 400 && isContextOverflow(detail):
		return errs.ContextOverflow("model's maximum context length exceeded").WithDetail(detail)
	case status == 401 || status == 403:
		return errs.New(errs.KindProviderAuth, "provider %q rejected the credentials (HTTP %d)", p, status).WithDetail(detail)
	case status == 429:
		return errs.New(errs.KindProviderRateLimit, "provider %q is rate limiting (HTTP 429)", p).WithDetail(detail)
	case status == 408 || status >= 500:
		return errs.New(errs.KindProviderUnavailable, "provider %q is unavailable (HTTP %d)", p, status).WithDetail(detail)
	default:
		return errs.BadInput("provider %q rejected the request (HTTP %d)", p, status).WithDetail(detail)
	}
}

// mapTransport maps dial/transport failures. Timeouts and refused
// connections count as the deployment being unavailable so the router can
// cool it down and try another.
func mapTransport(p models.Provider, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindUnexpected, err, "request canceled")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errs.Wrap(errs.KindProviderUnavailable, err, "provider %q timed out", p)
	}
	return errs.Wrap(errs.KindProviderUnavailable, err, "provider %q is unreachable", p)
}

func isContextOverflow(body string) bool {
	lower := strings.ToLower(body)
	for _, phrase := range contextPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
