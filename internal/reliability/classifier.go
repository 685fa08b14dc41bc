package reliability

import "time"

// IsRetryableHTTPStatus classifies transient webhook responses. Callers use it
// to label failures; delivery itself is not retried.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTerminalMediaReply reports whether a media-control error reply means the
// endpoint is gone, so further commands against it are pointless.
func IsTerminalMediaReply(code string) bool {
	switch code {
	case "endpoint_not_found", "endpoint_destroyed", "channel_gone":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
