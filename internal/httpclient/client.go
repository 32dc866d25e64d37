package httpclient

import (
	"net/http"
	"time"
)

// UserAgent identifies outbound requests made by the orchestrator
const UserAgent = "GeoSAFE/1.0"

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// NewClient creates an HTTP client with a timeout that stamps every request
// with userAgent, or UserAgent when empty. Requests that already carry a
// User-Agent header keep it.
func NewClient(timeout time.Duration, userAgent string) *http.Client {
	if userAgent == "" {
		userAgent = UserAgent
	}
	client := NewDefaultHTTPClient(timeout)
	client.Transport = &userAgentTransport{
		base:      http.DefaultTransport,
		userAgent: userAgent,
	}
	return client
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrip must not modify the caller's request
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}
