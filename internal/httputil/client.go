// Package httputil centralizes outbound HTTP client construction so the
// chat-platform notifier and the payment-processor client share the same
// transport tuning.
package httputil

import (
	"net/http"
	"time"
)

// NewClient returns an HTTP client with the given timeout and a pooled
// transport. Both outbound integrations talk to a single host each, so
// keeping idle connections warm saves a TLS handshake per notification
// or invoice call.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
