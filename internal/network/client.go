package network

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds a single HTTP round trip to a collaborator.
const DefaultTimeout = 10 * time.Second

// Config holds transport settings shared by the ledger and store clients.
type Config struct {
	Timeout      time.Duration
	DelayEnabled bool
	MinDelay     time.Duration
	MaxDelay     time.Duration
}

// NewHTTPClient creates an HTTP client with optional latency simulation.
// A zero timeout selects DefaultTimeout.
func NewHTTPClient(config Config) *http.Client {
	transport := http.DefaultTransport

	if config.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfig{
			Enabled:  true,
			MinDelay: config.MinDelay,
			MaxDelay: config.MaxDelay,
		})
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
