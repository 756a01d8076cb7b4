package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func TestDelayedRoundTripper_Disabled(t *testing.T) {
	server, _ := countingServer(t)
	client := &http.Client{Transport: NewDelayedRoundTripper(nil, DelayConfig{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 200 * time.Millisecond,
	})}

	start := time.Now()
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayedRoundTripper_Enabled(t *testing.T) {
	server, _ := countingServer(t)
	client := &http.Client{Transport: NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  true,
		MinDelay: 50 * time.Millisecond,
		MaxDelay: 100 * time.Millisecond,
	})}

	start := time.Now()
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayedRoundTripper_DelayRange(t *testing.T) {
	d := NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  true,
		MinDelay: 10 * time.Millisecond,
		MaxDelay: 20 * time.Millisecond,
	})
	for i := 0; i < 200; i++ {
		delay := d.calculateDelay()
		assert.GreaterOrEqual(t, delay, 10*time.Millisecond)
		assert.Less(t, delay, 20*time.Millisecond)
	}

	fixed := NewDelayedRoundTripper(nil, DelayConfig{Enabled: true, MinDelay: 5 * time.Millisecond})
	assert.Equal(t, 5*time.Millisecond, fixed.calculateDelay(), "max below min uses min")
}

func TestDelayedRoundTripper_CancelledDuringDelay(t *testing.T) {
	server, hits := countingServer(t)
	client := &http.Client{Transport: NewDelayedRoundTripper(nil, DelayConfig{
		Enabled:  true,
		MinDelay: time.Second,
		MaxDelay: time.Second,
	})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, hits.Load(), "the request never left the process")
}

func TestNewHTTPClient(t *testing.T) {
	plain := NewHTTPClient(Config{})
	assert.Equal(t, DefaultTimeout, plain.Timeout)
	assert.Equal(t, http.DefaultTransport, plain.Transport)

	delayed := NewHTTPClient(Config{Timeout: 5 * time.Second, DelayEnabled: true, MinDelay: 30 * time.Millisecond, MaxDelay: 60 * time.Millisecond})
	assert.Equal(t, 5*time.Second, delayed.Timeout)
	rt, ok := delayed.Transport.(*DelayedRoundTripper)
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, rt.config.MinDelay)

	server, hits := countingServer(t)
	resp, err := delayed.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), hits.Load())
}
