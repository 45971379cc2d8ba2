package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
	"github.com/hornwind/l3-rule-cleanup/pkg/retry"
)

const rulesJSON = `{"rules":[
	{"comment":"web","policy":"allow","protocol":"tcp","srcPort":"Any","srcCidr":"Any","destPort":"443","destCidr":"10.0.0.1/32","syslogEnabled":false},
	{"comment":"Default rule","policy":"allow","protocol":"Any","srcPort":"Any","srcCidr":"Any","destPort":"Any","destCidr":"Any","syslogEnabled":false}
]}`

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	c, err := NewClient("secret", "N_123", WithBaseURL(url), WithRetry(cfg), WithRequestTimeout(time.Second))
	require.NoError(t, err)
	return c
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/networks/N_123/appliance/firewall/l3FirewallRules", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Cisco-Meraki-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(rulesJSON))
	}))
	defer server.Close()

	set, err := newTestClient(t, server.URL).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, "web", set.Rules[0].Comment)
	require.NotNil(t, set.Terminal)
	assert.Equal(t, "Default rule", set.Terminal.Comment)
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(rulesJSON))
		}
	}))
	defer server.Close()

	set, err := newTestClient(t, server.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, set.Rules, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_ExhaustedIsUnavailable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":["Not found"]}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Fetch(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetch_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL)
	c.requestTimeout = 10 * time.Millisecond

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestReplace(t *testing.T) {
	var got RespJson
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write(body)
	}))
	defer server.Close()

	rules := []models.Rule{{
		Comment: "web", Policy: models.PolicyAllow, Protocol: "tcp",
		SrcPort: "Any", SrcCidr: "Any", DestPort: "443", DestCidr: "10.0.0.1/32",
	}}
	code, err := newTestClient(t, server.URL).Replace(context.Background(), rules)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, rules, got.Rules)
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient("", "N_1")
	assert.Error(t, err)
	_, err = NewClient("key", "")
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Second, retryAfter("2", now))
	assert.Equal(t, 30*time.Second, retryAfter("Wed, 01 May 2024 10:00:30 GMT", now))
	assert.Zero(t, retryAfter("Wed, 01 May 2024 09:59:00 GMT", now))
	assert.Zero(t, retryAfter("-1", now))
	assert.Zero(t, retryAfter("", now))
	assert.Zero(t, retryAfter("soon", now))
}

func TestFetch_PermanentTransportErrorNotRetried(t *testing.T) {
	var retries int32
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	c, err := NewClient("secret", "N_123",
		WithBaseURL("ftp://example.invalid"),
		WithRetry(cfg),
		WithObserver(observerFunc(func() { atomic.AddInt32(&retries, 1) })),
	)
	require.NoError(t, err)

	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol scheme")
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, atomic.LoadInt32(&retries))
}

func TestFetch_ConnectionRefusedIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

type observerFunc func()

func (f observerFunc) ObserveRequest(method string, code int, elapsed time.Duration) {}

func (f observerFunc) ObserveRetry(method string) { f() }
