package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
	_ "github.com/hornwind/l3-rule-cleanup/pkg/log"
	"github.com/hornwind/l3-rule-cleanup/pkg/retry"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL        = "https://api.meraki.com/api/v1"
	DefaultRequestTimeout = 5 * time.Second
	apiKeyHeader          = "X-Cisco-Meraki-API-Key"
	maxBodySize           = 10 << 20
)

// ErrStoreUnavailable is wrapped by every error caused by exhausted retries or timeouts.
var ErrStoreUnavailable = errors.New("rule store unavailable")

// StatusError is a non-retryable HTTP answer.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s has a %d code: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type RespJson struct {
	Rules []models.Rule `json:"rules"`
}

// Client talks to the l3FirewallRules resource of one network.
type Client struct {
	baseURL        string
	apiKey         string
	networkID      string
	requestTimeout time.Duration
	retry          retry.Config
	hc             *http.Client
	observer       Observer
}

// Observer receives request outcomes. Implemented by the metrics package.
type Observer interface {
	ObserveRequest(method string, code int, elapsed time.Duration)
	ObserveRetry(method string)
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

var _ models.Store = (*Client)(nil)

func NewClient(apiKey, networkID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is empty")
	}
	if networkID == "" {
		return nil, errors.New("network id is empty")
	}

	c := &Client{
		baseURL:        DefaultBaseURL,
		apiKey:         apiKey,
		networkID:      networkID,
		requestTimeout: DefaultRequestTimeout,
		retry:          retry.DefaultConfig(),
		hc:             &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) rulesURL() string {
	return fmt.Sprintf("%s/networks/%s/appliance/firewall/l3FirewallRules", c.baseURL, c.networkID)
}

// Fetch returns the current rule list. The last rule is detached as the terminal rule.
func (c *Client) Fetch(ctx context.Context) (models.RuleSet, error) {
	log.Debug("Fetching L3 rules")
	res, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return models.RuleSet{}, err
	}

	var respJson RespJson
	if err := json.Unmarshal(res.body, &respJson); err != nil {
		return models.RuleSet{}, fmt.Errorf("rules response unmarshal: %w", err)
	}
	log.Debugf("Fetched %d rules", len(respJson.Rules))
	return models.SplitTerminal(respJson.Rules), nil
}

// Replace uploads rules as the complete user rule list and returns the response status code.
func (c *Client) Replace(ctx context.Context, rules []models.Rule) (int, error) {
	if rules == nil {
		rules = []models.Rule{}
	}
	payload, err := json.Marshal(RespJson{Rules: rules})
	if err != nil {
		return 0, fmt.Errorf("could not marshal rules json: %w", err)
	}

	log.Debugf("Uploading %d rules", len(rules))
	res, err := c.do(ctx, http.MethodPut, payload)
	if err != nil {
		return 0, err
	}
	return res.code, nil
}

type response struct {
	code int
	body []byte
}

func (c *Client) do(ctx context.Context, method string, payload []byte) (response, error) {
	url := c.rulesURL()
	res, err := retry.Do(ctx, c.retry, func(ctx context.Context) (response, error) {
		return c.once(ctx, method, url, payload)
	}, func(attempt int, delay time.Duration, err error) {
		log.Warnf("%s %s attempt %d failed, retrying in %v: %v", method, url, attempt, delay, err)
		if c.observer != nil {
			c.observer.ObserveRetry(method)
		}
	})
	if err == nil {
		return res, nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) || retry.IsTemporary(err) {
		return response{}, fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, method, url, err)
	}
	return response{}, err
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if isTransient(err) {
			return response{}, retry.Temporary(err, 0)
		}
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveRequest(method, resp.StatusCode, elapsed)
	}
	if err != nil {
		return response{}, retry.Temporary(fmt.Errorf("read response body: %w", err), 0)
	}
	log.Debugf("%s %s answered %d in %v", method, url, resp.StatusCode, elapsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return response{code: resp.StatusCode, body: data}, nil
	}

	statusErr := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	if retryableStatus(resp.StatusCode) {
		return response{}, retry.Temporary(statusErr, retryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}
	return response{}, statusErr
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter reads a Retry-After header in either delta-seconds or HTTP-date form.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// isTransient reports whether a transport error may go away on its own.
// *url.Error satisfies net.Error, so only timeouts and socket level failures count.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
