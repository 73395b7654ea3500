// Package remote is the HTTP client for the remote mailbox service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fenilsonani/mailpull/internal/logging"
	"github.com/fenilsonani/mailpull/internal/metrics"
	"github.com/fenilsonani/mailpull/internal/resilience"
)

const (
	maxErrorSnippet  = 400
	maxResponseBytes = 64 << 20
)

// Operation names used for metrics and breaker decisions
const (
	opList   = "list"
	opGet    = "get"
	opSend   = "send"
	opHealth = "health"
)

// Options configures a Client
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	FailureThreshold  int
	OpenTimeout       time.Duration
	// Trace logs every request and response at debug level
	Trace bool
}

// Client talks to the remote mailbox service
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	logger  *logging.Logger
}

// NewClient creates a client for the service at baseURL
func NewClient(baseURL string, opts Options, logger *logging.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Remote()

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}

	transport := http.DefaultTransport
	if opts.Trace {
		transport = &traceTransport{delegate: transport, logger: logger}
	}

	breakerCfg := resilience.DefaultConfig("remote")
	if opts.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = opts.FailureThreshold
	}
	if opts.OpenTimeout > 0 {
		breakerCfg.Timeout = opts.OpenTimeout
	}
	breakerCfg.IsFailure = isTransientFailure
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		logger:  logger,
	}
}

// isTransientFailure reports whether err says the service is unhealthy.
// Client errors such as an unknown message id do not count.
func isTransientFailure(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.StatusCode == 0 || svcErr.StatusCode >= 500 || svcErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// ListMessages returns up to limit entries of a folder, newest first
func (c *Client) ListMessages(ctx context.Context, account, folder string, limit int, unreadOnly bool) ([]ListEntry, error) {
	params := url.Values{
		"account": {account},
		"folder":  {folder},
		"limit":   {strconv.Itoa(limit)},
		"unread":  {strconv.FormatBool(unreadOnly)},
	}

	var entries []ListEntry
	if err := c.do(ctx, opList, http.MethodGet, "/mail", params, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetMessage fetches one message including its body
func (c *Client) GetMessage(ctx context.Context, account, folder, id string) (*Message, error) {
	params := url.Values{
		"account": {account},
		"folder":  {folder},
	}

	var raw json.RawMessage
	if err := c.do(ctx, opGet, http.MethodGet, "/mail/"+url.PathEscape(id), params, nil, &raw); err != nil {
		return nil, err
	}

	// The service reports a missing item as {"error": "..."} with a 200
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &failure); err == nil && failure.Error != "" {
		return nil, &ServiceError{StatusCode: http.StatusNotFound, Detail: failure.Error}
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	if msg.ID == "" {
		msg.ID = id
	}
	return &msg, nil
}

// SendMessage submits a message for delivery and returns the service reply
func (c *Client) SendMessage(ctx context.Context, account string, req SendRequest) (map[string]any, error) {
	params := url.Values{"account": {account}}

	var reply map[string]any
	if err := c.do(ctx, opSend, http.MethodPost, "/mail/send", params, req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Health returns the service health document
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var reply map[string]any
	if err := c.do(ctx, opHealth, http.MethodGet, "/health", nil, nil, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// CircuitStats reports the state of the breaker guarding list, send and
// health requests.
func (c *Client) CircuitStats() resilience.Stats {
	return c.breaker.Stats()
}

// do runs one request through the rate limiter and decodes a successful
// JSON response into out. Message fetches bypass the circuit breaker: a
// fetch failure belongs to one message and must not block listing.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, params, body, out)
	}

	var err error
	if op == opGet {
		err = call(ctx)
	} else {
		err = c.breaker.Execute(ctx, call)
	}
	metrics.RecordRemoteRequest(op, err)
	if err != nil {
		c.logger.DebugContext(ctx, "remote request failed", "op", op, "path", path,
			"circuit", c.breaker.State().String(), "error", err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newServiceError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ServiceError{StatusCode: resp.StatusCode, Detail: "invalid JSON response: " + err.Error()}
	}
	return nil
}

// newServiceError prefers the JSON "detail" field, else a body snippet
func newServiceError(status int, data []byte) *ServiceError {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Detail != "" {
		return &ServiceError{StatusCode: status, Detail: parsed.Detail}
	}

	snippet := []rune(string(data))
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &ServiceError{StatusCode: status, Detail: detail}
}
