package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relaygate.org/internal/obs"
)

var (
	// ErrUpstreamUnavailable indicates the upstream could not be reached at
	// the transport level. The caller maps this to 502.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")
	// ErrSigningMismatch indicates the upstream rejected our signature. This
	// is a fatal credential or clock configuration error; retrying with the
	// same configuration cannot succeed.
	ErrSigningMismatch = errors.New("relay: upstream rejected signature")
)

// DefaultTimeout bounds one upstream round trip. It must stay strictly below
// the inbound server write timeout so relay calls fail before the client
// connection does.
const DefaultTimeout = 30 * time.Second

// Request is one relay call on behalf of an authenticated subject.
type Request struct {
	// TargetEndpoint selects the upstream path. A "{target_id}" placeholder
	// is substituted with the tenant's target id, an absolute path is used
	// verbatim, anything else falls back to the default chat route.
	TargetEndpoint string
	Method         string
	Data           any
}

// Response carries the upstream status and body back to the caller verbatim.
type Response struct {
	StatusCode int
	Body       []byte
}

// ResolvePath maps a caller-supplied endpoint to the upstream request path.
func ResolvePath(endpoint, targetID string) string {
	switch {
	case strings.Contains(endpoint, "{target_id}"):
		return strings.ReplaceAll(endpoint, "{target_id}", targetID)
	case strings.HasPrefix(endpoint, "/"):
		return endpoint
	default:
		return "/v1/chat/" + targetID
	}
}

// Client forwards signed requests to the upstream provider.
type Client struct {
	baseURL string
	signer  *Signer
	http    *http.Client
	now     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the transport (useful for tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithClock overrides the time source used for signature timestamps.
func WithClock(fn func() time.Time) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewClient constructs a relay client for one upstream base URL.
func NewClient(baseURL string, signer *Signer, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("relay: upstream url is not configured")
	}
	if signer == nil {
		return nil, errors.New("relay: signer is required")
	}
	c := &Client{
		baseURL: baseURL,
		signer:  signer,
		http:    &http.Client{Timeout: DefaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Forward sends one signed request to the upstream and returns the response
// verbatim. There are no retries: a failed call surfaces immediately. The
// request is always delivered as a POST, matching the upstream contract; the
// caller-supplied method is advisory.
func (c *Client) Forward(ctx context.Context, req Request, targetID string) (Response, error) {
	path := ResolvePath(req.TargetEndpoint, targetID)
	body, err := Canonicalize(req.Data)
	if err != nil {
		return Response{}, err
	}

	ts := Timestamp(c.now())
	headers := c.signer.Headers(ts, http.MethodPost, path, body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("relay: build request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		obs.CountRelayUpstreamError()
		return Response{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.CountRelayUpstreamError()
		return Response{}, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	out := Response{StatusCode: resp.StatusCode, Body: respBody}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		obs.CountRelayUpstreamError()
		return out, ErrSigningMismatch
	}
	return out, nil
}
