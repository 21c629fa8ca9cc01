// ABOUTME: HTTP client for the completion backend's session provisioning protocol
// ABOUTME: Acquires routing handles and polls them to readiness with bounded retries

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HandleStatus is the backend's readiness report for a handle.
type HandleStatus string

const (
	StatusPending HandleStatus = "pending"
	StatusReady   HandleStatus = "ready"
	StatusFailed  HandleStatus = "failed"
)

// Handle is a transport-level routing identifier assigned by the backend.
// It is independent of dialogue identity and may be replaced at any time.
type Handle struct {
	ID     string
	Status HandleStatus
}

// Ready reports whether the handle can carry exchanges.
func (h *Handle) Ready() bool {
	return h != nil && h.Status == StatusReady
}

// StatusReport is the decoded body of a status query.
type StatusReport struct {
	Status HandleStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL              string
	Credential           string
	RequestTimeout       time.Duration
	ProvisionBackoff     time.Duration
	MaxProvisionAttempts int
	ProvisionTimeout     time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

const (
	defaultRequestTimeout       = 100 * time.Second
	defaultProvisionBackoff     = 3 * time.Second
	defaultMaxProvisionAttempts = 5
	defaultProvisionTimeout     = 2 * time.Minute

	// maxErrorBody bounds how much of an unexpected response body is quoted in errors.
	maxErrorBody = 512
)

// Client talks to the completion backend. It is safe for concurrent use;
// per-handle sequencing is the caller's concern.
type Client struct {
	baseURL              string
	credential           string
	http                 *http.Client
	backoff              time.Duration
	maxProvisionAttempts int
	provisionTimeout     time.Duration
	logger               *slog.Logger

	// sleep waits between readiness polls; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a backend client from opts.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ProvisionBackoff <= 0 {
		opts.ProvisionBackoff = defaultProvisionBackoff
	}
	if opts.MaxProvisionAttempts <= 0 {
		opts.MaxProvisionAttempts = defaultMaxProvisionAttempts
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = defaultProvisionTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:              strings.TrimSuffix(opts.BaseURL, "/") + "/",
		credential:           opts.Credential,
		http:                 httpClient,
		backoff:              opts.ProvisionBackoff,
		maxProvisionAttempts: opts.MaxProvisionAttempts,
		provisionTimeout:     opts.ProvisionTimeout,
		logger:               logger.With("component", "backend"),
		sleep:                sleepContext,
	}
}

// Provision acquires a fresh handle and waits until the backend reports it ready.
func (c *Client) Provision(ctx context.Context) (*Handle, error) {
	h, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c.WaitUntilReady(ctx, h)
}

// Acquire exchanges the long-lived credential for a new, pending handle.
func (c *Client) Acquire(ctx context.Context) (*Handle, error) {
	if c.credential == "" {
		return nil, newError("connect", ErrCredentialRejected, "no credential configured", nil)
	}

	endpoint := c.baseURL + "connect?sessionToken=" + url.QueryEscape(c.credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating connect request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError("connect", ErrNetwork, "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError("connect", ErrRateLimited, "too many requests", nil)
	case resp.StatusCode != http.StatusOK:
		return nil, newError("connect", ErrCredentialRejected,
			fmt.Sprintf("status %d: %s", resp.StatusCode, readSnippet(resp.Body)), nil)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, newError("connect", ErrCredentialRejected, "undecodable connect response", err)
	}
	if body.ID == "" {
		return nil, newError("connect", ErrCredentialRejected, "connect response carried no handle id", nil)
	}

	c.logger.Debug("acquired handle", "handle_id", body.ID)
	return &Handle{ID: body.ID, Status: StatusPending}, nil
}

// Status queries the backend for the readiness of a handle.
func (c *Client) Status(ctx context.Context, handleID string) (*StatusReport, error) {
	endpoint := c.baseURL + "status?id=" + url.QueryEscape(handleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError("status", ErrNetwork, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError("status", ErrBackendRejected,
			fmt.Sprintf("status %d: %s", resp.StatusCode, readSnippet(resp.Body)), nil)
	}

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, newError("status", ErrMalformedResponse, "decoding status", err)
	}
	switch report.Status {
	case StatusReady, StatusPending, StatusFailed:
		return &report, nil
	default:
		return nil, newError("status", ErrMalformedResponse,
			fmt.Sprintf("unknown handle status %q", report.Status), nil)
	}
}

// WaitUntilReady polls the handle until the backend reports it ready.
// A pending handle is re-polled after the provisioning backoff. A failed
// handle is replaced by a freshly acquired one, at most MaxProvisionAttempts
// times, after which ErrProvisioningFailed is returned. The whole wait is
// bounded by the provisioning timeout and ctx; exceeding either yields
// ErrProvisioningTimeout. The returned handle may differ from h.
func (c *Client) WaitUntilReady(ctx context.Context, h *Handle) (*Handle, error) {
	if h == nil || h.ID == "" {
		return nil, newError("status", ErrProvisioningFailed, "no handle to wait on", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.provisionTimeout)
	defer cancel()

	reacquired := 0
	for {
		report, err := c.Status(ctx, h.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, newError("status", ErrProvisioningTimeout, "", ctx.Err())
			}
			if errors.Is(err, ErrNetwork) {
				return nil, err
			}
			// A status endpoint that refuses or garbles its answer ends provisioning.
			return nil, newError("status", ErrProvisioningFailed, Reason(err), nil)
		}

		switch report.Status {
		case StatusReady:
			h.Status = StatusReady
			c.logger.Debug("handle ready", "handle_id", h.ID, "reacquired", reacquired)
			return h, nil

		case StatusFailed:
			h.Status = StatusFailed
			if reacquired >= c.maxProvisionAttempts {
				return nil, newError("status", ErrProvisioningFailed,
					fmt.Sprintf("%s (gave up after %d re-acquisitions)", report.Reason, reacquired), nil)
			}
			c.logger.Warn("handle failed, re-acquiring",
				"handle_id", h.ID,
				"reason", report.Reason,
				"attempt", reacquired+1,
			)
			reacquired++
			next, err := c.Acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, newError("connect", ErrProvisioningTimeout, "", ctx.Err())
				}
				return nil, err
			}
			h = next

		default:
			c.logger.Debug("waiting for handle", "handle_id", h.ID, "backoff", c.backoff)
			if err := c.sleep(ctx, c.backoff); err != nil {
				return nil, newError("status", ErrProvisioningTimeout, "", err)
			}
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readSnippet returns a bounded prefix of an error response body.
func readSnippet(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(b))
}
