package mediamtx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned when an operation runs outside the
// Connect/Close window.
var ErrNotConnected = errors.New("mediamtx: client not connected")

// ErrAlreadyConnected is returned by Connect when a session is
// already open.
var ErrAlreadyConnected = errors.New("mediamtx: client already connected")

// Options configures a Client.
type Options struct {
	// APIURL is the control API base, e.g. "http://127.0.0.1:9997".
	APIURL string
	// Username and Password are optional basic-auth credentials for
	// the control API.
	Username string
	Password string
	// Timeout bounds each individual HTTP request.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first
	// on timeout or connection error.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = time.Second
	}
	return out
}

// Client talks to the MediaMTX control API. The HTTP session is
// scoped by an explicit Connect/Close pair and is not usable outside
// it.
type Client struct {
	opts Options

	mu   sync.Mutex
	http *http.Client
}

// NewClient builds a Client with the given options. Call Connect
// before use.
func NewClient(opts Options) *Client {
	return &Client{opts: opts.withDefaults()}
}

// Connect opens the pooled HTTP session. Calling Connect on an
// already connected client is an error rather than a silent second
// session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		return ErrAlreadyConnected
	}
	c.http = &http.Client{
		Timeout: c.opts.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return nil
}

// Close tears down the session. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		return
	}
	c.http.CloseIdleConnections()
	c.http = nil
}

func (c *Client) session() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		return nil, ErrNotConnected
	}
	return c.http, nil
}

// CheckHealth probes the control API with a short-lived paths/list
// call. It never retries; a health probe wants the current answer.
func (c *Client) CheckHealth(ctx context.Context) bool {
	hc, err := c.session()
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/v3/paths/list")
	if err != nil {
		return false
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// GetPaths lists every path configured or active on the server.
func (c *Client) GetPaths(ctx context.Context) (map[string]PathInfo, error) {
	var list pathList
	status, body, err := c.do(ctx, http.MethodGet, "/v3/paths/list")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newServiceError(CodeAPIError, "paths/list returned status %d", status)
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, newServiceError(CodeAPIError, "paths/list: decoding response: %v", err)
	}
	return list.Items, nil
}

// GetPathInfo returns the named path, or (nil, nil) when the server
// does not know it.
func (c *Client) GetPathInfo(ctx context.Context, name string) (*PathInfo, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v3/paths/get/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		var info PathInfo
		if err := json.Unmarshal(body, &info); err != nil {
			return nil, newServiceError(CodeAPIError, "paths/get %s: decoding response: %v", name, err)
		}
		return &info, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, newServiceError(CodeAPIError, "paths/get %s returned status %d", name, status)
	}
}

// KickPublisher disconnects the publisher of a path. A 404 means
// there was nothing to kick, which callers treat as success.
func (c *Client) KickPublisher(ctx context.Context, name string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodPost, "/v3/paths/kick/"+url.PathEscape(name)+"/publisher")
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK, http.StatusNotFound:
		return true, nil
	default:
		return false, newServiceError(CodeAPIError, "paths/kick %s returned status %d", name, status)
	}
}

// WaitForPath polls until the named path has a source attached or the
// timeout elapses. The final sleep is clipped to the deadline so the
// call never overshoots it, and ctx cancellation aborts the wait.
func (c *Client) WaitForPath(ctx context.Context, name string, timeout, pollInterval time.Duration) (bool, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		info, err := c.GetPathInfo(ctx, name)
		if err != nil {
			return false, err
		}
		if info.HasSource() {
			return true, nil
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return false, nil
		}
		sleep := pollInterval
		if sleep > remain {
			sleep = remain
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.APIURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}
	return req, nil
}

// do issues one API call with the configured retry policy. Timeouts
// and connection errors retry with a fixed delay; any HTTP response,
// including 4xx/5xx, ends the retry loop and is returned as-is.
func (c *Client) do(ctx context.Context, method, path string) (int, []byte, error) {
	hc, err := c.session()
	if err != nil {
		return 0, nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}

		req, err := c.newRequest(ctx, method, path)
		if err != nil {
			return 0, nil, newServiceError(CodeAPIError, "building request %s %s: %v", method, path, err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return resp.StatusCode, body, nil
	}

	code := CodeConnectionError
	if isTimeout(lastErr) {
		code = CodeTimeout
	}
	return 0, nil, &ServiceError{
		Code:    code,
		Message: fmt.Sprintf("%s %s failed after %d attempts", method, path, c.opts.MaxRetries+1),
		Err:     lastErr,
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
