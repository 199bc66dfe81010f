package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// cgiEndpoints are per-brand CGI templates. Dahua and Steren share the Dahua
// CGI dialect; Steren units are rebadged Dahua hardware.
type cgiEndpoints struct {
	snapshot   string
	ptzStart   string // params: code, arg1, arg2, arg3
	ptzStop    string
	gotoPreset string // param: preset number
	setPreset  string // param: preset number
	rtspPath   string // companion RTSP path for the relay source
}

var dahuaCGI = cgiEndpoints{
	snapshot:   "/cgi-bin/snapshot.cgi?channel=1",
	ptzStart:   "/cgi-bin/ptz.cgi?action=start&channel=0&code=%s&arg1=%d&arg2=%d&arg3=%d",
	ptzStop:    "/cgi-bin/ptz.cgi?action=stop&channel=0&code=%s&arg1=0&arg2=0&arg3=0",
	gotoPreset: "/cgi-bin/ptz.cgi?action=start&channel=0&code=GotoPreset&arg1=0&arg2=%d&arg3=0",
	setPreset:  "/cgi-bin/ptz.cgi?action=start&channel=0&code=SetPreset&arg1=0&arg2=%d&arg3=0",
	rtspPath:   "/cam/realmonitor?channel=1&subtype=0",
}

// HTTPCGIConnection drives a camera through per-request authenticated CGI
// calls. Every call stands alone; "connected" means the snapshot endpoint
// answered once with image bytes.
type HTTPCGIConnection struct {
	cfg       Config
	endpoints cgiEndpoints
	client    *http.Client
	state     State
	ptzHold   time.Duration
}

func NewHTTPCGIConnection(cfg Config) *HTTPCGIConnection {
	cfg = cfg.withPortDefaults()
	return &HTTPCGIConnection{
		cfg:       cfg,
		endpoints: dahuaCGI,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: newDigestTransport(cfg.Username, cfg.Password, nil),
		},
		state:   StateDisconnected,
		ptzHold: 500 * time.Millisecond,
	}
}

func (c *HTTPCGIConnection) State() State { return c.state }

func (c *HTTPCGIConnection) Capabilities() Capabilities {
	return Capabilities{PTZ: true, Presets: true, Snapshot: true}
}

func (c *HTTPCGIConnection) StreamURL() string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(c.cfg.IP, strconv.Itoa(c.cfg.RTSPPort)),
	}
	if c.cfg.Username != "" {
		u.User = url.UserPassword(c.cfg.Username, c.cfg.Password)
	}
	// Opaque path keeps the query part of the CGI RTSP template intact.
	return u.String() + c.endpoints.rtspPath
}

func (c *HTTPCGIConnection) baseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.cfg.IP, strconv.Itoa(c.cfg.HTTPPort)))
}

// Connect fetches one snapshot to prove both reachability and credentials.
// There is no session to leak on failure; the HTTP client pool is per-call.
func (c *HTTPCGIConnection) Connect(ctx context.Context) error {
	c.state = StateConnecting
	if _, err := c.fetchSnapshot(ctx); err != nil {
		c.state = StateError
		return err
	}
	c.state = StateConnected
	return nil
}

func (c *HTTPCGIConnection) IsAlive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.fetchSnapshot(ctx)
	return err == nil
}

func (c *HTTPCGIConnection) GetFrame(ctx context.Context) (*Frame, error) {
	if c.state != StateConnected && c.state != StateStreaming {
		return nil, newError(CodeConnectionFailed, "not connected", nil)
	}
	data, err := c.fetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	c.state = StateStreaming
	return &Frame{Data: data, CapturedAt: time.Now()}, nil
}

func (c *HTTPCGIConnection) Disconnect() error {
	c.client.CloseIdleConnections()
	c.state = StateDisconnected
	return nil
}

// Snapshot writes a still image to filePath.
func (c *HTTPCGIConnection) Snapshot(ctx context.Context, filePath string) error {
	data, err := c.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return newError(CodeConnectionFailed, "snapshot write failed", err)
	}
	return nil
}

// PTZMove starts a relative move and stops it after a short hold. Direction
// codes follow the Dahua CGI dialect.
func (c *HTTPCGIConnection) PTZMove(ctx context.Context, pan, tilt, zoom float64) error {
	code, speed := ptzCode(pan, tilt, zoom)
	if code == "" {
		return nil
	}
	startURL := c.baseURL() + fmt.Sprintf(c.endpoints.ptzStart, code, 0, speed, 0)
	if err := c.command(ctx, startURL); err != nil {
		return err
	}
	select {
	case <-time.After(c.ptzHold):
	case <-ctx.Done():
	}
	stopURL := c.baseURL() + fmt.Sprintf(c.endpoints.ptzStop, code)
	return c.command(ctx, stopURL)
}

func (c *HTTPCGIConnection) GotoPreset(ctx context.Context, preset int) error {
	return c.command(ctx, c.baseURL()+fmt.Sprintf(c.endpoints.gotoPreset, preset))
}

func (c *HTTPCGIConnection) SetPreset(ctx context.Context, preset int, _ string) error {
	return c.command(ctx, c.baseURL()+fmt.Sprintf(c.endpoints.setPreset, preset))
}

func (c *HTTPCGIConnection) fetchSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+c.endpoints.snapshot, nil)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "bad snapshot request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "camera unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, newError(CodeAuthFailed, "camera rejected credentials", nil)
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, newError(CodeStreamUnavailable, "snapshot endpoint not found", nil)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, newError(CodeConnectionFailed, fmt.Sprintf("snapshot returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, newError(CodeConnectionFailed, "snapshot read failed", err)
	}
	return data, nil
}

func (c *HTTPCGIConnection) command(ctx context.Context, cmdURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cmdURL, nil)
	if err != nil {
		return newError(CodeConnectionFailed, "bad command request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return newError(CodeConnectionFailed, "camera unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return newError(CodeAuthFailed, "camera rejected credentials", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return newError(CodeConnectionFailed, fmt.Sprintf("command returned %d", resp.StatusCode), nil)
	}
	return nil
}

// ptzCode maps signed axis values to a Dahua direction code and speed 1-8.
func ptzCode(pan, tilt, zoom float64) (string, int) {
	abs := func(f float64) float64 {
		if f < 0 {
			return -f
		}
		return f
	}
	speed := func(f float64) int {
		s := int(abs(f) * 8)
		if s < 1 {
			s = 1
		}
		if s > 8 {
			s = 8
		}
		return s
	}

	switch {
	case abs(zoom) >= abs(pan) && abs(zoom) >= abs(tilt) && zoom != 0:
		if zoom > 0 {
			return "ZoomTele", speed(zoom)
		}
		return "ZoomWide", speed(zoom)
	case abs(pan) >= abs(tilt) && pan != 0:
		if pan > 0 {
			return "Right", speed(pan)
		}
		return "Left", speed(pan)
	case tilt != 0:
		if tilt > 0 {
			return "Up", speed(tilt)
		}
		return "Down", speed(tilt)
	}
	return "", 0
}
