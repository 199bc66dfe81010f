package conn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	rtspUserAgent   = "TechnoSupportRelay/1.0"
	rtspIOTimeout   = 5 * time.Second
	rtspReadTimeout = 2 * time.Second
)

// RTSPConnection pulls frames from a camera over RTSP with TCP-interleaved
// transport. It is the default variant for brands that expose a known RTSP
// path (Hikvision, Dahua mains, generic).
type RTSPConnection struct {
	cfg   Config
	path  string // stream path, e.g. "/Streaming/Channels/101"
	state State

	conn    net.Conn
	br      *bufio.Reader
	cseq    int
	session string
	authz   string // cached Authorization value after a digest challenge
}

// NewRTSPConnection builds a connection for an explicit stream path.
func NewRTSPConnection(cfg Config, path string) *RTSPConnection {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &RTSPConnection{cfg: cfg.withPortDefaults(), path: path, state: StateDisconnected}
}

func (c *RTSPConnection) State() State { return c.state }

func (c *RTSPConnection) Capabilities() Capabilities {
	return Capabilities{} // transport only
}

// StreamURL returns the credentialed RTSP URL for the relay subprocess.
func (c *RTSPConnection) StreamURL() string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(c.cfg.IP, strconv.Itoa(c.cfg.RTSPPort)),
		Path:   c.path,
	}
	if c.cfg.Username != "" {
		u.User = url.UserPassword(c.cfg.Username, c.cfg.Password)
	}
	return u.String()
}

// bareURL is the request URL without credentials; auth goes in headers.
func (c *RTSPConnection) bareURL() string {
	return fmt.Sprintf("rtsp://%s%s",
		net.JoinHostPort(c.cfg.IP, strconv.Itoa(c.cfg.RTSPPort)), c.path)
}

// Connect dials the camera and performs OPTIONS + DESCRIBE. A socket that
// opens but fails the handshake is closed before returning.
func (c *RTSPConnection) Connect(ctx context.Context) error {
	if c.state == StateConnected || c.state == StateStreaming {
		return nil
	}
	c.state = StateConnecting

	d := net.Dialer{Timeout: rtspIOTimeout}
	conn, err := d.DialContext(ctx, "tcp",
		net.JoinHostPort(c.cfg.IP, strconv.Itoa(c.cfg.RTSPPort)))
	if err != nil {
		c.state = StateError
		return newError(CodeConnectionFailed, "camera unreachable", err)
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)

	if err := c.handshake(); err != nil {
		c.teardown()
		c.state = StateError
		return err
	}

	c.state = StateConnected
	return nil
}

func (c *RTSPConnection) handshake() error {
	status, _, _, err := c.request("OPTIONS", c.bareURL(), nil)
	if err != nil {
		return newError(CodeConnectionFailed, "RTSP OPTIONS failed", err)
	}
	if status == 401 || status == 403 {
		return newError(CodeAuthFailed, "camera rejected credentials", nil)
	}
	if status != 200 {
		return newError(CodeConnectionFailed, fmt.Sprintf("RTSP OPTIONS returned %d", status), nil)
	}

	status, _, body, err := c.request("DESCRIBE", c.bareURL(),
		map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return newError(CodeConnectionFailed, "RTSP DESCRIBE failed", err)
	}
	switch {
	case status == 401 || status == 403:
		return newError(CodeAuthFailed, "camera rejected credentials", nil)
	case status == 404:
		return newError(CodeStreamUnavailable, "stream path not found", nil)
	case status != 200:
		return newError(CodeConnectionFailed, fmt.Sprintf("RTSP DESCRIBE returned %d", status), nil)
	}
	if !strings.Contains(body, "m=video") {
		return newError(CodeStreamUnavailable, "no video media in SDP", nil)
	}
	return nil
}

func (c *RTSPConnection) IsAlive() bool {
	if c.conn == nil || (c.state != StateConnected && c.state != StateStreaming) {
		return false
	}
	status, _, _, err := c.request("OPTIONS", c.bareURL(), nil)
	return err == nil && status == 200
}

// GetFrame returns one interleaved RTP packet. The stream is set up lazily on
// the first pull. A read timeout yields (nil, nil).
func (c *RTSPConnection) GetFrame(ctx context.Context) (*Frame, error) {
	if c.conn == nil {
		return nil, newError(CodeConnectionFailed, "not connected", nil)
	}
	if c.state != StateStreaming {
		if err := c.play(); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(rtspReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	data, err := c.readInterleaved()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		c.state = StateError
		return nil, newError(CodeConnectionFailed, "stream read failed", err)
	}
	return &Frame{Data: data, CapturedAt: time.Now()}, nil
}

// play issues SETUP (TCP interleaved) for the first media and PLAY.
func (c *RTSPConnection) play() error {
	setupURL := c.bareURL() + "/trackID=0"
	status, headers, _, err := c.request("SETUP", setupURL,
		map[string]string{"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1"})
	if err != nil {
		return newError(CodeConnectionFailed, "RTSP SETUP failed", err)
	}
	if status != 200 {
		return newError(CodeStreamUnavailable, fmt.Sprintf("RTSP SETUP returned %d", status), nil)
	}
	if sess := headers["session"]; sess != "" {
		c.session = strings.SplitN(sess, ";", 2)[0]
	}

	status, _, _, err = c.request("PLAY", c.bareURL(), map[string]string{"Range": "npt=0.000-"})
	if err != nil {
		return newError(CodeConnectionFailed, "RTSP PLAY failed", err)
	}
	if status != 200 {
		return newError(CodeStreamUnavailable, fmt.Sprintf("RTSP PLAY returned %d", status), nil)
	}

	c.state = StateStreaming
	return nil
}

func (c *RTSPConnection) Disconnect() error {
	if c.conn == nil {
		c.state = StateDisconnected
		return nil
	}
	if c.session != "" {
		c.request("TEARDOWN", c.bareURL(), nil)
	}
	c.teardown()
	c.state = StateDisconnected
	return nil
}

func (c *RTSPConnection) teardown() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.br = nil
	}
	c.session = ""
}

// request writes one RTSP request and reads the response. On a digest 401 it
// retries once with an Authorization header.
func (c *RTSPConnection) request(method, reqURL string, headers map[string]string) (int, map[string]string, string, error) {
	status, respHeaders, body, err := c.rawRequest(method, reqURL, headers)
	if err != nil {
		return 0, nil, "", err
	}

	if status == 401 && c.cfg.Username != "" {
		challenge := respHeaders["www-authenticate"]
		if strings.HasPrefix(strings.ToLower(challenge), "digest ") {
			params := parseChallenge(challenge)
			authz, aerr := buildAuthorization(c.cfg.Username, c.cfg.Password, method, reqURL, params)
			if aerr != nil {
				return status, respHeaders, body, nil
			}
			c.authz = authz
			return c.rawRequest(method, reqURL, headers)
		}
	}
	return status, respHeaders, body, nil
}

func (c *RTSPConnection) rawRequest(method, reqURL string, headers map[string]string) (int, map[string]string, string, error) {
	c.cseq++

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\nCSeq: %d\r\nUser-Agent: %s\r\n", method, reqURL, c.cseq, rtspUserAgent)
	if c.authz != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", c.authz)
	}
	if c.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", c.session)
	}
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	c.conn.SetWriteDeadline(time.Now().Add(rtspIOTimeout))
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return 0, nil, "", err
	}

	c.conn.SetReadDeadline(time.Now().Add(rtspIOTimeout))
	statusLine, err := c.br.ReadString('\n')
	if err != nil {
		return 0, nil, "", err
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return 0, nil, "", fmt.Errorf("malformed RTSP status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, "", fmt.Errorf("malformed RTSP status code in %q", statusLine)
	}

	respHeaders := map[string]string{}
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return 0, nil, "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if kv := strings.SplitN(line, ":", 2); len(kv) == 2 {
			respHeaders[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}

	var body string
	if cl := respHeaders["content-length"]; cl != "" {
		n, _ := strconv.Atoi(cl)
		if n > 0 {
			buf := make([]byte, n)
			if _, err := io.ReadFull(c.br, buf); err != nil {
				return 0, nil, "", err
			}
			body = string(buf)
		}
	}
	return status, respHeaders, body, nil
}

// readInterleaved reads one `$ <channel> <len>` framed packet, skipping any
// stray response bytes until a frame marker is found.
func (c *RTSPConnection) readInterleaved() ([]byte, error) {
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != '$' {
			continue
		}
		header := make([]byte, 3)
		if _, err := io.ReadFull(c.br, header); err != nil {
			return nil, err
		}
		size := int(header[1])<<8 | int(header[2])
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
