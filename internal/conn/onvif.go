package conn

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ONVIFConnection talks to a camera through the ONVIF device and media
// services. Connect discovers the media profiles and resolves the RTSP stream
// URI; GetFrame pulls a JPEG from the snapshot URI.
type ONVIFConnection struct {
	cfg   Config
	state State

	http      *http.Client
	deviceURL string
	mediaURL  string

	profileToken string
	streamURI    string
	snapshotURI  string
	hasPTZ       bool
}

func NewONVIFConnection(cfg Config) *ONVIFConnection {
	cfg = cfg.withPortDefaults()
	return &ONVIFConnection{
		cfg:   cfg,
		state: StateDisconnected,
		http:  &http.Client{Timeout: 5 * time.Second},
		deviceURL: fmt.Sprintf("http://%s/onvif/device_service",
			net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.ONVIFPort))),
	}
}

func (c *ONVIFConnection) State() State { return c.state }

func (c *ONVIFConnection) Capabilities() Capabilities {
	return Capabilities{PTZ: c.hasPTZ, Presets: c.hasPTZ, Snapshot: c.snapshotURI != ""}
}

// StreamURL returns the discovered RTSP URI with credentials injected, since
// ONVIF GetStreamUri responses never carry them.
func (c *ONVIFConnection) StreamURL() string {
	if c.streamURI == "" {
		return ""
	}
	u, err := url.Parse(c.streamURI)
	if err != nil {
		return c.streamURI
	}
	if c.cfg.Username != "" {
		u.User = url.UserPassword(c.cfg.Username, c.cfg.Password)
	}
	return u.String()
}

// Connect resolves capabilities, profiles and the stream URI. Any failure
// resets the discovered state; there is no socket to leak, only staleness.
func (c *ONVIFConnection) Connect(ctx context.Context) error {
	c.state = StateConnecting

	if err := c.discover(ctx); err != nil {
		c.reset()
		c.state = StateError
		return err
	}

	c.state = StateConnected
	return nil
}

func (c *ONVIFConnection) discover(ctx context.Context) error {
	mediaURL, ptz, err := c.getCapabilities(ctx)
	if err != nil {
		return err
	}
	if mediaURL == "" {
		return newError(CodeStreamUnavailable, "device exposes no media service", nil)
	}
	c.mediaURL = mediaURL
	c.hasPTZ = ptz

	profiles, err := c.getProfiles(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return newError(CodeStreamUnavailable, "device has no media profiles", nil)
	}
	c.profileToken = profiles[0].Token

	streamURI, err := c.getStreamURI(ctx, c.profileToken)
	if err != nil {
		return err
	}
	c.streamURI = streamURI

	// Snapshot URI is optional; ignore failures.
	if uri, err := c.getSnapshotURI(ctx, c.profileToken); err == nil {
		c.snapshotURI = uri
	}
	return nil
}

func (c *ONVIFConnection) IsAlive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.getCapabilities(ctx)
	return err == nil
}

// GetFrame fetches one snapshot from the discovered snapshot URI.
func (c *ONVIFConnection) GetFrame(ctx context.Context) (*Frame, error) {
	if c.state != StateConnected && c.state != StateStreaming {
		return nil, newError(CodeConnectionFailed, "not connected", nil)
	}
	if c.snapshotURI == "" {
		return nil, newError(CodeStreamUnavailable, "device exposes no snapshot URI", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURI, nil)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "bad snapshot request", err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "snapshot fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, newError(CodeAuthFailed, "camera rejected credentials", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newError(CodeConnectionFailed, fmt.Sprintf("snapshot returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, newError(CodeConnectionFailed, "snapshot read failed", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	c.state = StateStreaming
	return &Frame{Data: data, CapturedAt: time.Now()}, nil
}

func (c *ONVIFConnection) Disconnect() error {
	c.http.CloseIdleConnections()
	c.reset()
	c.state = StateDisconnected
	return nil
}

func (c *ONVIFConnection) reset() {
	c.mediaURL = ""
	c.profileToken = ""
	c.streamURI = ""
	c.snapshotURI = ""
}

func (c *ONVIFConnection) Snapshot(ctx context.Context, filePath string) error {
	frame, err := c.GetFrame(ctx)
	if err != nil {
		return err
	}
	if frame == nil {
		return newError(CodeStreamUnavailable, "snapshot yielded no data", nil)
	}
	if err := os.WriteFile(filePath, frame.Data, 0o644); err != nil {
		return newError(CodeConnectionFailed, "snapshot write failed", err)
	}
	return nil
}

// --- PTZ (ONVIF PTZ service via the media endpoint) ---

func (c *ONVIFConnection) PTZMove(ctx context.Context, pan, tilt, zoom float64) error {
	if !c.hasPTZ {
		return newError(CodeStreamUnavailable, "device reports no PTZ support", nil)
	}
	body := fmt.Sprintf(`<tptz:ContinuousMove xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:Velocity>
			<PanTilt xmlns="http://www.onvif.org/ver10/schema" x="%.2f" y="%.2f"/>
			<Zoom xmlns="http://www.onvif.org/ver10/schema" x="%.2f"/>
		</tptz:Velocity>
	</tptz:ContinuousMove>`, c.profileToken, pan, tilt, zoom)
	if _, err := c.soap(ctx, c.mediaURL, body); err != nil {
		return err
	}

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}

	stop := fmt.Sprintf(`<tptz:Stop xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:PanTilt>true</tptz:PanTilt>
		<tptz:Zoom>true</tptz:Zoom>
	</tptz:Stop>`, c.profileToken)
	_, err := c.soap(ctx, c.mediaURL, stop)
	return err
}

func (c *ONVIFConnection) GotoPreset(ctx context.Context, preset int) error {
	if !c.hasPTZ {
		return newError(CodeStreamUnavailable, "device reports no PTZ support", nil)
	}
	body := fmt.Sprintf(`<tptz:GotoPreset xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:PresetToken>%d</tptz:PresetToken>
	</tptz:GotoPreset>`, c.profileToken, preset)
	_, err := c.soap(ctx, c.mediaURL, body)
	return err
}

func (c *ONVIFConnection) SetPreset(ctx context.Context, preset int, name string) error {
	if !c.hasPTZ {
		return newError(CodeStreamUnavailable, "device reports no PTZ support", nil)
	}
	body := fmt.Sprintf(`<tptz:SetPreset xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:PresetName>%s</tptz:PresetName>
		<tptz:PresetToken>%d</tptz:PresetToken>
	</tptz:SetPreset>`, c.profileToken, name, preset)
	_, err := c.soap(ctx, c.mediaURL, body)
	return err
}

// --- SOAP plumbing ---

type onvifProfile struct {
	Name  string `xml:"Name"`
	Token string `xml:"token,attr"`
}

func (c *ONVIFConnection) getCapabilities(ctx context.Context) (mediaURL string, ptz bool, err error) {
	body := `<tds:GetCapabilities xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
		<tds:Category>All</tds:Category>
	</tds:GetCapabilities>`
	resp, err := c.soap(ctx, c.deviceURL, body)
	if err != nil {
		return "", false, err
	}

	var parsed struct {
		Body struct {
			GetCapabilitiesResponse struct {
				Capabilities struct {
					Media struct {
						XAddr string `xml:"XAddr"`
					} `xml:"Media"`
					PTZ struct {
						XAddr string `xml:"XAddr"`
					} `xml:"PTZ"`
				} `xml:"Capabilities"`
			} `xml:"GetCapabilitiesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", false, newError(CodeConnectionFailed, "malformed capabilities response", err)
	}
	caps := parsed.Body.GetCapabilitiesResponse.Capabilities
	return caps.Media.XAddr, caps.PTZ.XAddr != "", nil
}

func (c *ONVIFConnection) getProfiles(ctx context.Context) ([]onvifProfile, error) {
	resp, err := c.soap(ctx, c.mediaURL, `<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body struct {
			GetProfilesResponse struct {
				Profiles []onvifProfile `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, newError(CodeConnectionFailed, "malformed profiles response", err)
	}
	return parsed.Body.GetProfilesResponse.Profiles, nil
}

func (c *ONVIFConnection) getStreamURI(ctx context.Context, token string) (string, error) {
	body := fmt.Sprintf(`<trt:GetStreamUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
		<trt:StreamSetup>
			<trt:Stream xmlns:tt="http://www.onvif.org/ver10/schema">tt:RTP-Unicast</trt:Stream>
			<trt:Transport xmlns:tt="http://www.onvif.org/ver10/schema">
				<tt:Protocol>tt:RTSP</tt:Protocol>
			</trt:Transport>
		</trt:StreamSetup>
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetStreamUri>`, token)

	resp, err := c.soap(ctx, c.mediaURL, body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Body struct {
			GetStreamUriResponse struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetStreamUriResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", newError(CodeConnectionFailed, "malformed stream URI response", err)
	}
	uri := parsed.Body.GetStreamUriResponse.MediaUri.Uri
	if uri == "" {
		return "", newError(CodeStreamUnavailable, "device returned empty stream URI", nil)
	}
	return uri, nil
}

func (c *ONVIFConnection) getSnapshotURI(ctx context.Context, token string) (string, error) {
	body := fmt.Sprintf(`<trt:GetSnapshotUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetSnapshotUri>`, token)

	resp, err := c.soap(ctx, c.mediaURL, body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Body struct {
			GetSnapshotUriResponse struct {
				MediaUri struct {
					Uri string `xml:"Uri"`
				} `xml:"MediaUri"`
			} `xml:"GetSnapshotUriResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	return parsed.Body.GetSnapshotUriResponse.MediaUri.Uri, nil
}

func (c *ONVIFConnection) soap(ctx context.Context, endpoint, bodyInner string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`
	payload := fmt.Sprintf(envelope, c.securityHeader(), bodyInner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(payload))
	if err != nil {
		return nil, newError(CodeConnectionFailed, "bad SOAP request", err)
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action=""`)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(CodeConnectionFailed, "device unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, newError(CodeConnectionFailed, "SOAP read failed", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, newError(CodeAuthFailed, "device rejected credentials", nil)
	}
	if resp.StatusCode != http.StatusOK {
		if strings.Contains(string(raw), "NotAuthorized") {
			return nil, newError(CodeAuthFailed, "device rejected WS-Security token", nil)
		}
		return nil, newError(CodeConnectionFailed, fmt.Sprintf("SOAP fault, status %d", resp.StatusCode), nil)
	}
	return raw, nil
}

// securityHeader builds a WS-Security UsernameToken with PasswordDigest:
// Base64(SHA1(nonce + created + password)), nonce carried base64-encoded.
func (c *ONVIFConnection) securityHeader() string {
	if c.cfg.Username == "" {
		return ""
	}
	nonceRaw := make([]byte, 16)
	rand.Read(nonceRaw)
	created := time.Now().UTC().Format(time.RFC3339)

	h := sha1.New()
	h.Write(nonceRaw)
	h.Write([]byte(created))
	h.Write([]byte(c.cfg.Password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
		<UsernameToken>
			<Username>%s</Username>
			<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
			<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
			<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
		</UsernameToken>
	</Security>`, c.cfg.Username, digest, base64.StdEncoding.EncodeToString(nonceRaw), created)
}
