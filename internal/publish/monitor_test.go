package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/technosupport/ts-relay/internal/conn"
	"github.com/technosupport/ts-relay/internal/data"
)

func TestBackoffDelayLinearWithCap(t *testing.T) {
	cfg := &data.PublishConfig{ReconnectDelayMS: 2000}
	maxDelay := 7 * time.Second

	var prev time.Duration
	for count := 1; count <= 6; count++ {
		d := backoffDelay(cfg, count, maxDelay)
		assert.GreaterOrEqual(t, d, prev, "backoff must be non-decreasing")
		assert.LessOrEqual(t, d, maxDelay)
		prev = d
	}

	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 1, maxDelay))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 2, maxDelay))
	assert.Equal(t, 6*time.Second, backoffDelay(cfg, 3, maxDelay))
	assert.Equal(t, maxDelay, backoffDelay(cfg, 4, maxDelay))
	assert.Equal(t, maxDelay, backoffDelay(cfg, 100, maxDelay))
}

func TestBackoffDelayZeroConfig(t *testing.T) {
	cfg := &data.PublishConfig{}
	assert.Equal(t, time.Second, backoffDelay(cfg, 1, 30*time.Second))
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		lastErr  string
		exitCode int
		wantCode string
	}{
		{"Camera rejected the credentials (401). Check the configured username and password.", 1, conn.CodeAuthFailed},
		{"Camera refused the connection. Check that the camera is online and the RTSP port is correct.", 1, conn.CodeConnectionFailed},
		{"Connection to the camera timed out. Check network reachability and firewall rules.", 1, conn.CodeConnectionFailed},
		{"Stream path not found on the camera (404). Check the channel and stream path.", 1, conn.CodeStreamUnavailable},
		{"The camera stream uses a codec the relay cannot copy. Change the camera encoding.", 1, conn.CodeStreamUnavailable},
		{"", 139, CodeProcessCrashed},
		{"something odd happened", 1, CodeProcessCrashed},
	}
	for _, tc := range tests {
		code, msg := classifyExit(tc.exitCode, tc.lastErr)
		assert.Equal(t, tc.wantCode, code, "lastErr=%q", tc.lastErr)
		assert.NotEmpty(t, msg)
	}
}

func TestClassifyExitMessageCarriesExitCode(t *testing.T) {
	_, msg := classifyExit(139, "")
	assert.Contains(t, msg, "139")
}

func TestReaderProtocol(t *testing.T) {
	assert.Equal(t, "rtsp", readerProtocol("rtspSession"))
	assert.Equal(t, "rtmp", readerProtocol("rtmpConn"))
	assert.Equal(t, "hls", readerProtocol("hlsMuxer"))
	assert.Equal(t, "webrtc", readerProtocol("webRTCSession"))
	assert.Equal(t, "srt", readerProtocol("srtConn"))
	assert.Equal(t, "unknown", readerProtocol(""))
	assert.Equal(t, "newThing", readerProtocol("newThing"))
}

func TestExpandPathTemplate(t *testing.T) {
	cam := &data.Camera{ID: mustUUID("0d1f2e3a-0000-0000-0000-000000000001"), Name: "Front Door 2.0"}

	assert.Equal(t, "cam_0d1f2e3a-0000-0000-0000-000000000001", expandPathTemplate("", cam))
	assert.Equal(t, "front-door-2-0", expandPathTemplate("{name}", cam))
	assert.Equal(t, "lobby/cam_0d1f2e3a-0000-0000-0000-000000000001", expandPathTemplate("lobby/cam_{id}", cam))
}

func TestQualityScore(t *testing.T) {
	assert.Equal(t, 100, qualityScore(25, 1000, 0))
	assert.Equal(t, 100, qualityScore(30, 1000, 0))
	assert.Equal(t, 0, qualityScore(0, 0, 0))

	// Half the reference frame rate loses half the fps budget.
	assert.Equal(t, 70, qualityScore(12.5, 1000, 0))

	// Drops eat into the 40-point drop budget.
	degraded := qualityScore(25, 900, 100)
	assert.Less(t, degraded, 100)
	assert.Greater(t, degraded, 90)

	// Everything wrong bottoms out at zero.
	assert.Equal(t, 0, qualityScore(0.1, 1, 1000))
}
