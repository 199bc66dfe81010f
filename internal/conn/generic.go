package conn

import (
	"context"
	"strings"
)

// brandPaths are RTSP path templates probed in order by the generic fallback.
// First DESCRIBE that answers 200 wins.
var brandPaths = map[string][]string{
	BrandDahua:     {"/cam/realmonitor?channel=1&subtype=0", "/live"},
	BrandSteren:    {"/cam/realmonitor?channel=1&subtype=0", "/live/ch00_0", "/live"},
	BrandTapo:      {"/stream1", "/stream2"},
	BrandHikvision: {"/Streaming/Channels/101", "/Streaming/Channels/102", "/h264/ch1/main/av_stream"},
	BrandGeneric:   {"/stream1", "/live", "/h264", "/video1", "/ch0_0.h264", "/11"},
}

// GenericConnection probes common path templates for the configured brand and
// then behaves as a plain RTSP connection on the first path that answers.
type GenericConnection struct {
	RTSPConnection
	candidates []string
}

func NewGenericConnection(cfg Config) *GenericConnection {
	cfg = cfg.withPortDefaults()
	paths, ok := brandPaths[strings.ToLower(cfg.Brand)]
	if !ok {
		paths = brandPaths[BrandGeneric]
	}
	g := &GenericConnection{candidates: paths}
	g.RTSPConnection = *NewRTSPConnection(cfg, paths[0])
	return g
}

// Connect tries each candidate path until one completes the RTSP handshake.
// Auth rejections abort immediately: retrying other paths with bad
// credentials only trips camera lockouts.
func (g *GenericConnection) Connect(ctx context.Context) error {
	var lastErr error
	for _, path := range g.candidates {
		g.RTSPConnection = *NewRTSPConnection(g.cfg, path)
		err := g.RTSPConnection.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if CodeOf(err) == CodeAuthFailed {
			return err
		}
		if ctx.Err() != nil {
			return newError(CodeConnectionFailed, "probe cancelled", ctx.Err())
		}
	}
	if lastErr == nil {
		lastErr = newError(CodeStreamUnavailable, "no candidate paths", nil)
	}
	return lastErr
}
