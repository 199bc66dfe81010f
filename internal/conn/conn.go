package conn

import (
	"context"
	"time"
)

// State of a camera connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Brand identifiers. Unknown brands fall back to the generic prober.
const (
	BrandDahua     = "dahua"
	BrandTapo      = "tapo"
	BrandSteren    = "steren"
	BrandHikvision = "hikvision"
	BrandONVIF     = "onvif"
	BrandGeneric   = "generic"
)

// Config is everything needed for one connection attempt. Immutable per
// attempt; passed by value.
type Config struct {
	IP        string
	Username  string
	Password  string
	AuthType  string // "basic", "digest"; empty means digest for CGI brands
	RTSPPort  int
	ONVIFPort int
	HTTPPort  int
	Brand     string
}

func (c Config) withPortDefaults() Config {
	if c.RTSPPort == 0 {
		c.RTSPPort = 554
	}
	if c.ONVIFPort == 0 {
		c.ONVIFPort = 80
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 80
	}
	return c
}

// Frame is one pulled media unit: an interleaved RTP packet for RTSP
// transports, a JPEG for snapshot transports.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Capabilities advertises what a connection variant supports. Explicit fields,
// no runtime probing.
type Capabilities struct {
	PTZ      bool
	Presets  bool
	Snapshot bool
}

// Connection is a live handle to one camera over one protocol. Implementations
// guarantee that a failed Connect leaves no open transport handle, and that
// Connect verifies liveness with at least one successful read or call.
type Connection interface {
	Connect(ctx context.Context) error
	IsAlive() bool
	// GetFrame performs a single synchronous pull. Returns (nil, nil) when the
	// underlying read yields no data.
	GetFrame(ctx context.Context) (*Frame, error)
	Disconnect() error

	State() State
	Capabilities() Capabilities
	// StreamURL is the resolved source URL the relay subprocess consumes.
	// Empty until Connect succeeds on variants that discover it dynamically.
	StreamURL() string
}

// PTZController is implemented by variants whose Capabilities report PTZ.
type PTZController interface {
	PTZMove(ctx context.Context, pan, tilt, zoom float64) error
	GotoPreset(ctx context.Context, preset int) error
	SetPreset(ctx context.Context, preset int, name string) error
}

// Snapshotter is implemented by variants that can write a still to disk.
type Snapshotter interface {
	Snapshot(ctx context.Context, filePath string) error
}
