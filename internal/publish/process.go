// Package publish is the publishing orchestrator: it resolves camera
// stream URLs, supervises one relay subprocess per publishing camera,
// records state, metrics and history, and exposes start/stop/status
// operations.
package publish

import (
	"bufio"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-relay/internal/relay"
)

// Publication statuses persisted in publish_states.status.
const (
	StatusIdle       = "idle"
	StatusStarting   = "starting"
	StatusPublishing = "publishing"
	StatusError      = "error"
	StatusStopped    = "stopped"
)

// Termination reasons recorded in publish_history.end_reason.
const (
	EndReasonStopped  = "stopped"
	EndReasonError    = "error"
	EndReasonShutdown = "shutdown"
)

// Error codes carried by Result on top of those defined by the conn
// and mediamtx packages.
const (
	CodeAlreadyPublishing = "ALREADY_PUBLISHING"
	CodeProcessCrashed    = "PROCESS_CRASHED"
	CodeServiceError      = "SERVICE_ERROR"
)

// Result is the structured outcome of a public orchestrator
// operation. Errors never cross the boundary as panics or raw
// transport failures.
type Result struct {
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	CameraID      uuid.UUID `json:"camera_id"`
	PublicationID uuid.UUID `json:"publication_id,omitempty"`
	PathName      string    `json:"path_name,omitempty"`
	Status        string    `json:"status"`
}

func failure(cameraID uuid.UUID, code, msg string) *Result {
	return &Result{CameraID: cameraID, Status: StatusError, Error: msg, ErrorCode: code}
}

// Proc is the slice of relay.Process the orchestrator depends on.
type Proc interface {
	PID() int
	StartedAt() time.Time
	Lines() *bufio.Scanner
	Done() <-chan struct{}
	Wait() (int, error)
	Terminate(grace time.Duration) (int, error)
}

var _ Proc = (*relay.Process)(nil)

// publisherProcess is the in-memory record of one live publication.
// Exactly one exists per camera id; it exclusively owns the OS
// process handle.
type publisherProcess struct {
	cameraID      uuid.UUID
	publicationID uuid.UUID
	configID      uuid.UUID
	pathName      string
	sourceURL     string
	proc          Proc
	startedAt     time.Time

	mu sync.Mutex
	// stopping is set before a deliberate terminate so the monitor
	// does not treat the exit as a crash.
	stopping bool
	latest   relay.Metrics
	dropped  int64
	viewers  int
	lastErr  string
}

func (p *publisherProcess) setMetrics(m *relay.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Frames < p.latest.Frames {
		// ffmpeg restarted its counter; treat the gap as drops.
		p.dropped += p.latest.Frames - m.Frames
	}
	p.latest = *m
}

func (p *publisherProcess) setLastError(msg string) {
	p.mu.Lock()
	p.lastErr = msg
	p.mu.Unlock()
}

func (p *publisherProcess) setViewers(n int) {
	p.mu.Lock()
	p.viewers = n
	p.mu.Unlock()
}

func (p *publisherProcess) snapshot() (relay.Metrics, int64, int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.dropped, p.viewers, p.lastErr
}
