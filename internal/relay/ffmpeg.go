// Package relay wraps the ffmpeg binary used to copy camera streams
// into the media server. It owns binary discovery, argument
// construction, process lifecycle and the parsing of ffmpeg's
// stderr output into metrics and categorized errors.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ioTimeoutMicros is passed to ffmpeg's -timeout flag, which expects
// microseconds for RTSP inputs.
const ioTimeoutMicros = "5000000"

// commandContext is swappable so tests can substitute a stub binary.
var commandContext = exec.CommandContext // for test

// Manager resolves and caches the relay binary, builds its argument
// lists and spawns relay processes.
type Manager struct {
	binary string

	mu      sync.Mutex
	checked bool
	ok      bool
	path    string
	version string
}

// NewManager returns a Manager for the given binary name or path.
// An empty name defaults to "ffmpeg" resolved via PATH.
func NewManager(binary string) *Manager {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Manager{binary: binary}
}

// CheckAvailable resolves the binary path and probes its version. The
// check runs synchronously and the result is cached for the lifetime
// of the Manager.
func (m *Manager) CheckAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checked {
		return m.ok
	}
	m.checked = true

	path, err := exec.LookPath(m.binary)
	if err != nil {
		return false
	}

	out, err := versionOutput(path)
	if err != nil {
		return false
	}

	m.path = path
	m.version = parseVersion(out)
	m.ok = true
	return true
}

// Path returns the resolved binary path, or the configured name if
// CheckAvailable has not succeeded.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		return m.path
	}
	return m.binary
}

// Version returns the version string captured by CheckAvailable.
func (m *Manager) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

var versionOutput = func(path string) (string, error) { // for test
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	return string(out), err
}

func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	const prefix = "ffmpeg version "
	if strings.HasPrefix(line, prefix) {
		v, _, _ := strings.Cut(line[len(prefix):], " ")
		return v
	}
	return strings.TrimSpace(line)
}

// BuildArgs assembles the relay argument list: stream copy, forced
// transport on RTSP input, a bounded I/O timeout and an output
// container selected by the destination scheme.
func (m *Manager) BuildArgs(sourceURL, destURL, transport string) ([]string, error) {
	args := []string{"-nostdin", "-loglevel", "warning", "-stats"}

	if strings.HasPrefix(sourceURL, "rtsp://") {
		if transport != "tcp" && transport != "udp" {
			transport = "tcp"
		}
		args = append(args, "-rtsp_transport", transport, "-timeout", ioTimeoutMicros)
	}

	args = append(args, "-i", sourceURL, "-c", "copy")

	switch {
	case strings.HasPrefix(destURL, "rtsp://"):
		args = append(args, "-f", "rtsp", destURL)
	case strings.HasPrefix(destURL, "rtmp://"):
		args = append(args, "-f", "flv", destURL)
	default:
		return nil, fmt.Errorf("relay: unsupported destination scheme in %q", destURL)
	}
	return args, nil
}

// Start spawns a relay process. The returned Process owns the OS
// handle; callers read stderr lines via Lines and must end the
// process with Terminate or Wait.
func (m *Manager) Start(ctx context.Context, args []string) (*Process, error) {
	cmd := commandContext(ctx, m.Path(), args...)
	cmd.Stdin = nil

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("relay: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("relay: start %s: %w", m.binary, err)
	}

	pr, pw := io.Pipe()
	p := &Process{
		cmd:        cmd,
		stderr:     pr,
		started:    time.Now(),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.pump(stderr, pw)
	go p.reap()
	return p, nil
}

// Process is one running relay subprocess. Callers must drain Lines:
// stderr is pumped through an internal pipe so the process is not
// reaped until its final diagnostic lines have been read.
type Process struct {
	cmd     *exec.Cmd
	stderr  *io.PipeReader
	started time.Time

	stderrDone chan struct{}
	done       chan struct{}
	waitErr    error
}

// pump copies the subprocess's stderr into the internal pipe and
// signals the reaper once the copy hits EOF. Calling Wait earlier
// would close the OS pipe under the scanner and could drop the fatal
// diagnostic that exit classification depends on.
func (p *Process) pump(stderr io.Reader, pw *io.PipeWriter) {
	_, err := io.Copy(pw, stderr)
	pw.CloseWithError(err)
	close(p.stderrDone)
}

func (p *Process) reap() {
	<-p.stderrDone
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.started }

// Lines returns a scanner over the process's stderr. ffmpeg emits
// both -stats progress and errors there; progress updates end in \r,
// so the scanner splits on either \r or \n.
func (p *Process) Lines() *bufio.Scanner {
	sc := bufio.NewScanner(p.stderr)
	sc.Split(scanCRLines)
	return sc
}

func scanCRLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode(), p.waitErr
}

func (p *Process) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Terminate asks the process to exit, waits up to grace and then
// kills it. Safe to call after the process has already exited.
func (p *Process) Terminate(grace time.Duration) (int, error) {
	select {
	case <-p.done:
		return p.exitCode(), nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have exited between the check and the signal.
		<-p.done
		return p.exitCode(), nil
	}

	select {
	case <-p.done:
		return p.exitCode(), nil
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return -1, fmt.Errorf("relay: kill pid %d: %w", p.PID(), err)
	}
	<-p.done
	return p.exitCode(), nil
}
