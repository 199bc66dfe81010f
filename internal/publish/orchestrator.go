package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-relay/internal/conn"
	"github.com/technosupport/ts-relay/internal/data"
	"github.com/technosupport/ts-relay/internal/mediamtx"
	"github.com/technosupport/ts-relay/internal/metrics"
	"github.com/technosupport/ts-relay/internal/relay"
)

// PathClient is the slice of the MediaMTX client the orchestrator
// uses. Nil disables control-plane integration.
type PathClient interface {
	CheckHealth(ctx context.Context) bool
	GetPathInfo(ctx context.Context, name string) (*mediamtx.PathInfo, error)
	KickPublisher(ctx context.Context, name string) (bool, error)
	WaitForPath(ctx context.Context, name string, timeout, pollInterval time.Duration) (bool, error)
}

// Runner spawns relay subprocesses.
type Runner interface {
	CheckAvailable() bool
	BuildArgs(sourceURL, destURL, transport string) ([]string, error)
	Start(ctx context.Context, args []string) (Proc, error)
}

// relayRunner adapts *relay.Manager to the Runner interface.
type relayRunner struct{ m *relay.Manager }

// NewRelayRunner wraps a relay.Manager for use by the orchestrator.
func NewRelayRunner(m *relay.Manager) Runner { return relayRunner{m} }

func (r relayRunner) CheckAvailable() bool { return r.m.CheckAvailable() }
func (r relayRunner) BuildArgs(src, dst, transport string) ([]string, error) {
	return r.m.BuildArgs(src, dst, transport)
}
func (r relayRunner) Start(ctx context.Context, args []string) (Proc, error) {
	return r.m.Start(ctx, args)
}

// Options tunes the orchestrator's timing behavior.
type Options struct {
	SampleInterval time.Duration
	ViewerPoll     time.Duration
	StopGrace      time.Duration
	BackoffCap     time.Duration
	PathWait       time.Duration
}

func (o Options) withDefaults() Options {
	if o.SampleInterval <= 0 {
		o.SampleInterval = 5 * time.Second
	}
	if o.ViewerPoll <= 0 {
		o.ViewerPoll = 10 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.PathWait <= 0 {
		o.PathWait = 10 * time.Second
	}
	return o
}

// Orchestrator runs the publication state machine. All public
// operations are safe for concurrent use; per-camera transitions are
// strictly sequential.
type Orchestrator struct {
	store  *Store
	runner Runner
	mtx    PathClient
	events EventSink
	live   *LiveCache
	logger *log.Logger
	opts   Options

	// resolveSource is swapped in tests to avoid dialing real cameras.
	resolveSource func(ctx context.Context, cam *data.Camera) (string, error)

	mu    sync.Mutex
	procs map[uuid.UUID]*publisherProcess
	// retryGen invalidates scheduled reconnects: an explicit operator
	// start or stop bumps the camera's generation, and a backoff retry
	// only fires if the generation it captured is still current.
	retryGen map[uuid.UUID]uint64
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New builds an Orchestrator. mtx and live may be nil; events may be
// nil when no broker is configured.
func New(store *Store, runner Runner, mtx PathClient, events EventSink, live *LiveCache, logger *log.Logger, opts Options) *Orchestrator {
	if events == nil {
		events = nopEvents{}
	}
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		store:    store,
		runner:   runner,
		mtx:      mtx,
		events:   events,
		live:     live,
		logger:   logger,
		opts:     opts.withDefaults(),
		procs:    make(map[uuid.UUID]*publisherProcess),
		retryGen: make(map[uuid.UUID]uint64),
		shutdown: make(chan struct{}),
	}
	o.resolveSource = o.resolveSourceURL
	return o
}

// StartPublishing begins relaying a camera into the active
// destination. When the camera is already publishing and force is
// false, it returns a conflict without side effects; with force it
// stops the existing publication first.
func (o *Orchestrator) StartPublishing(ctx context.Context, cameraID uuid.UUID, force bool) *Result {
	lock := o.store.CameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()
	o.cancelRetries(cameraID)
	return o.startLocked(ctx, cameraID, force, 0)
}

// cancelRetries supersedes any reconnect scheduled before the current
// operator action. Called with the camera lock held.
func (o *Orchestrator) cancelRetries(cameraID uuid.UUID) {
	o.mu.Lock()
	o.retryGen[cameraID]++
	o.mu.Unlock()
}

// retryToken captures the camera's current retry generation.
func (o *Orchestrator) retryToken(cameraID uuid.UUID) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryGen[cameraID]
}

// startLocked runs with the camera lock held. errorCount carries the
// consecutive failure count across automatic restarts.
func (o *Orchestrator) startLocked(ctx context.Context, cameraID uuid.UUID, force bool, errorCount int) *Result {
	select {
	case <-o.shutdown:
		return failure(cameraID, CodeServiceError, "orchestrator is shutting down")
	default:
	}

	o.mu.Lock()
	existing := o.procs[cameraID]
	o.mu.Unlock()
	if existing != nil {
		if !force {
			metrics.PublishStartsTotal.WithLabelValues("conflict").Inc()
			return &Result{
				CameraID:      cameraID,
				PublicationID: existing.publicationID,
				PathName:      existing.pathName,
				Status:        StatusPublishing,
				Error:         "camera is already publishing",
				ErrorCode:     CodeAlreadyPublishing,
			}
		}
		if err := o.stopLocked(ctx, existing, EndReasonStopped, ""); err != nil {
			o.logger.Printf("publish: force-stop camera %s: %v", cameraID, err)
		}
	}

	if !o.runner.CheckAvailable() {
		return o.startFailed(ctx, cameraID, errorCount, CodeServiceError, "relay binary not found on this host")
	}

	cfg, err := o.store.Publish.ActiveConfig(ctx)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return o.startFailed(ctx, cameraID, errorCount, CodeServiceError, "no active publish configuration")
		}
		return o.startFailed(ctx, cameraID, errorCount, CodeServiceError, fmt.Sprintf("loading publish configuration: %v", err))
	}

	cam, err := o.store.Cameras.GetByID(ctx, cameraID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			// No camera row means no state row either: publish_states
			// references cameras, so persisting would only trip the FK.
			metrics.PublishStartsTotal.WithLabelValues("fail").Inc()
			o.events.Emit(Event{
				Type:      EventError,
				CameraID:  cameraID,
				Error:     "camera not found",
				ErrorCode: CodeServiceError,
				At:        time.Now(),
			})
			return failure(cameraID, CodeServiceError, "camera not found")
		}
		return o.startFailed(ctx, cameraID, errorCount, CodeServiceError, fmt.Sprintf("loading camera: %v", err))
	}

	sourceURL, err := o.resolveSource(ctx, cam)
	if err != nil {
		code := conn.CodeOf(err)
		if code == "" {
			code = conn.CodeConnectionFailed
		}
		metrics.PublishErrorsTotal.WithLabelValues(code).Inc()
		return o.startFailed(ctx, cameraID, errorCount, code, err.Error())
	}

	pathName := expandPathTemplate(cfg.PathTemplate, cam)
	destURL := strings.TrimRight(cfg.ServerURL, "/") + "/" + pathName
	publicationID := uuid.New()

	now := time.Now()
	state := &data.PublishState{
		CameraID:      cameraID,
		PublicationID: publicationID,
		ConfigID:      cfg.ID,
		Status:        StatusStarting,
		PathName:      pathName,
		ErrorCount:    errorCount,
		StartedAt:     &now,
	}
	if err := o.store.Publish.UpsertState(ctx, state); err != nil {
		return o.startFailed(ctx, cameraID, errorCount, CodeServiceError, fmt.Sprintf("persisting state: %v", err))
	}

	if force && o.mtx != nil {
		if _, err := o.mtx.KickPublisher(ctx, pathName); err != nil {
			o.logger.Printf("publish: kicking stale publisher on %s: %v", pathName, err)
		}
	}

	args, err := o.runner.BuildArgs(sourceURL, destURL, cfg.Transport)
	if err != nil {
		return o.startFailed(ctx, cameraID, errorCount, CodeServiceError, err.Error())
	}

	proc, err := o.runner.Start(context.Background(), args)
	if err != nil {
		metrics.PublishErrorsTotal.WithLabelValues(CodeProcessCrashed).Inc()
		return o.startFailed(ctx, cameraID, errorCount, CodeProcessCrashed, fmt.Sprintf("spawning relay: %v", err))
	}

	p := &publisherProcess{
		cameraID:      cameraID,
		publicationID: publicationID,
		configID:      cfg.ID,
		pathName:      pathName,
		sourceURL:     sourceURL,
		proc:          proc,
		startedAt:     proc.StartedAt(),
	}

	// Registration and the monitor/sampler wg.Add happen under the same
	// lock Shutdown uses to snapshot procs, so a shutdown either sees
	// this publication or this start refuses to register it.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		if _, err := proc.Terminate(o.opts.StopGrace); err != nil {
			o.logger.Printf("publish: terminating relay for camera %s: %v", cameraID, err)
		}
		state.Status = StatusStopped
		if err := o.store.Publish.UpsertState(ctx, state); err != nil {
			o.logger.Printf("publish: persisting stopped state for camera %s: %v", cameraID, err)
		}
		return failure(cameraID, CodeServiceError, "orchestrator is shutting down")
	}
	o.procs[cameraID] = p
	o.wg.Add(2)
	o.mu.Unlock()

	state.Status = StatusPublishing
	state.PID = proc.PID()
	if err := o.store.Publish.UpsertState(ctx, state); err != nil {
		o.logger.Printf("publish: persisting publishing state for camera %s: %v", cameraID, err)
	}

	go o.monitor(p, cfg, errorCount)
	go o.sample(p)

	metrics.PublishStartsTotal.WithLabelValues("success").Inc()
	metrics.ActivePublications.Inc()
	o.events.Emit(Event{
		Type:          EventStarted,
		CameraID:      cameraID,
		PublicationID: publicationID,
		PathName:      pathName,
		At:            time.Now(),
	})
	o.logger.Printf("publish: camera %s publishing to %s (pid %d)", cameraID, pathName, proc.PID())

	return &Result{
		Success:       true,
		CameraID:      cameraID,
		PublicationID: publicationID,
		PathName:      pathName,
		Status:        StatusPublishing,
	}
}

// resolveSourceURL connects to the camera once to verify liveness and
// discover its stream URL, then releases the probe connection. The
// relay subprocess opens its own transport.
func (o *Orchestrator) resolveSourceURL(ctx context.Context, cam *data.Camera) (string, error) {
	creds, err := o.store.GetCredentials(ctx, cam.ID)
	if err != nil && !errors.Is(err, data.ErrCredentialNotFound) {
		return "", fmt.Errorf("loading credentials: %w", err)
	}

	cc := conn.Config{
		IP:        cam.IPAddress.String(),
		Username:  creds.Username,
		Password:  creds.Password,
		RTSPPort:  cam.RTSPPort,
		ONVIFPort: cam.ONVIFPort,
		HTTPPort:  cam.HTTPPort,
		Brand:     conn.NormalizeBrand(cam.Brand),
	}

	c := conn.ForBrand(cc)
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	defer c.Disconnect()

	url := c.StreamURL()
	if url == "" {
		return "", fmt.Errorf("camera %s exposes no stream URL", cam.ID)
	}
	return url, nil
}

func expandPathTemplate(tpl string, cam *data.Camera) string {
	if tpl == "" {
		tpl = "cam_{id}"
	}
	out := strings.ReplaceAll(tpl, "{id}", cam.ID.String())
	out = strings.ReplaceAll(out, "{name}", sanitizePathName(cam.Name))
	return out
}

// sanitizePathName keeps path names within the charset MediaMTX
// accepts.
func sanitizePathName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '.':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "cam"
	}
	return b.String()
}

// startFailed persists a failed start and returns its Result. Runs
// with the camera lock held.
func (o *Orchestrator) startFailed(ctx context.Context, cameraID uuid.UUID, errorCount int, code, msg string) *Result {
	metrics.PublishStartsTotal.WithLabelValues("fail").Inc()
	state := &data.PublishState{
		CameraID:   cameraID,
		Status:     StatusError,
		LastError:  msg,
		ErrorCount: errorCount,
	}
	if err := o.store.Publish.UpsertState(ctx, state); err != nil {
		o.logger.Printf("publish: persisting error state for camera %s: %v", cameraID, err)
	}
	o.events.Emit(Event{
		Type:      EventError,
		CameraID:  cameraID,
		Error:     msg,
		ErrorCode: code,
		At:        time.Now(),
	})
	return failure(cameraID, code, msg)
}

// StopPublishing ends a camera's publication: graceful terminate,
// kill on grace expiry, then metric fold into history. Stopping an
// idle camera is a no-op success.
func (o *Orchestrator) StopPublishing(ctx context.Context, cameraID uuid.UUID) *Result {
	lock := o.store.CameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()
	o.cancelRetries(cameraID)

	o.mu.Lock()
	p := o.procs[cameraID]
	o.mu.Unlock()
	if p == nil {
		// Clear any stale error or stopped row so status reads idle.
		if err := o.store.Publish.DeleteState(ctx, cameraID); err != nil {
			o.logger.Printf("publish: clearing state for camera %s: %v", cameraID, err)
		}
		return &Result{Success: true, CameraID: cameraID, Status: StatusIdle}
	}

	if err := o.stopLocked(ctx, p, EndReasonStopped, ""); err != nil {
		return failure(cameraID, CodeServiceError, err.Error())
	}
	return &Result{
		Success:       true,
		CameraID:      cameraID,
		PublicationID: p.publicationID,
		PathName:      p.pathName,
		Status:        StatusStopped,
	}
}

// stopLocked terminates a publication and finalizes its records. Runs
// with the camera lock held; removes the in-memory record before any
// new publication can be created for the camera.
func (o *Orchestrator) stopLocked(ctx context.Context, p *publisherProcess, reason, lastError string) error {
	o.mu.Lock()
	if o.procs[p.cameraID] != p {
		// Already stopped by a concurrent shutdown.
		o.mu.Unlock()
		return nil
	}
	delete(o.procs, p.cameraID)
	o.mu.Unlock()

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if _, err := p.proc.Terminate(o.opts.StopGrace); err != nil {
		o.logger.Printf("publish: terminating relay for camera %s: %v", p.cameraID, err)
	}

	o.finalize(ctx, p, reason, lastError, 0)
	return nil
}

// finalize folds a finished publication's samples into history,
// closes viewer sessions and writes the terminal state row.
func (o *Orchestrator) finalize(ctx context.Context, p *publisherProcess, reason, lastError string, errorCount int) {
	endedAt := time.Now()

	samples, err := o.store.Publish.SamplesForPublication(ctx, p.publicationID)
	if err != nil {
		o.logger.Printf("publish: loading samples for publication %s: %v", p.publicationID, err)
	}
	h := foldSamples(p.publicationID, p.cameraID, p.pathName, p.startedAt, endedAt, reason, samples)
	if err := o.store.Publish.InsertHistory(ctx, h); err != nil {
		o.logger.Printf("publish: writing history for publication %s: %v", p.publicationID, err)
	}

	if open, err := o.store.Publish.OpenViewerSessions(ctx, p.publicationID); err == nil {
		for _, v := range open {
			if err := o.store.Publish.CloseViewerSession(ctx, v.ID, endedAt, v.BytesReceived); err != nil {
				o.logger.Printf("publish: closing viewer session %s: %v", v.ID, err)
			}
		}
	}

	status := StatusStopped
	evType := EventStopped
	if reason == EndReasonError {
		status = StatusError
		evType = EventError
	}
	state := &data.PublishState{
		CameraID:      p.cameraID,
		PublicationID: p.publicationID,
		ConfigID:      p.configID,
		Status:        status,
		PathName:      p.pathName,
		LastError:     lastError,
		ErrorCount:    errorCount,
		StartedAt:     &p.startedAt,
	}
	if err := o.store.Publish.UpsertState(ctx, state); err != nil {
		o.logger.Printf("publish: persisting %s state for camera %s: %v", status, p.cameraID, err)
	}

	if o.live != nil {
		if err := o.live.Delete(ctx, p.cameraID); err != nil {
			o.logger.Printf("publish: clearing live cache for camera %s: %v", p.cameraID, err)
		}
	}

	cam := p.cameraID.String()
	metrics.PublishFPS.DeleteLabelValues(cam)
	metrics.PublishBitrateKbps.DeleteLabelValues(cam)
	metrics.PublishViewers.DeleteLabelValues(cam)
	metrics.ActivePublications.Dec()
	metrics.PublishStopsTotal.WithLabelValues(reason).Inc()

	o.events.Emit(Event{
		Type:          evType,
		CameraID:      p.cameraID,
		PublicationID: p.publicationID,
		PathName:      p.pathName,
		Error:         lastError,
		At:            endedAt,
	})
	o.logger.Printf("publish: camera %s %s after %.0fs (%s)", p.cameraID, status, h.DurationSeconds, reason)
}

// Status reports a camera's publication state, merging the latest
// in-memory metrics into the persisted row.
func (o *Orchestrator) Status(ctx context.Context, cameraID uuid.UUID) (*data.PublishState, *LiveSnapshot, error) {
	state, err := o.store.Publish.GetState(ctx, cameraID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return &data.PublishState{CameraID: cameraID, Status: StatusIdle}, nil, nil
		}
		return nil, nil, err
	}

	o.mu.Lock()
	p := o.procs[cameraID]
	o.mu.Unlock()
	if p == nil {
		return state, nil, nil
	}

	m, dropped, viewers, _ := p.snapshot()
	snap := &LiveSnapshot{
		CameraID:      cameraID,
		PublicationID: p.publicationID,
		PathName:      p.pathName,
		Status:        StatusPublishing,
		FPS:           m.FPS,
		BitrateKbps:   m.BitrateKbps,
		Frames:        m.Frames,
		QualityScore:  qualityScore(m.FPS, m.Frames, dropped),
		ViewerCount:   viewers,
		UpdatedAt:     time.Now(),
	}
	return state, snap, nil
}

// StatusAll lists every live publication.
func (o *Orchestrator) StatusAll() []*Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*Result, 0, len(o.procs))
	for _, p := range o.procs {
		out = append(out, &Result{
			Success:       true,
			CameraID:      p.cameraID,
			PublicationID: p.publicationID,
			PathName:      p.pathName,
			Status:        StatusPublishing,
		})
	}
	return out
}

// Shutdown stops every publication and waits for the monitor loops to
// drain, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.shutdown)
	procs := make([]*publisherProcess, 0, len(o.procs))
	for _, p := range o.procs {
		procs = append(procs, p)
	}
	o.mu.Unlock()

	for _, p := range procs {
		lock := o.store.CameraLock(p.cameraID)
		lock.Lock()
		if err := o.stopLocked(ctx, p, EndReasonShutdown, ""); err != nil {
			o.logger.Printf("publish: shutdown stop for camera %s: %v", p.cameraID, err)
		}
		lock.Unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
