package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-relay/internal/conn"
	"github.com/technosupport/ts-relay/internal/data"
	"github.com/technosupport/ts-relay/internal/metrics"
	"github.com/technosupport/ts-relay/internal/relay"
)

// monitor reads the relay's stderr until the process exits, feeding
// progress lines into the in-memory metrics and error lines into the
// last-error record. An exit that was not requested goes to failure
// handling.
func (o *Orchestrator) monitor(p *publisherProcess, cfg *data.PublishConfig, errorCount int) {
	defer o.wg.Done()

	if o.mtx != nil {
		go o.confirmPath(p)
	}

	cam := p.cameraID.String()
	sc := p.proc.Lines()
	for sc.Scan() {
		line := sc.Text()
		if m := relay.ParseMetrics(line); m != nil {
			p.setMetrics(m)
			metrics.PublishFPS.WithLabelValues(cam).Set(m.FPS)
			metrics.PublishBitrateKbps.WithLabelValues(cam).Set(m.BitrateKbps)
			if m.Lagging() {
				o.logger.Printf("publish: camera %s relaying at %.2fx real time, frames may back up", p.cameraID, m.Speed)
			}
			continue
		}
		if msg := relay.ParseError(line); msg != "" {
			p.setLastError(msg)
			o.logger.Printf("publish: camera %s relay: %s", p.cameraID, msg)
		}
	}

	exitCode, _ := p.proc.Wait()

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		// stopLocked owns finalization.
		return
	}

	o.handleFailure(p, cfg, exitCode, errorCount+1)
}

// confirmPath waits for the media server to report the relay's path
// as fed. Diagnostic only; the monitor owns failure detection.
func (o *Orchestrator) confirmPath(p *publisherProcess) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.PathWait+time.Second)
	defer cancel()

	ok, err := o.mtx.WaitForPath(ctx, p.pathName, o.opts.PathWait, 500*time.Millisecond)
	switch {
	case err != nil:
		metrics.MediaMTXCallsTotal.WithLabelValues("wait", "fail").Inc()
		o.logger.Printf("publish: waiting for path %s: %v", p.pathName, err)
	case !ok:
		metrics.MediaMTXCallsTotal.WithLabelValues("wait", "fail").Inc()
		o.logger.Printf("publish: path %s not fed after %s", p.pathName, o.opts.PathWait)
	default:
		metrics.MediaMTXCallsTotal.WithLabelValues("wait", "success").Inc()
	}
}

// handleFailure finalizes a crashed publication and schedules a
// forced restart under the linear-capped backoff policy, or parks the
// camera in terminal Error once retries are spent.
func (o *Orchestrator) handleFailure(p *publisherProcess, cfg *data.PublishConfig, exitCode, errorCount int) {
	_, _, _, lastErr := p.snapshot()
	code, msg := classifyExit(exitCode, lastErr)
	metrics.PublishErrorsTotal.WithLabelValues(code).Inc()

	lock := o.store.CameraLock(p.cameraID)
	lock.Lock()

	// A stop may have raced the exit; if so the stop flow owns
	// finalization.
	p.mu.Lock()
	stopped := p.stopping
	p.mu.Unlock()
	if stopped {
		lock.Unlock()
		return
	}

	o.mu.Lock()
	if o.procs[p.cameraID] == p {
		delete(o.procs, p.cameraID)
	}
	o.mu.Unlock()

	// An operator start or stop after this point invalidates the token
	// and abandons the retry.
	token := o.retryToken(p.cameraID)

	ctx := context.Background()
	o.finalize(ctx, p, EndReasonError, msg, errorCount)
	lock.Unlock()

	// Rejected credentials will not start working on retry.
	if code == conn.CodeAuthFailed {
		o.logger.Printf("publish: camera %s: %s, not retrying", p.cameraID, msg)
		return
	}
	if errorCount > cfg.MaxReconnects {
		o.markExhausted(ctx, p, cfg, msg, errorCount)
		return
	}

	delay := backoffDelay(cfg, errorCount, o.opts.BackoffCap)
	o.logger.Printf("publish: camera %s relay exited (code %d), restart %d/%d in %s",
		p.cameraID, exitCode, errorCount, cfg.MaxReconnects, delay)
	o.events.Emit(Event{
		Type:          EventReconnecting,
		CameraID:      p.cameraID,
		PublicationID: p.publicationID,
		PathName:      p.pathName,
		Error:         msg,
		ErrorCode:     code,
		At:            time.Now(),
	})

	select {
	case <-o.shutdown:
		return
	case <-time.After(delay):
	}

	lock.Lock()
	if o.retryToken(p.cameraID) != token {
		lock.Unlock()
		o.logger.Printf("publish: camera %s retry superseded by operator action", p.cameraID)
		return
	}
	metrics.RelayRestartsTotal.Inc()
	res := o.startLocked(ctx, p.cameraID, true, errorCount)
	lock.Unlock()
	if !res.Success && res.ErrorCode != CodeAlreadyPublishing {
		o.logger.Printf("publish: camera %s restart failed: %s", p.cameraID, res.Error)
	}
}

// markExhausted writes the terminal Error row once retries are spent.
func (o *Orchestrator) markExhausted(ctx context.Context, p *publisherProcess, cfg *data.PublishConfig, lastErr string, errorCount int) {
	msg := fmt.Sprintf("giving up after %d failed attempts: %s", errorCount, lastErr)
	state := &data.PublishState{
		CameraID:      p.cameraID,
		PublicationID: p.publicationID,
		ConfigID:      p.configID,
		Status:        StatusError,
		PathName:      p.pathName,
		LastError:     msg,
		ErrorCount:    errorCount,
		StartedAt:     &p.startedAt,
	}
	if err := o.store.Publish.UpsertState(ctx, state); err != nil {
		o.logger.Printf("publish: persisting terminal error for camera %s: %v", p.cameraID, err)
	}
	o.logger.Printf("publish: camera %s: %s", p.cameraID, msg)
}

// backoffDelay implements the linear-with-cap reconnect policy:
// min(reconnectDelay * errorCount, cap).
func backoffDelay(cfg *data.PublishConfig, errorCount int, maxDelay time.Duration) time.Duration {
	base := time.Duration(cfg.ReconnectDelayMS) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(errorCount)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// classifyExit maps a relay exit into the error taxonomy using the
// last stderr diagnostic when one was captured.
func classifyExit(exitCode int, lastErr string) (string, string) {
	if lastErr != "" {
		switch {
		case containsAny(lastErr, "credentials", "401", "403", "permission"):
			return conn.CodeAuthFailed, lastErr
		case containsAny(lastErr, "refused", "timed out", "No route", "unreachable"):
			return conn.CodeConnectionFailed, lastErr
		case containsAny(lastErr, "404", "stream path", "codec"):
			return conn.CodeStreamUnavailable, lastErr
		}
	}
	msg := fmt.Sprintf("relay exited with code %d", exitCode)
	if lastErr != "" {
		msg += ": " + lastErr
	}
	return CodeProcessCrashed, msg
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// sample periodically flushes the in-memory metrics to the append-only
// sample table, refreshes the live cache and reconciles viewer
// sessions against the media server's reader list.
func (o *Orchestrator) sample(p *publisherProcess) {
	defer o.wg.Done()

	sampleTick := time.NewTicker(o.opts.SampleInterval)
	defer sampleTick.Stop()
	viewerTick := time.NewTicker(o.opts.ViewerPoll)
	defer viewerTick.Stop()

	// reader id -> open viewer session
	sessions := make(map[string]uuid.UUID)

	for {
		select {
		case <-p.proc.Done():
			return
		case <-o.shutdown:
			return
		case <-viewerTick.C:
			o.pollViewers(p, sessions)
		case <-sampleTick.C:
			o.flushSample(p)
		}
	}
}

func (o *Orchestrator) flushSample(p *publisherProcess) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, dropped, viewers, _ := p.snapshot()
	score := qualityScore(m.FPS, m.Frames, dropped)

	s := &data.MetricSample{
		PublicationID: p.publicationID,
		SampledAt:     time.Now(),
		FPS:           m.FPS,
		BitrateKbps:   m.BitrateKbps,
		Frames:        m.Frames,
		DroppedFrames: dropped,
		QualityScore:  score,
		ViewerCount:   viewers,
		SizeKB:        m.SizeKB,
	}
	if err := o.store.Publish.InsertSample(ctx, s); err != nil {
		o.logger.Printf("publish: writing sample for publication %s: %v", p.publicationID, err)
	}

	if o.live != nil {
		snap := LiveSnapshot{
			CameraID:      p.cameraID,
			PublicationID: p.publicationID,
			PathName:      p.pathName,
			Status:        StatusPublishing,
			FPS:           m.FPS,
			BitrateKbps:   m.BitrateKbps,
			Frames:        m.Frames,
			QualityScore:  score,
			ViewerCount:   viewers,
			UpdatedAt:     time.Now(),
		}
		if err := o.live.Set(ctx, snap); err != nil {
			o.logger.Printf("publish: refreshing live cache for camera %s: %v", p.cameraID, err)
		}
	}
}

// pollViewers diffs the media server's reader list against the open
// viewer sessions, opening rows for new readers and closing rows for
// ones that disconnected.
func (o *Orchestrator) pollViewers(p *publisherProcess, sessions map[string]uuid.UUID) {
	if o.mtx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := o.mtx.GetPathInfo(ctx, p.pathName)
	if err != nil {
		metrics.MediaMTXCallsTotal.WithLabelValues("paths", "fail").Inc()
		o.logger.Printf("publish: polling viewers for %s: %v", p.pathName, err)
		return
	}
	metrics.MediaMTXCallsTotal.WithLabelValues("paths", "success").Inc()

	now := time.Now()
	seen := make(map[string]bool)
	if info != nil {
		for _, r := range info.Readers {
			seen[r.ID] = true
			if _, ok := sessions[r.ID]; ok {
				continue
			}
			v := &data.ViewerSession{
				PublicationID: p.publicationID,
				RemoteAddr:    r.ID,
				Protocol:      readerProtocol(r.Type),
				StartedAt:     now,
			}
			if err := o.store.Publish.OpenViewerSession(ctx, v); err != nil {
				o.logger.Printf("publish: opening viewer session on %s: %v", p.pathName, err)
				continue
			}
			sessions[r.ID] = v.ID
		}
	}

	for readerID, sessionID := range sessions {
		if seen[readerID] {
			continue
		}
		if err := o.store.Publish.CloseViewerSession(ctx, sessionID, now, 0); err != nil {
			o.logger.Printf("publish: closing viewer session %s: %v", sessionID, err)
		}
		delete(sessions, readerID)
	}

	p.setViewers(len(seen))
	metrics.PublishViewers.WithLabelValues(p.cameraID.String()).Set(float64(len(seen)))
}

// readerProtocol maps MediaMTX reader types to the protocol names
// stored on viewer sessions.
func readerProtocol(readerType string) string {
	switch readerType {
	case "rtspSession", "rtspsSession":
		return "rtsp"
	case "rtmpConn":
		return "rtmp"
	case "hlsMuxer":
		return "hls"
	case "webRTCSession":
		return "webrtc"
	case "srtConn":
		return "srt"
	default:
		if readerType == "" {
			return "unknown"
		}
		return readerType
	}
}
