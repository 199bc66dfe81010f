package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type PublishModel struct {
	DB DBTX
}

// --- Publish Configurations ---

func (m PublishModel) ActiveConfig(ctx context.Context) (*PublishConfig, error) {
	query := `
		SELECT id, name, server_url, api_url, api_user, api_password,
		       transport, max_reconnects, reconnect_delay_ms, path_template,
		       is_active, created_at, updated_at
		FROM publish_configs
		WHERE is_active = TRUE`

	var c PublishConfig
	err := m.DB.QueryRowContext(ctx, query).Scan(
		&c.ID, &c.Name, &c.ServerURL, &c.APIURL, &c.APIUser, &c.APIPassword,
		&c.Transport, &c.MaxReconnects, &c.ReconnectDelayMS, &c.PathTemplate,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &c, nil
}

// SaveConfig upserts a configuration. When c.IsActive is set, every other row
// is deactivated first so the single-active invariant holds.
func (m PublishModel) SaveConfig(ctx context.Context, c *PublishConfig) error {
	if c.IsActive {
		if _, err := m.DB.ExecContext(ctx,
			`UPDATE publish_configs SET is_active = FALSE, updated_at = NOW() WHERE is_active = TRUE AND id <> $1`,
			c.ID); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO publish_configs (
			id, name, server_url, api_url, api_user, api_password,
			transport, max_reconnects, reconnect_delay_ms, path_template, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			server_url = EXCLUDED.server_url,
			api_url = EXCLUDED.api_url,
			api_user = EXCLUDED.api_user,
			api_password = EXCLUDED.api_password,
			transport = EXCLUDED.transport,
			max_reconnects = EXCLUDED.max_reconnects,
			reconnect_delay_ms = EXCLUDED.reconnect_delay_ms,
			path_template = EXCLUDED.path_template,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		c.ID, c.Name, c.ServerURL, c.APIURL, c.APIUser, c.APIPassword,
		c.Transport, c.MaxReconnects, c.ReconnectDelayMS, c.PathTemplate, c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

// --- Active State ---

func (m PublishModel) UpsertState(ctx context.Context, s *PublishState) error {
	query := `
		INSERT INTO publish_states (
			camera_id, publication_id, config_id, status, pid, path_name,
			last_error, error_count, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (camera_id) DO UPDATE SET
			publication_id = EXCLUDED.publication_id,
			config_id = EXCLUDED.config_id,
			status = EXCLUDED.status,
			pid = EXCLUDED.pid,
			path_name = EXCLUDED.path_name,
			last_error = EXCLUDED.last_error,
			error_count = EXCLUDED.error_count,
			started_at = EXCLUDED.started_at,
			updated_at = NOW()`

	_, err := m.DB.ExecContext(ctx, query,
		s.CameraID, s.PublicationID, s.ConfigID, s.Status, s.PID, s.PathName,
		s.LastError, s.ErrorCount, s.StartedAt,
	)
	return err
}

func (m PublishModel) GetState(ctx context.Context, cameraID uuid.UUID) (*PublishState, error) {
	query := `
		SELECT camera_id, publication_id, config_id, status, pid, path_name,
		       last_error, error_count, started_at, updated_at
		FROM publish_states
		WHERE camera_id = $1`

	var s PublishState
	err := m.DB.QueryRowContext(ctx, query, cameraID).Scan(
		&s.CameraID, &s.PublicationID, &s.ConfigID, &s.Status, &s.PID, &s.PathName,
		&s.LastError, &s.ErrorCount, &s.StartedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (m PublishModel) DeleteState(ctx context.Context, cameraID uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM publish_states WHERE camera_id = $1`, cameraID)
	return err
}

// --- Metric Samples (append-only) ---

func (m PublishModel) InsertSample(ctx context.Context, s *MetricSample) error {
	query := `
		INSERT INTO publish_metrics (
			publication_id, sampled_at, fps, bitrate_kbps, frames,
			dropped_frames, quality_score, viewer_count, size_kb
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := m.DB.ExecContext(ctx, query,
		s.PublicationID, s.SampledAt, s.FPS, s.BitrateKbps, s.Frames,
		s.DroppedFrames, s.QualityScore, s.ViewerCount, s.SizeKB,
	)
	return err
}

func (m PublishModel) SamplesForPublication(ctx context.Context, publicationID uuid.UUID) ([]*MetricSample, error) {
	query := `
		SELECT publication_id, sampled_at, fps, bitrate_kbps, frames,
		       dropped_frames, quality_score, viewer_count, size_kb
		FROM publish_metrics
		WHERE publication_id = $1
		ORDER BY sampled_at`

	rows, err := m.DB.QueryContext(ctx, query, publicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MetricSample
	for rows.Next() {
		var s MetricSample
		if err := rows.Scan(
			&s.PublicationID, &s.SampledAt, &s.FPS, &s.BitrateKbps, &s.Frames,
			&s.DroppedFrames, &s.QualityScore, &s.ViewerCount, &s.SizeKB,
		); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// --- History ---

func (m PublishModel) InsertHistory(ctx context.Context, h *HistoryRecord) error {
	query := `
		INSERT INTO publish_history (
			publication_id, camera_id, path_name, started_at, ended_at,
			duration_seconds, avg_fps, avg_bitrate_kbps, total_frames,
			total_kb, peak_viewers, end_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		h.PublicationID, h.CameraID, h.PathName, h.StartedAt, h.EndedAt,
		h.DurationSeconds, h.AvgFPS, h.AvgBitrateKbps, h.TotalFrames,
		h.TotalKB, h.PeakViewers, h.EndReason,
	).Scan(&h.ID)
}

func (m PublishModel) HistoryForCamera(ctx context.Context, cameraID uuid.UUID, limit int) ([]*HistoryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, publication_id, camera_id, path_name, started_at, ended_at,
		       duration_seconds, avg_fps, avg_bitrate_kbps, total_frames,
		       total_kb, peak_viewers, end_reason
		FROM publish_history
		WHERE camera_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(
			&h.ID, &h.PublicationID, &h.CameraID, &h.PathName, &h.StartedAt, &h.EndedAt,
			&h.DurationSeconds, &h.AvgFPS, &h.AvgBitrateKbps, &h.TotalFrames,
			&h.TotalKB, &h.PeakViewers, &h.EndReason,
		); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// --- Viewer Sessions ---

func (m PublishModel) OpenViewerSession(ctx context.Context, v *ViewerSession) error {
	query := `
		INSERT INTO viewer_sessions (publication_id, remote_addr, protocol, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		v.PublicationID, v.RemoteAddr, v.Protocol, v.StartedAt,
	).Scan(&v.ID)
}

func (m PublishModel) CloseViewerSession(ctx context.Context, id uuid.UUID, endedAt time.Time, bytesReceived int64) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE viewer_sessions SET ended_at = $2, bytes_received = $3 WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt, bytesReceived)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m PublishModel) OpenViewerSessions(ctx context.Context, publicationID uuid.UUID) ([]*ViewerSession, error) {
	query := `
		SELECT id, publication_id, remote_addr, protocol, started_at, ended_at, bytes_received
		FROM viewer_sessions
		WHERE publication_id = $1 AND ended_at IS NULL`

	rows, err := m.DB.QueryContext(ctx, query, publicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ViewerSession
	for rows.Next() {
		var v ViewerSession
		if err := rows.Scan(&v.ID, &v.PublicationID, &v.RemoteAddr, &v.Protocol,
			&v.StartedAt, &v.EndedAt, &v.BytesReceived); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
