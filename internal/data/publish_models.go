package data

import (
	"time"

	"github.com/google/uuid"
)

// PublishConfig is a relay destination profile. Exactly one row is flagged
// active at a time; the orchestrator reads the active row on every start.
type PublishConfig struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	ServerURL        string    `json:"server_url"`     // rtsp:// or rtmp:// base
	APIURL           string    `json:"api_url"`        // mediamtx control API, optional
	APIUser          string    `json:"api_user"`
	APIPassword      string    `json:"api_password"`
	Transport        string    `json:"transport"` // tcp or udp
	MaxReconnects    int       `json:"max_reconnects"`
	ReconnectDelayMS int       `json:"reconnect_delay_ms"`
	PathTemplate     string    `json:"path_template"` // e.g. "cam_{id}"
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PublishState is the per-camera active publication row. The table enforces
// at most one row per camera (camera_id is the primary key).
type PublishState struct {
	CameraID      uuid.UUID  `json:"camera_id"`
	PublicationID uuid.UUID  `json:"publication_id"`
	ConfigID      uuid.UUID  `json:"config_id"`
	Status        string     `json:"status"` // idle|starting|publishing|error|stopped
	PID           int        `json:"pid"`
	PathName      string     `json:"path_name"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorCount    int        `json:"error_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MetricSample is one time-stamped snapshot of a running publication.
// Append-only.
type MetricSample struct {
	PublicationID uuid.UUID `json:"publication_id"`
	SampledAt     time.Time `json:"sampled_at"`
	FPS           float64   `json:"fps"`
	BitrateKbps   float64   `json:"bitrate_kbps"`
	Frames        int64     `json:"frames"`
	DroppedFrames int64     `json:"dropped_frames"`
	QualityScore  int       `json:"quality_score"`
	ViewerCount   int       `json:"viewer_count"`
	SizeKB        int64     `json:"size_kb"`
}

// HistoryRecord summarizes one completed or failed publication. Written once
// when the publication stops, never mutated afterward.
type HistoryRecord struct {
	ID              uuid.UUID `json:"id"`
	PublicationID   uuid.UUID `json:"publication_id"`
	CameraID        uuid.UUID `json:"camera_id"`
	PathName        string    `json:"path_name"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	AvgFPS          float64   `json:"avg_fps"`
	AvgBitrateKbps  float64   `json:"avg_bitrate_kbps"`
	TotalFrames     int64     `json:"total_frames"`
	TotalKB         int64     `json:"total_kb"`
	PeakViewers     int       `json:"peak_viewers"`
	EndReason       string    `json:"end_reason"` // stopped|error|shutdown
}

// ViewerSession tracks one downstream reader of a published path.
type ViewerSession struct {
	ID            uuid.UUID  `json:"id"`
	PublicationID uuid.UUID  `json:"publication_id"`
	RemoteAddr    string     `json:"remote_addr"`
	Protocol      string     `json:"protocol"` // rtsp|rtmp|hls|webrtc|srt
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	BytesReceived int64      `json:"bytes_received"`
}
