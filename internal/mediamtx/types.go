// Package mediamtx is a client for the MediaMTX control API (/v3).
// It exposes the small surface the publishing orchestrator needs:
// health checks, path inspection, publisher kicks and readiness
// polling.
package mediamtx

import "time"

// PathSource identifies what is feeding a path.
type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PathReader is one downstream consumer attached to a path.
type PathReader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PathInfo describes one path on the media server.
type PathInfo struct {
	Name          string       `json:"name"`
	ConfName      string       `json:"confName"`
	Source        *PathSource  `json:"source"`
	Ready         bool         `json:"ready"`
	ReadyTime     *time.Time   `json:"readyTime"`
	Tracks        []string     `json:"tracks"`
	BytesReceived uint64       `json:"bytesReceived"`
	Readers       []PathReader `json:"readers"`
}

// HasSource reports whether a publisher is attached to the path.
func (p *PathInfo) HasSource() bool {
	return p != nil && p.Source != nil && p.Source.Type != ""
}

type pathList struct {
	Items map[string]PathInfo `json:"items"`
}
