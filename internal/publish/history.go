package publish

import (
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-relay/internal/data"
)

// foldSamples reduces a publication's metric samples into its history
// record. Frame and size counters reported by the relay are
// cumulative, so totals come from the maximum observed value and the
// result does not depend on the order samples were flushed.
func foldSamples(
	publicationID, cameraID uuid.UUID,
	pathName string,
	startedAt, endedAt time.Time,
	reason string,
	samples []*data.MetricSample,
) *data.HistoryRecord {
	h := &data.HistoryRecord{
		PublicationID:   publicationID,
		CameraID:        cameraID,
		PathName:        pathName,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationSeconds: endedAt.Sub(startedAt).Seconds(),
		EndReason:       reason,
	}

	var fpsSum, bitrateSum float64
	var counted int
	for _, s := range samples {
		if s.Frames > h.TotalFrames {
			h.TotalFrames = s.Frames
		}
		if s.SizeKB > h.TotalKB {
			h.TotalKB = s.SizeKB
		}
		if s.ViewerCount > h.PeakViewers {
			h.PeakViewers = s.ViewerCount
		}
		if s.FPS > 0 || s.BitrateKbps > 0 {
			fpsSum += s.FPS
			bitrateSum += s.BitrateKbps
			counted++
		}
	}
	if counted > 0 {
		h.AvgFPS = fpsSum / float64(counted)
		h.AvgBitrateKbps = bitrateSum / float64(counted)
	}
	return h
}
