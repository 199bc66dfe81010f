package publish

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/technosupport/ts-relay/internal/data"
)

func sampleSet(pubID uuid.UUID, start time.Time) []*data.MetricSample {
	// Cumulative counters as the relay reports them.
	return []*data.MetricSample{
		{PublicationID: pubID, SampledAt: start.Add(5 * time.Second), FPS: 25, BitrateKbps: 2000, Frames: 125, SizeKB: 1200, ViewerCount: 0},
		{PublicationID: pubID, SampledAt: start.Add(10 * time.Second), FPS: 24, BitrateKbps: 2100, Frames: 245, SizeKB: 2500, ViewerCount: 2},
		{PublicationID: pubID, SampledAt: start.Add(15 * time.Second), FPS: 26, BitrateKbps: 1900, Frames: 375, SizeKB: 3600, ViewerCount: 5},
		{PublicationID: pubID, SampledAt: start.Add(20 * time.Second), FPS: 25, BitrateKbps: 2000, Frames: 500, SizeKB: 4800, ViewerCount: 3},
	}
}

func TestFoldSamples(t *testing.T) {
	pubID := uuid.New()
	camID := uuid.New()
	start := time.Now().Add(-time.Minute)
	end := start.Add(20 * time.Second)

	h := foldSamples(pubID, camID, "cam-1", start, end, EndReasonStopped, sampleSet(pubID, start))

	assert.Equal(t, pubID, h.PublicationID)
	assert.Equal(t, camID, h.CameraID)
	assert.Equal(t, 20.0, h.DurationSeconds)
	assert.Equal(t, int64(500), h.TotalFrames)
	assert.Equal(t, int64(4800), h.TotalKB)
	assert.Equal(t, 5, h.PeakViewers)
	assert.Equal(t, 25.0, h.AvgFPS)
	assert.Equal(t, 2000.0, h.AvgBitrateKbps)
	assert.Equal(t, EndReasonStopped, h.EndReason)
}

func TestFoldSamplesOrderIndependent(t *testing.T) {
	pubID := uuid.New()
	camID := uuid.New()
	start := time.Now().Add(-time.Minute)
	end := start.Add(20 * time.Second)

	base := sampleSet(pubID, start)
	want := foldSamples(pubID, camID, "cam-1", start, end, EndReasonError, base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := make([]*data.MetricSample, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := foldSamples(pubID, camID, "cam-1", start, end, EndReasonError, shuffled)
		assert.Equal(t, want.TotalFrames, got.TotalFrames)
		assert.Equal(t, want.TotalKB, got.TotalKB)
		assert.Equal(t, want.PeakViewers, got.PeakViewers)
		assert.InDelta(t, want.AvgFPS, got.AvgFPS, 1e-9)
		assert.InDelta(t, want.AvgBitrateKbps, got.AvgBitrateKbps, 1e-9)
	}
}

func TestFoldSamplesEmpty(t *testing.T) {
	start := time.Now()
	h := foldSamples(uuid.New(), uuid.New(), "cam-1", start, start.Add(time.Second), EndReasonShutdown, nil)

	assert.Zero(t, h.TotalFrames)
	assert.Zero(t, h.AvgFPS)
	assert.Equal(t, EndReasonShutdown, h.EndReason)
}
