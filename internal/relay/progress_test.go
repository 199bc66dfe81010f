package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetrics(t *testing.T) {
	line := "frame=  120 fps= 30 q=-1.0 size=    1024kB time=00:00:04.00 bitrate=2097.2kbits/s speed=1.00x"

	m := ParseMetrics(line)
	require.NotNil(t, m)

	assert.Equal(t, int64(120), m.Frames)
	assert.Equal(t, 30.0, m.FPS)
	assert.Equal(t, -1.0, m.Quality)
	assert.Equal(t, int64(1024), m.SizeKB)
	assert.Equal(t, 4.0, m.TimeSeconds)
	assert.Equal(t, 2097.2, m.BitrateKbps)
	assert.Equal(t, 1.0, m.Speed)
	assert.False(t, m.Lagging())
}

func TestParseMetricsNotAvailable(t *testing.T) {
	line := "frame=    0 fps=N/A q=0.0 size=       0kB time=00:00:00.00 bitrate=N/A speed=N/A"

	m := ParseMetrics(line)
	require.NotNil(t, m)

	assert.Equal(t, int64(0), m.Frames)
	assert.Equal(t, 0.0, m.FPS)
	assert.Equal(t, 0.0, m.BitrateKbps)
	assert.Equal(t, 0.0, m.Speed)
	assert.False(t, m.Lagging(), "unknown speed is not a lag signal")
}

func TestParseMetricsNonProgressLine(t *testing.T) {
	assert.Nil(t, ParseMetrics("Input #0, rtsp, from 'rtsp://10.0.0.5:554/ch0':"))
	assert.Nil(t, ParseMetrics(""))
}

func TestParseMetricsLongSession(t *testing.T) {
	line := "frame=108000 fps= 30 q=-1.0 size=  900000kB time=01:00:00.00 bitrate=2048.0kbits/s speed=0.90x"

	m := ParseMetrics(line)
	require.NotNil(t, m)

	assert.Equal(t, 3600.0, m.TimeSeconds)
	assert.True(t, m.Lagging())
}
