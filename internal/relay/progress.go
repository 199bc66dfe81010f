package relay

import (
	"regexp"
	"strconv"
	"strings"
)

// slowSpeedThreshold is the processing speed factor below which the
// relay is falling behind real time and frames will buffer.
const slowSpeedThreshold = 0.95

// Metrics is one parsed -stats progress line.
type Metrics struct {
	Frames      int64
	FPS         float64
	Quality     float64
	SizeKB      int64
	TimeSeconds float64
	BitrateKbps float64
	Speed       float64
}

// Lagging reports whether the relay is processing slower than real
// time by enough margin to risk a growing backlog.
func (m *Metrics) Lagging() bool {
	return m.Speed > 0 && m.Speed < slowSpeedThreshold
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+|N/A)`)
	qualityRe = regexp.MustCompile(`q=\s*(-?[\d.]+)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)kB`)
	timeRe    = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+|N/A)`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+|N/A)x`)
)

// ParseMetrics extracts progress values from one line of ffmpeg
// stderr output. It returns nil for lines that are not -stats
// progress updates. ffmpeg reports "N/A" for fps, bitrate and speed
// before enough input has arrived; those fields stay zero.
func ParseMetrics(line string) *Metrics {
	fm := frameRe.FindStringSubmatch(line)
	if fm == nil {
		return nil
	}

	m := &Metrics{}
	m.Frames, _ = strconv.ParseInt(fm[1], 10, 64)

	if g := fpsRe.FindStringSubmatch(line); g != nil {
		m.FPS = parseMaybe(g[1])
	}
	if g := qualityRe.FindStringSubmatch(line); g != nil {
		m.Quality, _ = strconv.ParseFloat(g[1], 64)
	}
	if g := sizeRe.FindStringSubmatch(line); g != nil {
		m.SizeKB, _ = strconv.ParseInt(g[1], 10, 64)
	}
	if g := timeRe.FindStringSubmatch(line); g != nil {
		h, _ := strconv.ParseFloat(g[1], 64)
		min, _ := strconv.ParseFloat(g[2], 64)
		s, _ := strconv.ParseFloat(g[3], 64)
		m.TimeSeconds = h*3600 + min*60 + s
	}
	if g := bitrateRe.FindStringSubmatch(line); g != nil {
		m.BitrateKbps = parseMaybe(g[1])
	}
	if g := speedRe.FindStringSubmatch(line); g != nil {
		m.Speed = parseMaybe(g[1])
	}
	return m
}

func parseMaybe(s string) float64 {
	if strings.EqualFold(s, "N/A") {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
