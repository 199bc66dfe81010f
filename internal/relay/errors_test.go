package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseErrorKnownPatterns(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{
			line: "[tcp @ 0x55d1f0a2b3c0] Connection refused",
			want: "refused the connection",
		},
		{
			line: "method DESCRIBE failed: 401 Unauthorized",
			want: "401",
		},
		{
			line: "rtsp://10.0.0.5:554/ch0: 404 Not Found",
			want: "404",
		},
		{
			line: "[rtsp @ 0x7f3a20] method SETUP failed: 461 Unsupported Transport",
			want: "RTSP SETUP failed",
		},
		{
			line: "Unsupported codec with id 86018 for input stream 1",
			want: "codec",
		},
		{
			line: "av_malloc: Cannot allocate memory",
			want: "out of memory",
		},
		{
			line: "accept4: Too many open files",
			want: "file descriptors",
		},
	}
	for _, tc := range tests {
		got := ParseError(tc.line)
		assert.Contains(t, got, tc.want, "line %q", tc.line)
	}
}

func TestParseErrorPassthrough(t *testing.T) {
	got := ParseError("[rtsp @ 0x55d1f0a2b3c0] error while decoding MB 22 11")
	assert.Equal(t, "error while decoding MB 22 11", got)
}

func TestParseErrorNoMatch(t *testing.T) {
	assert.Empty(t, ParseError("Stream #0:0: Video: h264 (Main), yuv420p"))
	assert.Empty(t, ParseError("frame=  120 fps= 30 q=-1.0 size= 1024kB"))
	assert.Empty(t, ParseError(""))
}

func TestParseErrorAuthBeforePassthrough(t *testing.T) {
	got := ParseError("[rtsp @ 0x1] error: method DESCRIBE failed: 401 Unauthorized")
	assert.True(t, strings.Contains(got, "credentials"), "got %q", got)
}
