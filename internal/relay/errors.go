package relay

import (
	"regexp"
	"strings"
)

// errorPatterns maps ffmpeg stderr substrings to operator-facing
// messages, checked in order so the more specific entries win.
var errorPatterns = []struct {
	substr  string
	message string
}{
	{"connection refused", "Camera refused the connection. Check that the camera is online and the RTSP port is correct."},
	{"connection timed out", "Connection to the camera timed out. Check network reachability and firewall rules."},
	{"operation timed out", "Stream read timed out. The camera may be overloaded or the network unstable."},
	{"401 unauthorized", "Camera rejected the credentials (401). Check the configured username and password."},
	{"403 forbidden", "Camera denied access to the stream (403). The account may lack streaming permission."},
	{"404 not found", "Stream path not found on the camera (404). Check the channel and stream path."},
	{"no route to host", "No route to the camera. Check the IP address and network configuration."},
	{"unsupported codec", "The camera stream uses a codec the relay cannot copy. Change the camera encoding."},
	{"codec not currently supported", "The camera stream uses a codec the relay cannot copy. Change the camera encoding."},
	{"method describe failed", "RTSP DESCRIBE failed. The camera did not return a stream description."},
	{"method setup failed", "RTSP SETUP failed. The camera refused the transport setup."},
	{"method play failed", "RTSP PLAY failed. The camera refused to start streaming."},
	{"cannot allocate memory", "The relay ran out of memory."},
	{"too many open files", "The host ran out of file descriptors. Raise the open-file limit."},
}

// vendorPrefixRe strips ffmpeg's component prefix, e.g.
// "[rtsp @ 0x55d1f0] " or "[tcp @ 0x7f3a20] ".
var vendorPrefixRe = regexp.MustCompile(`^(\[[^\]]+\]\s*)+`)

// ParseError maps one line of ffmpeg stderr to an operator-facing
// message. Known failure substrings yield a fixed message; other
// lines mentioning an error pass through with the component prefix
// stripped. Lines with no error indication return "".
func ParseError(line string) string {
	lower := strings.ToLower(line)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.substr) {
			return p.message
		}
	}
	if strings.Contains(lower, "error") {
		msg := strings.TrimSpace(vendorPrefixRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if msg != "" {
			return msg
		}
	}
	return ""
}
