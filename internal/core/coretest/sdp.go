package coretest

import "strings"

const (
	videoMedia = "m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=rtpmap:96 VP8/90000"
	audioMedia = "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=rtpmap:111 opus/48000/2"
)

// SDP returns a minimal session description with one VP8 video or one
// Opus audio section.
func SDP(kind string) string {
	section := videoMedia
	if kind == "audio" {
		section = audioMedia
	}
	return strings.Join([]string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		section,
	}, "\r\n") + "\r\n"
}
