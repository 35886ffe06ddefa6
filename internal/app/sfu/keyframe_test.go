package sfu

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

var (
	vp8Key   = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
	vp8Inter = []byte{0x10, 0x01, 0x00, 0x00, 0x00}
)

func TestIsKeyframe(t *testing.T) {
	tests := []struct {
		name    string
		mime    string
		payload []byte
		want    bool
	}{
		{"vp8 key", webrtc.MimeTypeVP8, vp8Key, true},
		{"vp8 inter", webrtc.MimeTypeVP8, vp8Inter, false},
		{"vp8 continuation", webrtc.MimeTypeVP8, []byte{0x00, 0x00, 0x00, 0x00}, false},
		{"vp8 lower case mime", "video/vp8", vp8Key, true},
		{"vp8 empty", webrtc.MimeTypeVP8, nil, false},
		{"h264 idr", webrtc.MimeTypeH264, []byte{0x65, 0x88}, true},
		{"h264 sps", webrtc.MimeTypeH264, []byte{0x67, 0x42}, true},
		{"h264 p slice", webrtc.MimeTypeH264, []byte{0x41, 0x9a}, false},
		{"h264 stap-a with sps", webrtc.MimeTypeH264, []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x02, 0x68, 0xce}, true},
		{"h264 stap-a without key", webrtc.MimeTypeH264, []byte{0x78, 0x00, 0x02, 0x41, 0x9a}, false},
		{"h264 fu-a idr start", webrtc.MimeTypeH264, []byte{0x7c, 0x85, 0x00}, true},
		{"h264 fu-a idr middle", webrtc.MimeTypeH264, []byte{0x7c, 0x05, 0x00}, false},
		{"vp9 key", webrtc.MimeTypeVP9, []byte{0x08, 0x00}, true},
		{"vp9 inter", webrtc.MimeTypeVP9, []byte{0x48, 0x00}, false},
		{"opus", webrtc.MimeTypeOpus, vp8Key, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKeyframe(tt.mime, tt.payload); got != tt.want {
				t.Fatalf("IsKeyframe = %v, want %v", got, tt.want)
			}
		})
	}
}
