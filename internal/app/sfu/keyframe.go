package sfu

import (
	"strings"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

const (
	h264NALUIDR   = 5
	h264NALUSPS   = 7
	h264NALUSTAPA = 24
	h264NALUFUA   = 28
)

// IsKeyframe reports whether payload is the first packet of a key frame for
// the codec identified by mimeType. Audio codecs never report keyframes.
func IsKeyframe(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return isVP9Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	default:
		return false
	}
}

func isVP8Keyframe(payload []byte) bool {
	var p codecs.VP8Packet
	if _, err := p.Unmarshal(payload); err != nil {
		return false
	}
	// start of partition 0 with the inverse key frame bit cleared
	return p.S == 1 && p.PID == 0 && len(p.Payload) > 0 && p.Payload[0]&0x01 == 0
}

func isVP9Keyframe(payload []byte) bool {
	var p codecs.VP9Packet
	if _, err := p.Unmarshal(payload); err != nil {
		return false
	}
	return !p.P && p.B
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	nalu := payload[0] & 0x1F
	switch {
	case nalu == h264NALUIDR || nalu == h264NALUSPS:
		return true
	case nalu == h264NALUSTAPA:
		i := 1
		for i+2 < len(payload) {
			size := int(payload[i])<<8 | int(payload[i+1])
			t := payload[i+2] & 0x1F
			if t == h264NALUIDR || t == h264NALUSPS {
				return true
			}
			i += 2 + size
		}
		return false
	case nalu == h264NALUFUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		t := payload[1] & 0x1F
		return start && (t == h264NALUIDR || t == h264NALUSPS)
	default:
		return false
	}
}
