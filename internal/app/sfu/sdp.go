package sfu

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var supportedCodecs = map[domain.Kind][]string{
	domain.KindAudio: {"opus"},
	domain.KindVideo: {"vp8", "vp9", "h264"},
}

type rtpmap struct {
	name      string
	clockRate uint32
	channels  uint16
}

func parseRTPMap(v string) (uint8, rtpmap, bool) {
	pt, rest, ok := strings.Cut(v, " ")
	if !ok {
		return 0, rtpmap{}, false
	}
	n, err := strconv.ParseUint(pt, 10, 8)
	if err != nil {
		return 0, rtpmap{}, false
	}
	parts := strings.Split(rest, "/")
	m := rtpmap{name: parts[0]}
	if len(parts) > 1 {
		if c, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
			m.clockRate = uint32(c)
		}
	}
	if len(parts) > 2 {
		if c, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			m.channels = uint16(c)
		}
	}
	return uint8(n), m, true
}

func parseSDP(raw string) (*sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: malformed sdp: %v", domain.ErrNegotiationFailed, err)
	}
	return &sd, nil
}

func mediaSections(sd *sdp.SessionDescription, kind domain.Kind) []*sdp.MediaDescription {
	var out []*sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == string(kind) && md.MediaName.Port.Value != 0 {
			out = append(out, md)
		}
	}
	return out
}

// ValidateOffer checks that a publish offer carries a media section of the
// requested kind with at least one codec the gateway can forward.
func ValidateOffer(offer string, kind domain.Kind) error {
	sd, err := parseSDP(offer)
	if err != nil {
		return err
	}
	sections := mediaSections(sd, kind)
	if len(sections) == 0 {
		return fmt.Errorf("%w: offer has no %s section", domain.ErrNegotiationFailed, kind)
	}
	for _, md := range sections {
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			if _, m, ok := parseRTPMap(a.Value); ok && slices.Contains(supportedCodecs[kind], strings.ToLower(m.name)) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no supported %s codec in offer", domain.ErrNegotiationFailed, kind)
}

// NegotiatedCodec returns the codec the answer selected for kind: the first
// payload type listed in the first active section of that kind.
func NegotiatedCodec(answer string, kind domain.Kind) (webrtc.RTPCodecCapability, error) {
	sd, err := parseSDP(answer)
	if err != nil {
		return webrtc.RTPCodecCapability{}, err
	}
	for _, md := range mediaSections(sd, kind) {
		if len(md.MediaName.Formats) == 0 {
			continue
		}
		want := md.MediaName.Formats[0]
		var c webrtc.RTPCodecCapability
		for _, a := range md.Attributes {
			switch a.Key {
			case "rtpmap":
				pt, m, ok := parseRTPMap(a.Value)
				if !ok || strconv.Itoa(int(pt)) != want {
					continue
				}
				c.MimeType = string(kind) + "/" + m.name
				c.ClockRate = m.clockRate
				c.Channels = m.channels
			case "fmtp":
				if pt, line, ok := strings.Cut(a.Value, " "); ok && pt == want {
					c.SDPFmtpLine = line
				}
			}
		}
		if c.MimeType != "" {
			if kind == domain.KindVideo {
				c.RTCPFeedback = []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}}
			}
			return c, nil
		}
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("%w: answer selected no %s codec", domain.ErrNegotiationFailed, kind)
}

func isNegotiation(err error) bool {
	return errors.Is(err, domain.ErrNegotiationFailed)
}
