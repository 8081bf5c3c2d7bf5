package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	SessionTypeOffer  = "offer"
	SessionTypeAnswer = "answer"
)

const (
	codecH264     = "H264"
	videoClock    = 90000
	videoMedia    = "video"
	mediaLineTag  = "m="
	rtpmapLineTag = "a=rtpmap:"
)

// ErrNoVideoCodec is returned when an offer has no video codec the server
// can send.
var ErrNoVideoCodec = errors.New("server: no supported video codec offered")

type SessionDescriptor struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// PreferH264 moves the H.264 payload types of the first video section to the
// front of its media line.
func PreferH264(desc string) string {
	return PreferCodec(desc, codecH264, videoClock)
}

// PreferCodec rewrites the payload list of the first m=video line so that
// every payload type mapped to codec/clock in that section comes first. The
// relative order inside both groups is kept. A description without a match
// is returned unchanged, as is everything but that one line.
func PreferCodec(desc, codec string, clock int) string {
	lines := strings.SplitAfter(desc, "\n")

	media := -1
	var preferred []string
	for i, line := range lines {
		text := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(text, mediaLineTag) {
			if media >= 0 {
				break
			}
			if strings.HasPrefix(text, mediaLineTag+videoMedia) {
				media = i
			}
			continue
		}

		if media < 0 || !strings.HasPrefix(text, rtpmapLineTag) {
			continue
		}

		pt, name, rate, ok := parseRtpmap(text)
		if ok && strings.EqualFold(name, codec) && rate == clock {
			preferred = append(preferred, pt)
		}
	}

	if media < 0 || len(preferred) == 0 {
		return desc
	}

	line := lines[media]
	text := strings.TrimRight(line, "\r\n")
	eol := line[len(text):]

	// m=<media> <port> <proto> <fmt> ...
	fields := strings.Fields(text)
	if len(fields) <= 4 {
		return desc
	}

	want := make(map[string]bool, len(preferred))
	for _, pt := range preferred {
		want[pt] = true
	}

	formats := fields[3:]
	ordered := make([]string, 0, len(formats))
	for _, f := range formats {
		if want[f] {
			ordered = append(ordered, f)
		}
	}
	for _, f := range formats {
		if !want[f] {
			ordered = append(ordered, f)
		}
	}

	lines[media] = strings.Join(append(fields[:3:3], ordered...), " ") + eol
	return strings.Join(lines, "")
}

// parseRtpmap splits "a=rtpmap:<pt> <name>/<clock>[/<params>]".
func parseRtpmap(line string) (pt, name string, clock int, ok bool) {
	rest := strings.TrimPrefix(line, rtpmapLineTag)
	pt, encoding, found := strings.Cut(rest, " ")
	if !found {
		return "", "", 0, false
	}

	parts := strings.Split(strings.TrimSpace(encoding), "/")
	if len(parts) < 2 {
		return "", "", 0, false
	}
	clock, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", "", 0, false
	}
	return strings.TrimSpace(pt), parts[0], clock, true
}

// SelectVideoCodec returns the first codec of the first video section of
// desc whose name is in supported.
func SelectVideoCodec(desc string, supported ...string) (sdp.Codec, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc)); err != nil {
		return sdp.Codec{}, err
	}

	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != videoMedia {
			continue
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := parsed.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			for _, name := range supported {
				if strings.EqualFold(codec.Name, name) {
					return codec, nil
				}
			}
		}
		break
	}
	return sdp.Codec{}, ErrNoVideoCodec
}
