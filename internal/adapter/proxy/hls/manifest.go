package hls

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// upstreamManifest is the parsed form of the engine's media playlist
type upstreamManifest struct {
	TargetDuration float64
	MediaSequence  int64
	Segments       []upstreamSegment
}

type upstreamSegment struct {
	Seq      int64
	Duration float64
	URL      string
}

// parseManifest reads the engine's .m3u8 and resolves segment URLs against
// the playlist location. Only the tags the fetcher needs are interpreted.
func parseManifest(body, baseURL string) (*upstreamManifest, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	m := &upstreamManifest{TargetDuration: 6}
	var pendingDuration float64
	seq := int64(0)

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				m.TargetDuration = v
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				m.MediaSequence = v
				seq = v
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			spec := strings.TrimSuffix(strings.TrimPrefix(line, "#EXTINF:"), ",")
			if comma := strings.Index(spec, ","); comma >= 0 {
				spec = spec[:comma]
			}
			pendingDuration, _ = strconv.ParseFloat(spec, 64)
		case strings.HasPrefix(line, "#"):
			continue
		default:
			ref, err := url.Parse(line)
			if err != nil {
				continue
			}
			m.Segments = append(m.Segments, upstreamSegment{
				Seq:      seq,
				Duration: pendingDuration,
				URL:      base.ResolveReference(ref).String(),
			})
			seq++
			pendingDuration = 0
		}
	}
	return m, nil
}

// renderManifest writes the proxy playlist advertising the newest window of
// buffered segments, with URLs rewritten to our own segment endpoint.
func renderManifest(contentKey string, segs []bufferedSegment, targetDuration float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(targetDuration+0.5))
	if len(segs) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segs[0].Seq)
	}
	for _, s := range segs {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration)
		fmt.Fprintf(&b, "/hls/%s/segment/%d.ts\n", contentKey, s.Seq)
	}
	return b.String()
}
