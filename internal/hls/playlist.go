package hls

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Segment is one finished MPEG-TS file in the playlist window.
type Segment struct {
	Name     string
	Duration time.Duration
	Keyframe bool
}

// Playlist renders a live HLS media playlist.
type Playlist struct {
	MediaSequence int
	Target        time.Duration
	Segments      []Segment
	Ended         bool
}

func (p Playlist) targetDuration() int {
	t := p.Target
	for _, s := range p.Segments {
		if s.Duration > t {
			t = s.Duration
		}
	}
	return int(math.Ceil(t.Seconds()))
}

func (p Playlist) String() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", p.targetDuration())
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	for _, s := range p.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.Duration.Seconds(), s.Name)
	}
	if p.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
