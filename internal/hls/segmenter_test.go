package hls

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/asticode/go-astits"

	"github.com/telemyapp/aegis-play/internal/h264"
	"github.com/telemyapp/aegis-play/internal/metrics"
)

var (
	sps   = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe8}
	pps   = []byte{0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0x65, 0x88, 0x84, 0x21, 0xa0}
	delta = []byte{0x41, 0x9a, 0x21, 0x6c, 0x42}
)

// frameAt returns frame i of a 10 fps stream with a keyframe every second.
func frameAt(i int) h264.Frame {
	f := h264.Frame{PTS: time.Duration(i) * 100 * time.Millisecond}
	if i%10 == 0 {
		f.NALs = [][]byte{sps, pps, idr}
		f.Keyframe = true
	} else {
		f.NALs = [][]byte{delta}
	}
	return f
}

func newTestSegmenter(t *testing.T, window int) *Segmenter {
	t.Helper()
	s, err := New(t.TempDir(), Options{Target: 2 * time.Second, Window: window, QueueSize: 2, Metrics: metrics.NewRegistry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSegmenterCutsOnKeyframesAndRollsWindow(t *testing.T) {
	s := newTestSegmenter(t, 3)
	for i := 0; i < 100; i++ {
		if err := s.handle(frameAt(i)); err != nil {
			t.Fatalf("handle frame %d: %v", i, err)
		}
	}

	p := s.Playlist()
	if len(p.Segments) != 3 || p.MediaSequence != 1 {
		t.Fatalf("expected 3 segments from sequence 1, got %d from %d", len(p.Segments), p.MediaSequence)
	}
	for _, seg := range p.Segments {
		if seg.Duration != 2*time.Second {
			t.Fatalf("segment %s lasts %v", seg.Name, seg.Duration)
		}
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "seg_00000.ts")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expired segment should be deleted, stat err=%v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	p = s.Playlist()
	if !p.Ended || p.MediaSequence != 2 || p.Segments[len(p.Segments)-1].Name != "seg_00004.ts" {
		t.Fatalf("unexpected final playlist %+v", p)
	}

	raw, err := os.ReadFile(filepath.Join(s.Dir(), PlaylistName))
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	body := string(raw)
	for _, want := range []string{"#EXT-X-TARGETDURATION:2", "#EXT-X-MEDIA-SEQUENCE:2", "#EXTINF:2.000,\nseg_00004.ts", "#EXT-X-ENDLIST"} {
		if !strings.Contains(body, want) {
			t.Fatalf("playlist missing %q:\n%s", want, body)
		}
	}
}

func TestSegmenterWaitsForFirstKeyframe(t *testing.T) {
	s := newTestSegmenter(t, 6)
	for i := 5; i < 10; i++ {
		_ = s.handle(frameAt(i))
	}
	if s.state != stateWaitKeyframe || s.cur != nil {
		t.Fatal("delta frames must not open a segment")
	}
	_ = s.handle(frameAt(10))
	if s.state != stateSegmenting {
		t.Fatal("keyframe should open a segment")
	}
}

func TestSegmentIsDemuxable(t *testing.T) {
	s := newTestSegmenter(t, 6)
	for i := 0; i < 25; i++ {
		if err := s.handle(frameAt(i)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(s.Dir(), "seg_00000.ts"))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()

	dmx := astits.NewDemuxer(context.Background(), f)
	var pes, pmt int
	var firstPTS int64 = -1
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		if err != nil {
			t.Fatalf("demux: %v", err)
		}
		if d.PMT != nil {
			pmt++
			if d.PMT.ElementaryStreams[0].StreamType != astits.StreamTypeH264Video {
				t.Fatalf("unexpected stream type %v", d.PMT.ElementaryStreams[0].StreamType)
			}
		}
		if d.PES != nil {
			if firstPTS < 0 {
				firstPTS = d.PES.Header.OptionalHeader.PTS.Base
			}
			pes++
		}
	}
	if pmt == 0 {
		t.Fatal("segment has no PMT")
	}
	if pes != 20 {
		t.Fatalf("expected 20 frames in the first segment, got %d", pes)
	}
	if firstPTS != ptsOffset {
		t.Fatalf("first PTS = %d", firstPTS)
	}
}

func TestOfferNeverBlocks(t *testing.T) {
	s := newTestSegmenter(t, 6)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Offer(frameAt(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked on a full queue")
	}
	if s.Dropped() != 8 {
		t.Fatalf("expected 8 drops with a queue of 2, got %d", s.Dropped())
	}
}

func TestStartStopEndsPlaylist(t *testing.T) {
	s := newTestSegmenter(t, 6)
	s.Start(context.Background())
	for i := 0; i < 30; i++ {
		s.Offer(frameAt(i))
		time.Sleep(time.Millisecond)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Playlist().Segments) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !s.Playlist().Ended {
		t.Fatal("playlist should be ended after stop")
	}
}

func TestClock90kWrapsAt33Bits(t *testing.T) {
	if got := clock90k(0); got != ptsOffset {
		t.Fatalf("clock90k(0) = %d", got)
	}
	// 30h of ticks plus the offset is 9720090000, past 2^33.
	long := 30 * time.Hour
	if got := clock90k(long); got != 1130155408 {
		t.Fatalf("clock90k(30h) = %d", got)
	}
	if d := clock90k(long+time.Second) - clock90k(long); d != 90000 {
		t.Fatalf("expected 90000 ticks per second late in the stream, got %d", d)
	}
}
