// Package hls remuxes the encoded stream into a rolling MPEG-TS/HLS window
// for passive viewers.
//
// The segmenter is an explicit state machine (waiting for a keyframe,
// segmenting, closed) owned by a single goroutine. Frames reach it through
// its own bounded queue and are dropped when the queue is full, so the
// interactive path never waits on disk.
package hls

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astits"

	"github.com/telemyapp/aegis-play/internal/h264"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
)

const (
	PlaylistName = "index.m3u8"

	videoPID    = 0x100
	videoStream = 0xe0
	// ptsOffset keeps the first timestamps clear of zero.
	ptsOffset = 90000
)

var audNAL = []byte{0x09, 0xf0}

type state int

const (
	stateWaitKeyframe state = iota
	stateSegmenting
	stateClosed
)

type Options struct {
	Target    time.Duration
	Window    int
	QueueSize int
	Log       *logging.Logger
	Metrics   *metrics.Registry
}

type Segmenter struct {
	dir  string
	opts Options
	log  *logging.Logger

	queue   chan h264.Frame
	dropped atomic.Uint64

	// owned by the run goroutine
	state     state
	cur       *segmentWriter
	curName   string
	segStart  time.Duration
	lastPTS   time.Duration
	lastDelta time.Duration
	next      int

	mu       sync.RWMutex
	playlist Playlist

	cancel context.CancelFunc
	done   chan struct{}
}

// New prepares dir for a session's playlist and segments.
func New(dir string, opts Options) (*Segmenter, error) {
	if opts.Target <= 0 {
		opts.Target = 2 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 6
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hls dir: %w", err)
	}
	return &Segmenter{
		dir:      dir,
		opts:     opts,
		log:      opts.Log,
		queue:    make(chan h264.Frame, opts.QueueSize),
		playlist: Playlist{Target: opts.Target},
	}, nil
}

func (s *Segmenter) Dir() string { return s.dir }

// Offer hands a frame to the segmenter without blocking.
func (s *Segmenter) Offer(f h264.Frame) {
	select {
	case s.queue <- f:
	default:
		s.dropped.Add(1)
		s.opts.Metrics.IncCounter("aegis_frames_dropped_total", map[string]string{"reason": "hls_queue_full"})
	}
}

func (s *Segmenter) Dropped() uint64 { return s.dropped.Load() }

// Start runs the segmenter until Stop.
func (s *Segmenter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-s.queue:
				if err := s.handle(f); err != nil {
					s.log.Warn().Err(err).Str("event", "hls_write_failed").Msg("hls")
				}
			}
		}
	}()
}

// Stop finishes the open segment and marks the playlist ended.
func (s *Segmenter) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.finish()
}

func (s *Segmenter) Playlist() Playlist {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.playlist
	p.Segments = append([]Segment(nil), s.playlist.Segments...)
	return p
}

func (s *Segmenter) handle(f h264.Frame) error {
	switch s.state {
	case stateClosed:
		return nil
	case stateWaitKeyframe:
		if !f.Keyframe {
			return nil
		}
		if err := s.openSegment(f.PTS); err != nil {
			return err
		}
		s.state = stateSegmenting
	case stateSegmenting:
		if f.Keyframe && f.PTS-s.segStart >= s.opts.Target {
			if err := s.closeSegment(f.PTS - s.segStart); err != nil {
				return err
			}
			if err := s.openSegment(f.PTS); err != nil {
				s.state = stateWaitKeyframe
				return err
			}
		}
	}
	if f.PTS > s.lastPTS {
		s.lastDelta = f.PTS - s.lastPTS
	}
	s.lastPTS = f.PTS
	return s.cur.write(f)
}

func (s *Segmenter) openSegment(pts time.Duration) error {
	name := fmt.Sprintf("seg_%05d.ts", s.next)
	w, err := newSegmentWriter(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	s.next++
	s.cur = w
	s.curName = name
	s.segStart = pts
	return nil
}

func (s *Segmenter) closeSegment(d time.Duration) error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.close()
	s.cur = nil
	if err != nil {
		return err
	}
	s.opts.Metrics.IncCounter("aegis_hls_segments_total", nil)

	s.mu.Lock()
	s.playlist.Segments = append(s.playlist.Segments, Segment{Name: s.curName, Duration: d, Keyframe: true})
	var expired []string
	for len(s.playlist.Segments) > s.opts.Window {
		expired = append(expired, s.playlist.Segments[0].Name)
		s.playlist.Segments = s.playlist.Segments[1:]
		s.playlist.MediaSequence++
	}
	snapshot := s.playlist
	s.mu.Unlock()

	if err := s.writePlaylist(snapshot); err != nil {
		return err
	}
	for _, name := range expired {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("segment", name).Msg("hls: remove expired segment")
		}
	}
	return nil
}

func (s *Segmenter) finish() error {
	if s.state == stateClosed {
		return nil
	}
	var err error
	if s.state == stateSegmenting {
		err = s.closeSegment(s.lastPTS - s.segStart + s.lastDelta)
	}
	s.state = stateClosed

	s.mu.Lock()
	s.playlist.Ended = true
	snapshot := s.playlist
	s.mu.Unlock()
	return errors.Join(err, s.writePlaylist(snapshot))
}

// writePlaylist replaces the playlist file atomically.
func (s *Segmenter) writePlaylist(p Playlist) error {
	tmp := filepath.Join(s.dir, PlaylistName+".tmp")
	if err := os.WriteFile(tmp, []byte(p.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, PlaylistName))
}

type segmentWriter struct {
	f  *os.File
	bw *bufio.Writer
	mx *astits.Muxer
}

func newSegmentWriter(path string) (*segmentWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(f)
	mx := astits.NewMuxer(context.Background(), bw)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		_ = f.Close()
		return nil, err
	}
	mx.SetPCRPID(videoPID)
	if _, err := mx.WriteTables(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{f: f, bw: bw, mx: mx}, nil
}

func (w *segmentWriter) write(f h264.Frame) error {
	data := make([]byte, 0, f.Size()+4*(len(f.NALs)+1)+len(audNAL))
	data = append(data, 0, 0, 0, 1)
	data = append(data, audNAL...)
	for _, nal := range f.NALs {
		data = append(data, 0, 0, 0, 1)
		data = append(data, nal...)
	}
	pts := clock90k(f.PTS)

	_, err := w.mx.WriteData(&astits.MuxerData{
		PID: videoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: f.Keyframe,
			HasPCR:                true,
			PCR:                   &astits.ClockReference{Base: pts},
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts},
				},
				StreamID: videoStream,
			},
			Data: data,
		},
	})
	return err
}

// clock90k converts a stream offset to a 33-bit MPEG-TS timestamp.
func clock90k(d time.Duration) int64 {
	sec, frac := int64(d/time.Second), int64(d%time.Second)
	ticks := sec*90000 + frac*90000/int64(time.Second) + ptsOffset
	return ticks & (1<<33 - 1)
}

func (w *segmentWriter) close() error {
	return errors.Join(w.bw.Flush(), w.f.Close())
}
