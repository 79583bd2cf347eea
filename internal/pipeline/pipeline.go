// Package pipeline moves live frames from an encoder to an RTP track.
//
// Capture runs independently of the network: frames are handed to the
// writer through a bounded queue where the newest frame wins, and the writer
// only produces packets while the sink reports it can send. Frames that
// arrive while the transport is not connected are discarded, never queued.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtp"

	"github.com/telemyapp/aegis-play/internal/h264"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
)

// Sink is the outbound track. WriteRTP reports false when the gate closed
// and the packet was not sent.
type Sink interface {
	CanSendRTP() bool
	WriteRTP(pkt *rtp.Packet) (bool, error)
	SSRC() uint32
}

// Tap receives every captured frame. Offer must not block.
type Tap interface {
	Offer(f h264.Frame)
}

var (
	ErrRunning        = errors.New("pipeline already running")
	errEncoderExited  = errors.New("encoder stream ended")
	defaultReadBuffer = 64 * 1024
)

type Options struct {
	MTU            int
	PayloadType    uint8
	QueueSize      int
	MaxRestarts    int
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	Tap            Tap
	// OnFatal is called once when restarts are exhausted.
	OnFatal func(error)
	Log     *logging.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

type Stats struct {
	FramesCaptured uint64 `json:"framesCaptured"`
	FramesDropped  uint64 `json:"framesDropped"`
	PacketsSent    uint64 `json:"packetsSent"`
	PacketsDropped uint64 `json:"packetsDropped"`
	Restarts       uint64 `json:"restarts"`
}

type Pipeline struct {
	enc    Encoder
	sink   Sink
	params model.StreamParams
	opts   Options
	log    *logging.Logger

	parser *h264.Parser
	framer h264.Framer
	pkt    *Packetizer
	queue  *frameQueue

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    *multierror.Error
	started time.Time

	framesCaptured atomic.Uint64
	framesDropped  atomic.Uint64
	packetsSent    atomic.Uint64
	packetsDropped atomic.Uint64
	restarts       atomic.Uint64
}

func New(enc Encoder, sink Sink, params model.StreamParams, opts Options) *Pipeline {
	if opts.MTU <= 0 {
		opts.MTU = 1200
	}
	if opts.PayloadType == 0 {
		opts.PayloadType = 102
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		enc:    enc,
		sink:   sink,
		params: params,
		opts:   opts,
		log:    opts.Log,
		parser: h264.NewParser(),
		pkt:    NewPacketizer(opts.MTU, opts.PayloadType, sink.SSRC()),
		queue:  newFrameQueue(opts.QueueSize),
	}
}

// Start launches capture and the network writer. They run until Stop or
// until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.errs = nil
	p.started = p.opts.Now()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.captureLoop(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.writeLoop(ctx)
	}()
	p.log.Info().Str("event", "pipeline_started").Int("width", p.params.Width).Int("height", p.params.Height).
		Int("fps", p.params.FPS).Int("bitrate_kbps", p.params.Bitrate).Msg("pipeline")
	return nil
}

// Stop releases the capture resource, waits for both loops and clears
// parser and packetizer state. It returns the teardown errors collected
// while running.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	p.wg.Wait()

	p.parser.Reset()
	p.framer.Reset()
	p.pkt.Reset()
	if n := p.queue.drain(); n > 0 {
		p.dropFrames(n, "stopped")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info().Str("event", "pipeline_stopped").Uint64("frames", p.framesCaptured.Load()).
		Uint64("packets_sent", p.packetsSent.Load()).Msg("pipeline")
	return p.errs.ErrorOrNil()
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesCaptured: p.framesCaptured.Load(),
		FramesDropped:  p.framesDropped.Load(),
		PacketsSent:    p.packetsSent.Load(),
		PacketsDropped: p.packetsDropped.Load(),
		Restarts:       p.restarts.Load(),
	}
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	attempt := 0
	for {
		frames, stage, err := p.runEncoder(ctx)
		if ctx.Err() != nil {
			return
		}
		p.parser.Reset()
		p.framer.Reset()
		if frames > 0 {
			attempt = 0
		}
		attempt++
		p.restarts.Add(1)
		p.opts.Metrics.IncCounter("aegis_pipeline_restarts_total", map[string]string{"stage": stage})

		if p.opts.MaxRestarts > 0 && attempt > p.opts.MaxRestarts {
			p.log.Error().Err(err).Str("event", "pipeline_failed").Int("attempts", attempt).Msg("pipeline")
			if p.opts.OnFatal != nil {
				p.opts.OnFatal(fmt.Errorf("%s: %w", stage, err))
			}
			return
		}
		backoff := p.opts.RestartBackoff << (attempt - 1)
		if backoff > p.opts.MaxBackoff || backoff <= 0 {
			backoff = p.opts.MaxBackoff
		}
		p.log.Warn().Err(err).Str("event", "pipeline_restart").Str("stage", stage).
			Int("attempt", attempt).Dur("backoff", backoff).Msg("pipeline")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runEncoder runs one encoder lifetime and returns how many frames it
// produced and which stage failed.
func (p *Pipeline) runEncoder(ctx context.Context) (int, string, error) {
	rc, err := p.enc.Start(ctx, p.params)
	if err != nil {
		return 0, "capture", err
	}
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		stop()
		if cerr := rc.Close(); cerr != nil {
			p.mu.Lock()
			p.errs = multierror.Append(p.errs, cerr)
			p.mu.Unlock()
		}
	}()

	frames := 0
	buf := make([]byte, defaultReadBuffer)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			for _, nal := range p.parser.Push(buf[:n]) {
				if f, ok := p.framer.Push(nal); ok {
					p.emit(f)
					frames++
				}
			}
			if next, ok := p.parser.NextType(); ok {
				if f, ok := p.framer.Boundary(next); ok {
					p.emit(f)
					frames++
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = errEncoderExited
			}
			return frames, "encoder", rerr
		}
	}
}

func (p *Pipeline) emit(f h264.Frame) {
	f.PTS = p.opts.Now().Sub(p.started)
	p.framesCaptured.Add(1)
	if p.opts.Tap != nil {
		p.opts.Tap.Offer(f)
	}
	if evicted := p.queue.offer(f); evicted > 0 {
		p.dropFrames(evicted, "queue_full")
	}
}

func (p *Pipeline) writeLoop(ctx context.Context) {
	needKeyframe := true
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.queue.ch:
			if !p.sink.CanSendRTP() {
				needKeyframe = true
				p.dropFrames(1, "not_connected")
				continue
			}
			if needKeyframe && !f.Keyframe {
				p.dropFrames(1, "await_keyframe")
				continue
			}
			needKeyframe = false
			if !p.send(p.pkt.Packetize(f)) {
				needKeyframe = true
			}
		}
	}
}

// send writes one frame's packets in order. It returns false when the gate
// closed part way; the rest of the frame is dropped.
func (p *Pipeline) send(pkts []*rtp.Packet) bool {
	for i, pkt := range pkts {
		sent, err := p.sink.WriteRTP(pkt)
		switch {
		case err != nil:
			p.dropPackets(1, "write_error")
			p.log.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("rtp write")
		case !sent:
			p.dropPackets(len(pkts)-i, "not_connected")
			return false
		default:
			p.packetsSent.Add(1)
			p.opts.Metrics.IncCounter("aegis_rtp_packets_sent_total", nil)
		}
	}
	return true
}

func (p *Pipeline) dropFrames(n int, reason string) {
	p.framesDropped.Add(uint64(n))
	p.opts.Metrics.AddCounter("aegis_frames_dropped_total", float64(n), map[string]string{"reason": reason})
}

func (p *Pipeline) dropPackets(n int, reason string) {
	p.packetsDropped.Add(uint64(n))
	p.opts.Metrics.AddCounter("aegis_rtp_packets_dropped_total", float64(n), map[string]string{"reason": reason})
}
