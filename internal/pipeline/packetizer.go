package pipeline

import (
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/telemyapp/aegis-play/internal/h264"
)

const (
	rtpHeaderSize = 12
	clockRate     = 90000
)

// Packetizer turns frames into RTP packets. Large NALs are fragmented as
// FU-A, SPS/PPS are aggregated into STAP-A, the last packet of each frame
// carries the marker bit and sequence numbers wrap at 16 bits.
type Packetizer struct {
	mtu         uint16
	payloadType uint8
	ssrc        uint32
	seq         uint16
	tsBase      uint32
	payloader   codecs.H264Payloader
}

// NewPacketizer returns a packetizer with a random initial sequence number
// and timestamp offset. mtu bounds the whole RTP packet.
func NewPacketizer(mtu int, payloadType uint8, ssrc uint32) *Packetizer {
	return &Packetizer{
		mtu:         uint16(mtu),
		payloadType: payloadType,
		ssrc:        ssrc,
		seq:         uint16(rand.Uint32()),
		tsBase:      rand.Uint32(),
	}
}

// Timestamp maps a capture offset onto the 90 kHz media clock. The result
// wraps at 32 bits however long the stream has run.
func (p *Packetizer) Timestamp(pts time.Duration) uint32 {
	sec, frac := uint64(pts/time.Second), uint64(pts%time.Second)
	ticks := sec*clockRate + frac*clockRate/uint64(time.Second)
	return p.tsBase + uint32(ticks)
}

// Packetize returns the packets for one frame. All share one timestamp.
func (p *Packetizer) Packetize(f h264.Frame) []*rtp.Packet {
	var payloads [][]byte
	for _, nal := range f.NALs {
		payloads = append(payloads, p.payloader.Payload(p.mtu-rtpHeaderSize, nal)...)
	}
	if len(payloads) == 0 {
		return nil
	}
	ts := p.Timestamp(f.PTS)
	pkts := make([]*rtp.Packet, len(payloads))
	for i, pl := range payloads {
		pkts[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
				Marker:         i == len(payloads)-1,
			},
			Payload: pl,
		}
		p.seq++
	}
	return pkts
}

// NextSequence is the sequence number the next packet will carry.
func (p *Packetizer) NextSequence() uint16 { return p.seq }

// Reset drops buffered parameter sets.
func (p *Packetizer) Reset() { p.payloader = codecs.H264Payloader{} }
