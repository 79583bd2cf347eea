// Package peer wraps one outbound WebRTC peer connection per session.
//
// The connection state machine is new → connecting → connected →
// {disconnected | failed | closed}; disconnected may recover to connected.
// failed and closed are terminal. CanSendRTP is true exactly while the state
// is connected and is the only gate for media writes.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/model"
)

var transitions = map[model.ConnectionState][]model.ConnectionState{
	model.ConnNew:          {model.ConnConnecting, model.ConnConnected, model.ConnFailed, model.ConnClosed},
	model.ConnConnecting:   {model.ConnConnected, model.ConnDisconnected, model.ConnFailed, model.ConnClosed},
	model.ConnConnected:    {model.ConnDisconnected, model.ConnFailed, model.ConnClosed},
	model.ConnDisconnected: {model.ConnConnecting, model.ConnConnected, model.ConnFailed, model.ConnClosed},
}

func allowed(from, to model.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrClosed is returned by signaling calls on a failed or closed peer.
var ErrClosed = apperr.New(apperr.KindTransportFailed, "peer connection is closed")

type Options struct {
	// OnState sees every accepted state change, outside the peer's lock.
	OnState func(model.ConnectionState)
	// OnCandidate sees each locally gathered candidate.
	OnCandidate func(webrtc.ICECandidateInit)
}

type Peer struct {
	sessionID string
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticRTP
	ssrc      uint32
	log       *logging.Logger
	opts      Options

	canSend atomic.Bool

	mu        sync.Mutex
	state     model.ConnectionState
	iceState  string
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	local     []webrtc.ICECandidateInit
}

func New(factory *APIFactory, sessionID string, log *logging.Logger, opts Options) (*Peer, error) {
	pc, err := factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: h264Fmtp},
		"video", "aegis-"+sessionID,
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	go drainRTCP(sender)

	p := &Peer{
		sessionID: sessionID,
		pc:        pc,
		track:     track,
		log:       log.Extend(log.With().Str("session_id", sessionID)),
		opts:      opts,
		state:     model.ConnNew,
	}
	if params := sender.GetParameters(); len(params.Encodings) > 0 {
		p.ssrc = uint32(params.Encodings[0].SSRC)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.Transition(fromPion(s))
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.mu.Lock()
		p.iceState = s.String()
		p.mu.Unlock()
		p.log.Debug().Str("ice_state", s.String()).Msg("ICE")
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		p.mu.Lock()
		p.local = append(p.local, cand)
		p.mu.Unlock()
		if p.opts.OnCandidate != nil {
			p.opts.OnCandidate(cand)
		}
	})
	return p, nil
}

// drainRTCP keeps interceptors (NACK, reports) fed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func fromPion(s webrtc.PeerConnectionState) model.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return model.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return model.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return model.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return model.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return model.ConnClosed
	default:
		return model.ConnNew
	}
}

// Transition applies to if it is a defined edge. Repeats and illegal moves
// are ignored and reported as false.
func (p *Peer) Transition(to model.ConnectionState) bool {
	p.mu.Lock()
	from := p.state
	if from == to || !allowed(from, to) {
		p.mu.Unlock()
		return false
	}
	p.state = to
	p.canSend.Store(to == model.ConnConnected)
	p.mu.Unlock()

	p.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("peer state")
	if p.opts.OnState != nil {
		p.opts.OnState(to)
	}
	return true
}

// Offer creates the local offer and waits for ICE gathering so the returned
// SDP carries every local candidate.
func (p *Peer) Offer(ctx context.Context, gatherTimeout time.Duration) (webrtc.SessionDescription, error) {
	if p.terminal() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		p.log.Warn().Dur("timeout", gatherTimeout).Msg("ICE gathering incomplete, sending partial offer")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *p.pc.LocalDescription(), nil
}

// SetAnswer applies the remote answer and flushes queued remote candidates.
func (p *Peer) SetAnswer(sdp string) error {
	if p.terminal() {
		return ErrClosed
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid answer", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.log.Warn().Err(errors.Join(errs...)).Int("dropped", len(errs)).Msg("queued candidates rejected")
	}
	return nil
}

// AddCandidate accepts a remote candidate before or after the answer.
func (p *Peer) AddCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid candidate", err)
	}
	return nil
}

// LocalCandidates returns the candidates gathered so far.
func (p *Peer) LocalCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.local...)
}

// PendingCandidates is the number of remote candidates waiting for the answer.
func (p *Peer) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) CanSendRTP() bool { return p.canSend.Load() }

// WriteRTP sends pkt when the gate is open. It reports whether the packet
// left; a closed gate drops it.
func (p *Peer) WriteRTP(pkt *rtp.Packet) (bool, error) {
	if !p.canSend.Load() {
		return false, nil
	}
	if err := p.track.WriteRTP(pkt); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Peer) SSRC() uint32 { return p.ssrc }

func (p *Peer) State() model.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.PeerConnectionState{
		SessionID:          p.sessionID,
		ConnectionState:    p.state,
		ICEConnectionState: p.iceState,
		CanSendRTP:         p.canSend.Load(),
		SSRC:               p.ssrc,
	}
}

func (p *Peer) terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Terminal()
}

// Close moves the peer to closed and releases the connection.
func (p *Peer) Close() error {
	p.Transition(model.ConnClosed)
	return p.pc.Close()
}
