// Package mediaengine owns the media side of every session: one outbound
// peer connection, one capture pipeline and an optional HLS segmenter. It
// is driven by the control plane over an internal HTTP API and is never
// reachable by browsers directly.
package mediaengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/webrtc/v4"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/hls"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/peer"
	"github.com/telemyapp/aegis-play/internal/pipeline"
)

var ErrSessionExists = apperr.New(apperr.KindConflict, "media session already started")

var errNoSession = apperr.New(apperr.KindNotFound, "media session not found")

// ErrSessionEnded rejects calls on a session id whose peer already failed or
// was stopped. Terminal connection states are final for an id.
var ErrSessionEnded = apperr.New(apperr.KindConflict, "media session has ended")

type Options struct {
	MTU           int
	FrameQueue    int
	MaxRestarts   int
	GatherTimeout time.Duration
	// EndedTTL is how long a stopped session id stays rejected.
	EndedTTL time.Duration

	HLSEnabled bool
	HLSDir     string
	HLSSegment time.Duration
	HLSWindow  int

	Log     *logging.Logger
	Metrics *metrics.Registry
}

type Engine struct {
	factory *peer.APIFactory
	encoder pipeline.Encoder
	opts    Options
	log     *logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	sessions map[string]*session
	ended    map[string]time.Time
}

type session struct {
	id      string
	params  model.StreamParams
	created time.Time
	hub     *hub
	peer    *peer.Peer
	pipe    *pipeline.Pipeline
	seg     *hls.Segmenter
	state   model.ConnectionState

	// life orders setup against teardown so a stop that lands mid-start
	// never leaves a running pipeline behind.
	life    sync.Mutex
	stopped bool
}

func New(factory *peer.APIFactory, enc pipeline.Encoder, opts Options) *Engine {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}
	if opts.EndedTTL <= 0 {
		opts.EndedTTL = time.Hour
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Engine{
		factory:  factory,
		encoder:  enc,
		opts:     opts,
		log:      opts.Log.Named("mediaengine"),
		metrics:  opts.Metrics,
		sessions: make(map[string]*session),
		ended:    make(map[string]time.Time),
	}
}

// NormalizeParams fills defaults and rejects values the encoder cannot
// honor.
func NormalizeParams(p model.StreamParams) (model.StreamParams, error) {
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = 1280, 720
	}
	if p.FPS == 0 {
		p.FPS = 60
	}
	if p.Bitrate == 0 {
		p.Bitrate = 8000
	}
	switch {
	case p.Width < 320 || p.Width > 3840 || p.Width%2 != 0:
		return p, apperr.Validation("width must be an even number between 320 and 3840")
	case p.Height < 240 || p.Height > 2160 || p.Height%2 != 0:
		return p, apperr.Validation("height must be an even number between 240 and 2160")
	case p.FPS < 1 || p.FPS > 120:
		return p, apperr.Validation("fps must be between 1 and 120")
	case p.Bitrate < 250 || p.Bitrate > 100000:
		return p, apperr.Validation("bitrate must be between 250 and 100000 kbps")
	}
	return p, nil
}

// StartSession creates the peer and pipeline for sessionID and returns the
// local offer with gathered candidates.
func (e *Engine) StartSession(ctx context.Context, sessionID string, params model.StreamParams) (webrtc.SessionDescription, error) {
	if sessionID == "" {
		return webrtc.SessionDescription{}, apperr.Validation("sessionId is required")
	}
	params, err := NormalizeParams(params)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	s := &session{id: sessionID, params: params, created: time.Now(), hub: newHub(), state: model.ConnNew}
	e.mu.Lock()
	if _, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionExists
	}
	if _, ok := e.ended[sessionID]; ok {
		e.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionEnded
	}
	e.sessions[sessionID] = s
	e.mu.Unlock()

	log := e.log.Extend(e.log.With().Str("session_id", sessionID))
	p, err := peer.New(e.factory, sessionID, log, peer.Options{
		OnState:     func(st model.ConnectionState) { e.onPeerState(s, st) },
		OnCandidate: func(c webrtc.ICECandidateInit) { s.hub.publish(candidateEvent(c)) },
	})
	if err != nil {
		e.discard(s)
		return webrtc.SessionDescription{}, apperr.Wrap(apperr.KindTransportFailed, "peer setup failed", err)
	}

	var tap pipeline.Tap
	var seg *hls.Segmenter
	if e.opts.HLSEnabled && e.opts.HLSDir != "" {
		seg, err = hls.New(filepath.Join(e.opts.HLSDir, sessionID), hls.Options{
			Target: e.opts.HLSSegment, Window: e.opts.HLSWindow, Log: log, Metrics: e.metrics,
		})
		if err != nil {
			log.Warn().Err(err).Msg("hls disabled for session")
			seg = nil
		} else {
			seg.Start(context.Background())
			tap = seg
		}
	}

	pipe := pipeline.New(e.encoder, p, params, pipeline.Options{
		MTU:         e.opts.MTU,
		PayloadType: peer.H264PayloadType,
		QueueSize:   e.opts.FrameQueue,
		MaxRestarts: e.opts.MaxRestarts,
		Tap:         tap,
		OnFatal: func(err error) {
			s.hub.publish(model.SignalEvent{Type: model.SignalError, Error: "media pipeline failed"})
			go func() { _ = e.StopSession(context.Background(), sessionID) }()
		},
		Log:     log,
		Metrics: e.metrics,
	})

	s.life.Lock()
	if s.stopped {
		s.life.Unlock()
		if err := e.teardown(context.Background(), &session{hub: s.hub, peer: p, seg: seg}); err != nil {
			log.Warn().Err(err).Msg("media teardown")
		}
		return webrtc.SessionDescription{}, ErrSessionEnded
	}
	e.mu.Lock()
	s.peer, s.pipe, s.seg = p, pipe, seg
	e.mu.Unlock()
	s.life.Unlock()
	e.publishPeerGauge()

	offer, err := p.Offer(ctx, e.opts.GatherTimeout)
	if err != nil {
		_ = e.StopSession(context.Background(), sessionID)
		return webrtc.SessionDescription{}, apperr.Wrap(apperr.KindTransportFailed, "offer failed", err)
	}

	s.life.Lock()
	if s.stopped {
		s.life.Unlock()
		return webrtc.SessionDescription{}, ErrSessionEnded
	}
	err = pipe.Start(context.Background())
	s.life.Unlock()
	if err != nil {
		_ = e.StopSession(context.Background(), sessionID)
		return webrtc.SessionDescription{}, err
	}
	log.Info().Str("event", "media_session_started").Int("width", params.Width).Int("height", params.Height).
		Int("fps", params.FPS).Bool("hls", seg != nil).Msg("media")
	return offer, nil
}

func (e *Engine) onPeerState(s *session, st model.ConnectionState) {
	e.mu.Lock()
	s.state = st
	e.mu.Unlock()
	e.publishPeerGauge()
	s.hub.publish(model.SignalEvent{Type: model.SignalState, State: st})
	if st == model.ConnFailed {
		go func() {
			if err := e.StopSession(context.Background(), s.id); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
				e.log.Warn().Err(err).Str("session_id", s.id).Msg("teardown after transport failure")
			}
		}()
	}
}

func (e *Engine) publishPeerGauge() {
	counts := map[model.ConnectionState]int{}
	e.mu.Lock()
	for _, s := range e.sessions {
		counts[s.state]++
	}
	e.mu.Unlock()
	for _, st := range []model.ConnectionState{model.ConnNew, model.ConnConnecting, model.ConnConnected, model.ConnDisconnected} {
		e.metrics.SetGauge("aegis_peers", float64(counts[st]), map[string]string{"state": string(st)})
	}
}

func (e *Engine) get(sessionID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		if _, gone := e.ended[sessionID]; gone {
			return nil, ErrSessionEnded
		}
		return nil, errNoSession
	}
	if s.peer == nil {
		return nil, errNoSession
	}
	return s, nil
}

func (e *Engine) Answer(sessionID, sdp string) error {
	s, err := e.get(sessionID)
	if err != nil {
		return err
	}
	if sdp == "" {
		return apperr.Validation("answer is required")
	}
	return s.peer.SetAnswer(sdp)
}

func (e *Engine) AddCandidate(sessionID string, c model.ICECandidate) error {
	s, err := e.get(sessionID)
	if err != nil {
		return err
	}
	if c.Candidate == "" {
		return apperr.Validation("candidate is required")
	}
	return s.peer.AddCandidate(toPion(c))
}

func (e *Engine) Candidates(sessionID string) ([]model.ICECandidate, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return nil, err
	}
	local := s.peer.LocalCandidates()
	out := make([]model.ICECandidate, 0, len(local))
	for _, c := range local {
		out = append(out, fromPion(c))
	}
	return out, nil
}

// SessionInfo is the media-side view of one session.
type SessionInfo struct {
	Peer     model.PeerConnectionState `json:"peer"`
	Params   model.StreamParams        `json:"params"`
	Pipeline pipeline.Stats            `json:"pipeline"`
	HLS      bool                      `json:"hls"`
}

func (e *Engine) Info(sessionID string) (SessionInfo, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{Peer: s.peer.State(), Params: s.params, Pipeline: s.pipe.Stats(), HLS: s.seg != nil}, nil
}

// Subscribe streams the session's signaling events until it ends or cancel
// is called.
func (e *Engine) Subscribe(sessionID string) (<-chan model.SignalEvent, func(), error) {
	s, err := e.get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.subscribe()
	return ch, cancel, nil
}

// StopSession releases capture, closes the peer and removes HLS output.
// Teardown errors are logged; only an unknown session is reported. The id
// cannot be started again until its tombstone expires.
func (e *Engine) StopSession(ctx context.Context, sessionID string) error {
	now := time.Now()
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
		e.ended[sessionID] = now
		e.pruneEndedLocked(now)
	}
	e.mu.Unlock()
	if !ok {
		return errNoSession
	}

	s.life.Lock()
	s.stopped = true
	err := e.teardown(ctx, s)
	s.life.Unlock()
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", sessionID).Msg("media teardown")
	}
	e.publishPeerGauge()
	e.log.Info().Str("event", "media_session_stopped").Str("session_id", sessionID).
		Dur("duration", time.Since(s.created)).Msg("media")
	return nil
}

func (e *Engine) pruneEndedLocked(now time.Time) {
	for id, at := range e.ended {
		if now.Sub(at) > e.opts.EndedTTL {
			delete(e.ended, id)
		}
	}
}

func (e *Engine) teardown(ctx context.Context, s *session) error {
	var result *multierror.Error
	if s.pipe != nil {
		result = multierror.Append(result, s.pipe.Stop())
	}
	if s.seg != nil {
		result = multierror.Append(result, s.seg.Stop())
		if err := os.RemoveAll(s.seg.Dir()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.peer != nil {
		result = multierror.Append(result, s.peer.Close())
	}
	s.hub.close(model.SignalEvent{Type: model.SignalEnded})
	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// discard drops a session whose setup failed before it had a peer.
func (e *Engine) discard(s *session) {
	e.mu.Lock()
	if e.sessions[s.id] == s {
		delete(e.sessions, s.id)
	}
	e.mu.Unlock()
	s.hub.close(model.SignalEvent{Type: model.SignalEnded})
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close stops every session.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := e.StopSession(ctx, id); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func toPion(c model.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPion(c webrtc.ICECandidateInit) model.ICECandidate {
	return model.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateEvent(c webrtc.ICECandidateInit) model.SignalEvent {
	mc := fromPion(c)
	return model.SignalEvent{Type: model.SignalCandidate, Candidate: &mc}
}
