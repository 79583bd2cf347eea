package mediaengine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/mediaengine"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/peer"
	"github.com/telemyapp/aegis-play/internal/pipeline/pipelinetest"
)

func newEngine(t *testing.T, hlsDir string) *mediaengine.Engine {
	t.Helper()
	return newEngineWith(t, hlsDir, &pipelinetest.Encoder{GOP: 5})
}

func newEngineWith(t *testing.T, hlsDir string, enc *pipelinetest.Encoder) *mediaengine.Engine {
	t.Helper()
	f, err := peer.NewAPIFactory(peer.FactoryConfig{Loopback: true, LogLevel: zerolog.Disabled}, logging.Nop(), nil)
	if err != nil {
		t.Fatalf("NewAPIFactory: %v", err)
	}
	e := mediaengine.New(f, enc, mediaengine.Options{
		MTU:           1200,
		FrameQueue:    2,
		GatherTimeout: 3 * time.Second,
		HLSEnabled:    hlsDir != "",
		HLSDir:        hlsDir,
		HLSSegment:    200 * time.Millisecond,
		HLSWindow:     3,
		Metrics:       metrics.NewRegistry(),
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// browser answers an offer the way a receiving web client would and reports
// the first RTP packet it gets.
type browser struct {
	pc  *webrtc.PeerConnection
	got chan struct{}
}

func newBrowser(t *testing.T) *browser {
	t.Helper()
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	b := &browser{pc: pc, got: make(chan struct{})}
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if _, _, err := tr.ReadRTP(); err == nil {
			close(b.got)
		}
	})
	return b
}

func (b *browser) answer(t *testing.T, offer webrtc.SessionDescription) string {
	t.Helper()
	if err := b.pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	ans, err := b.pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(b.pc)
	if err := b.pc.SetLocalDescription(ans); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered
	return b.pc.LocalDescription().SDP
}

func TestSessionStreamsAfterAnswer(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE")
	}
	hlsDir := t.TempDir()
	e := newEngine(t, hlsDir)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offer, err := e.StartSession(ctx, "sess_a", model.StreamParams{Width: 1280, Height: 720, FPS: 30, Bitrate: 4000})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Fatalf("unexpected offer %+v", offer)
	}
	events, unsubscribe, err := e.Subscribe("sess_a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	b := newBrowser(t)
	if err := e.Answer("sess_a", b.answer(t, offer)); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	select {
	case <-b.got:
	case <-ctx.Done():
		info, _ := e.Info("sess_a")
		t.Fatalf("no media reached the browser: %+v", info)
	}

	sawConnected := false
	for !sawConnected {
		select {
		case ev := <-events:
			sawConnected = ev.Type == model.SignalState && ev.State == model.ConnConnected
		case <-ctx.Done():
			t.Fatal("no connected event")
		}
	}

	info, err := e.Info("sess_a")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Peer.CanSendRTP || info.Pipeline.PacketsSent == 0 || !info.HLS {
		t.Fatalf("unexpected info %+v", info)
	}

	if err := e.StopSession(ctx, "sess_a"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if _, err := os.Stat(filepath.Join(hlsDir, "sess_a")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("hls output should be removed, stat err=%v", err)
	}
	for ev := range events {
		if ev.Type == model.SignalEnded {
			return
		}
	}
	t.Fatal("event stream closed without an ended event")
}

func TestStartSessionRejects(t *testing.T) {
	e := newEngine(t, "")
	ctx := context.Background()

	if _, err := e.StartSession(ctx, "s1", model.StreamParams{Width: 99, Height: 720}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := e.StartSession(ctx, "s1", model.StreamParams{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := e.StartSession(ctx, "s1", model.StreamParams{}); !errors.Is(err, mediaengine.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected one session, got %d", e.Count())
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	e := newEngine(t, "")
	checks := map[string]error{
		"answer":    e.Answer("nope", "v=0"),
		"candidate": e.AddCandidate("nope", model.ICECandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}),
		"stop":      e.StopSession(context.Background(), "nope"),
	}
	for name, err := range checks {
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Fatalf("%s: expected not found, got %v", name, err)
		}
	}
}

func TestEarlyCandidatesAndStop(t *testing.T) {
	e := newEngine(t, "")
	ctx := context.Background()
	if _, err := e.StartSession(ctx, "s2", model.StreamParams{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := e.AddCandidate("s2", model.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}); err != nil {
		t.Fatalf("candidate before answer should queue: %v", err)
	}
	if err := e.AddCandidate("s2", model.ICECandidate{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("empty candidate should be rejected, got %v", err)
	}
	cands, err := e.Candidates("s2")
	if err != nil || len(cands) == 0 {
		t.Fatalf("expected gathered local candidates, got %v (%v)", cands, err)
	}

	if err := e.StopSession(ctx, "s2"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if err := e.StopSession(ctx, "s2"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("second stop should report not found, got %v", err)
	}
	if _, err := e.StartSession(ctx, "s2", model.StreamParams{}); !errors.Is(err, mediaengine.ErrSessionEnded) {
		t.Fatalf("restart after stop: expected ErrSessionEnded, got %v", err)
	}
	if err := e.Answer("s2", "v=0"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("answer after stop: expected conflict, got %v", err)
	}
	if err := e.AddCandidate("s2", model.ICECandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("candidate after stop: expected conflict, got %v", err)
	}
	if e.Count() != 0 {
		t.Fatalf("stopped session still tracked: %d", e.Count())
	}
}

func TestStopDuringStartLeavesNothingRunning(t *testing.T) {
	enc := &pipelinetest.Encoder{GOP: 5}
	e := newEngineWith(t, "", enc)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() {
		_, err := e.StartSession(ctx, "s3", model.StreamParams{})
		started <- err
	}()

	// Stop as soon as the id is registered, which is before the offer is
	// gathered and the pipeline starts.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := e.StopSession(ctx, "s3")
		if err == nil {
			break
		}
		if apperr.KindOf(err) != apperr.KindNotFound || time.Now().After(deadline) {
			t.Fatalf("StopSession: %v", err)
		}
		time.Sleep(50 * time.Microsecond)
	}

	select {
	case err := <-started:
		if err != nil && apperr.KindOf(err) != apperr.KindConflict && apperr.KindOf(err) != apperr.KindTransportFailed {
			t.Fatalf("unexpected start error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("StartSession did not return")
	}

	if e.Count() != 0 {
		t.Fatalf("stopped session is still tracked: %d", e.Count())
	}
	deadline = time.Now().Add(5 * time.Second)
	for enc.Open() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("capture still running after stop: %d open streams", enc.Open())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := e.StartSession(ctx, "s3", model.StreamParams{}); !errors.Is(err, mediaengine.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestNormalizeParams(t *testing.T) {
	tests := []struct {
		name string
		in   model.StreamParams
		ok   bool
	}{
		{"defaults", model.StreamParams{}, true},
		{"1080p60", model.StreamParams{Width: 1920, Height: 1080, FPS: 60, Bitrate: 12000}, true},
		{"odd width", model.StreamParams{Width: 1279, Height: 720}, false},
		{"fps too high", model.StreamParams{Width: 1280, Height: 720, FPS: 240}, false},
		{"bitrate too low", model.StreamParams{Width: 1280, Height: 720, Bitrate: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := mediaengine.NormalizeParams(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("err=%v, want ok=%v", err, tt.ok)
			}
			if tt.ok && (p.FPS == 0 || p.Bitrate == 0 || p.Width == 0) {
				t.Fatalf("defaults not applied: %+v", p)
			}
		})
	}
}
