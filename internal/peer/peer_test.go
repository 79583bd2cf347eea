package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/model"
)

func newTestPeer(t *testing.T, opts Options) *Peer {
	t.Helper()
	f, err := NewAPIFactory(FactoryConfig{Loopback: true, LogLevel: zerolog.Disabled}, logging.Nop(), nil)
	if err != nil {
		t.Fatalf("NewAPIFactory: %v", err)
	}
	p, err := New(f, "sess_1", logging.Nop(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestTransitionsGateSending(t *testing.T) {
	var seen []model.ConnectionState
	p := newTestPeer(t, Options{OnState: func(s model.ConnectionState) { seen = append(seen, s) }})

	steps := []struct {
		to      model.ConnectionState
		applied bool
		canSend bool
	}{
		{model.ConnConnecting, true, false},
		{model.ConnConnected, true, true},
		{model.ConnConnected, false, true},
		{model.ConnDisconnected, true, false},
		{model.ConnConnected, true, true},
		{model.ConnFailed, true, false},
		{model.ConnConnected, false, false},
		{model.ConnClosed, false, false},
	}
	for i, st := range steps {
		if got := p.Transition(st.to); got != st.applied {
			t.Fatalf("step %d (%s): applied=%v, want %v", i, st.to, got, st.applied)
		}
		if p.CanSendRTP() != st.canSend {
			t.Fatalf("step %d (%s): canSend=%v, want %v", i, st.to, p.CanSendRTP(), st.canSend)
		}
		if p.State().CanSendRTP != (p.State().ConnectionState == model.ConnConnected) {
			t.Fatalf("step %d: gate out of sync with state %+v", i, p.State())
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 observed transitions, got %v", seen)
	}

	if err := p.AddCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after failure, got %v", err)
	}
	if err := p.SetAnswer("v=0"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on answer, got %v", err)
	}
}

func TestWriteDroppedWhileNotConnected(t *testing.T) {
	p := newTestPeer(t, Options{})
	sent, err := p.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: H264PayloadType}})
	if err != nil || sent {
		t.Fatalf("expected silent drop, sent=%v err=%v", sent, err)
	}
}

func TestCandidatesBeforeAnswerAreQueued(t *testing.T) {
	p := newTestPeer(t, Options{})
	c := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}
	if err := p.AddCandidate(c); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if err := p.AddCandidate(c); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if p.PendingCandidates() != 2 {
		t.Fatalf("expected 2 queued candidates, got %d", p.PendingCandidates())
	}
}

func TestLoopbackConnectAndSend(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	p := newTestPeer(t, Options{})
	offer, err := p.Offer(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	browser, err := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser peer: %v", err)
	}
	defer browser.Close()

	got := make(chan *rtp.Packet, 1)
	browser.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pkt, _, err := tr.ReadRTP()
		if err == nil {
			select {
			case got <- pkt:
			default:
			}
		}
	})

	if err := browser.SetRemoteDescription(offer); err != nil {
		t.Fatalf("browser SetRemoteDescription: %v", err)
	}
	answer, err := browser.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(answer); err != nil {
		t.Fatalf("browser SetLocalDescription: %v", err)
	}
	<-gathered
	if err := p.SetAnswer(browser.LocalDescription().SDP); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	var seq uint16
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case pkt := <-got:
			if pkt.SequenceNumber == 0 && seq == 0 {
				t.Fatal("no packet was sent")
			}
			if !p.CanSendRTP() {
				t.Fatal("packet arrived while the gate was closed")
			}
			return
		case <-ticker.C:
			seq++
			_, err := p.WriteRTP(&rtp.Packet{
				Header:  rtp.Header{Version: 2, PayloadType: H264PayloadType, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, Marker: true},
				Payload: []byte{0x65, 0x88, 0x84, 0x00},
			})
			if err != nil {
				t.Fatalf("WriteRTP: %v", err)
			}
		case <-ctx.Done():
			t.Fatalf("no media before deadline, state=%+v", p.State())
		}
	}
}
