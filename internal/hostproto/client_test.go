package hostproto_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/telemyapp/aegis-play/internal/hostproto"
	"github.com/telemyapp/aegis-play/internal/hostproto/hostprototest"
	"github.com/telemyapp/aegis-play/internal/model"
)

func TestPairWithPIN(t *testing.T) {
	fake := &hostprototest.Host{PIN: "4821"}
	srv, host := hostprototest.Serve(fake)
	defer srv.Close()
	c := hostproto.NewClient(srv.Client())
	ctx := context.Background()

	res, err := c.Pair(ctx, host, hostproto.PairRequest{UniqueID: "c1", DeviceName: "aegis", Phrase: hostproto.PhraseGetServerCert})
	if err != nil {
		t.Fatalf("getservercert: %v", err)
	}
	if res.Paired || res.Challenge == "" {
		t.Fatalf("expected pending challenge, got %+v", res)
	}
	res, err = c.Pair(ctx, host, hostproto.PairRequest{UniqueID: "c1", DeviceName: "aegis", Phrase: hostproto.PhrasePairChallenge, PIN: "4821"})
	if err != nil || !res.Paired {
		t.Fatalf("pairchallenge: %+v %v", res, err)
	}
	info, err := c.ServerInfo(ctx, host, "c1")
	if err != nil || !info.Paired {
		t.Fatalf("serverinfo: %+v %v", info, err)
	}
}

func TestLaunchAndCancel(t *testing.T) {
	fake := &hostprototest.Host{}
	srv, host := hostprototest.Serve(fake)
	defer srv.Close()
	c := hostproto.NewClient(srv.Client())
	ctx := context.Background()

	if _, err := c.Pair(ctx, host, hostproto.PairRequest{UniqueID: "c1", Phrase: hostproto.PhraseGetServerCert}); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := c.Launch(ctx, host, "c1", "730", "steam://rungameid/730"); err != nil {
		t.Fatalf("launch: %v", err)
	}
	info, _ := c.ServerInfo(ctx, host, "c1")
	if info.CurrentGame != "730" {
		t.Fatalf("expected current game 730, got %q", info.CurrentGame)
	}
	if err := c.Cancel(ctx, host, "c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestLaunchUnpairedReturnsStatusError(t *testing.T) {
	srv, host := hostprototest.Serve(&hostprototest.Host{})
	defer srv.Close()
	err := hostproto.NewClient(srv.Client()).Launch(context.Background(), host, "stranger", "730", "")
	var se *hostproto.StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Fatalf("expected 401 status error, got %v", err)
	}
}

func TestTimeoutIsDetected(t *testing.T) {
	fake := &hostprototest.Host{Hold: make(chan struct{})}
	srv, host := hostprototest.Serve(fake)
	defer srv.Close()
	defer close(fake.Hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hostproto.NewClient(srv.Client()).Pair(ctx, host, hostproto.PairRequest{UniqueID: "c1", Phrase: hostproto.PhraseGetServerCert})
	if !hostproto.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestNonXMLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	addr, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)

	err := hostproto.NewClient(srv.Client()).Probe(context.Background(), model.Host{Address: addr, ControlPort: p})
	var se *hostproto.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
}
