package launch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/hostproto"
	"github.com/telemyapp/aegis-play/internal/hostproto/hostprototest"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/pairing"
)

func setup(t *testing.T, fake *hostprototest.Host, opts Options) (*Client, *pairing.Manager, model.VirtualMachine) {
	t.Helper()
	srv, host := hostprototest.Serve(fake)
	t.Cleanup(srv.Close)
	hc := hostproto.NewClient(srv.Client())
	pm := pairing.NewManager(hc, pairing.Options{})
	return NewClient(hc, pm, opts), pm, model.VirtualMachine{ID: "vm_1", Host: host}
}

func TestLaunchRequiresPairing(t *testing.T) {
	fake := &hostprototest.Host{}
	c, _, vm := setup(t, fake, Options{})
	err := c.Launch(context.Background(), vm, "730", "steam://rungameid/730")
	if !errors.Is(err, apperr.ErrPairingRequired) {
		t.Fatalf("expected PairingRequired, got %v", err)
	}
	if fake.Calls("/launch") != 0 {
		t.Fatal("host must not see a launch before pairing")
	}
}

func TestLaunchWaitsForAcknowledgement(t *testing.T) {
	fake := &hostprototest.Host{LaunchDelay: 30 * time.Millisecond}
	c, pm, vm := setup(t, fake, Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	if _, err := pm.Ensure(context.Background(), vm); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := c.Launch(context.Background(), vm, "730", "steam://rungameid/730"); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if fake.Calls("/serverinfo") < 2 {
		t.Fatalf("expected polling, got %d serverinfo calls", fake.Calls("/serverinfo"))
	}
}

func TestLaunchTimeoutIsLaunchFailedWithoutRetry(t *testing.T) {
	fake := &hostprototest.Host{NeverLaunch: true}
	c, pm, vm := setup(t, fake, Options{PollInterval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	if _, err := pm.Ensure(context.Background(), vm); err != nil {
		t.Fatalf("pair: %v", err)
	}
	err := c.Launch(context.Background(), vm, "730", "steam://rungameid/730")
	if !errors.Is(err, apperr.ErrLaunchFailed) || apperr.IsRetryable(err) {
		t.Fatalf("expected LaunchFailed, got %v", err)
	}
	if fake.Calls("/launch") != 1 {
		t.Fatalf("expected exactly one launch request, got %d", fake.Calls("/launch"))
	}
}

func TestLaunchCancelledByCaller(t *testing.T) {
	fake := &hostprototest.Host{NeverLaunch: true}
	c, pm, vm := setup(t, fake, Options{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	if _, err := pm.Ensure(context.Background(), vm); err != nil {
		t.Fatalf("pair: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := c.Launch(ctx, vm, "730", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStopNeverFails(t *testing.T) {
	fake := &hostprototest.Host{}
	srv, host := hostprototest.Serve(fake)
	hc := hostproto.NewClient(srv.Client())
	c := NewClient(hc, pairing.NewManager(hc, pairing.Options{}), Options{StopTimeout: 50 * time.Millisecond})
	vm := model.VirtualMachine{ID: "vm_1", Host: host}

	c.Stop(context.Background(), vm)
	if fake.Calls("/cancel") != 1 {
		t.Fatalf("expected cancel call, got %d", fake.Calls("/cancel"))
	}
	srv.Close()
	c.Stop(context.Background(), vm)
}
