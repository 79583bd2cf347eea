package launch

import (
	"context"
	"errors"
	"time"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/hostproto"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
)

type HostClient interface {
	Launch(ctx context.Context, host model.Host, uniqueID, appID, command string) error
	ServerInfo(ctx context.Context, host model.Host, uniqueID string) (hostproto.ServerInfo, error)
	Cancel(ctx context.Context, host model.Host, uniqueID string) error
}

// Pairings is the view of the pairing client a launcher needs.
type Pairings interface {
	State(vmID string) model.PairingState
	Do(ctx context.Context, vmID string, fn func(ctx context.Context) error) error
}

type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration
	Log          *logging.Logger
}

type Client struct {
	host     HostClient
	pairings Pairings
	opts     Options
	log      *logging.Logger
}

func NewClient(host HostClient, pairings Pairings, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Client{host: host, pairings: pairings, opts: opts, log: log.Named("launch")}
}

// Launch starts appID on vm and waits until the host reports it running.
// It does not retry; a timeout returns LaunchFailed.
func (c *Client) Launch(ctx context.Context, vm model.VirtualMachine, appID, command string) error {
	err := c.pairings.Do(ctx, vm.ID, func(ctx context.Context) error {
		st := c.pairings.State(vm.ID)
		if !st.Paired {
			return apperr.Wrap(apperr.KindPairingRequired, "host is not paired", nil)
		}
		return c.launchLocked(ctx, vm, st.ClientUniqueID, appID, command)
	})
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrPairingRequired):
		result = "unpaired"
	case ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "failed"
	}
	metrics.Default().IncCounter("aegis_launch_total", map[string]string{"result": result})
	return err
}

func (c *Client) launchLocked(ctx context.Context, vm model.VirtualMachine, uniqueID, appID, command string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.host.Launch(ctx, vm.Host, uniqueID, appID, command); err != nil {
		return c.fail(ctx, vm, appID, "launch request failed", err)
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		info, err := c.host.ServerInfo(ctx, vm.Host, uniqueID)
		if err == nil && info.CurrentGame == appID {
			c.log.Info().Str("event", "app_launched").Str("vm_id", vm.ID).Str("app_id", appID).Send()
			return nil
		}
		select {
		case <-ctx.Done():
			return c.fail(ctx, vm, appID, "launch not acknowledged in time", ctx.Err())
		case <-ticker.C:
		}
	}
}

// fail maps ctx expiry to LaunchFailed but passes caller cancellation through.
func (c *Client) fail(ctx context.Context, vm model.VirtualMachine, appID, msg string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	c.log.Warn().Str("event", "launch_failed").Str("vm_id", vm.ID).Str("app_id", appID).Err(err).Msg(msg)
	return apperr.Wrap(apperr.KindLaunchFailed, msg, err)
}

// Stop asks the host to close the running app. Failures are logged only.
func (c *Client) Stop(ctx context.Context, vm model.VirtualMachine) {
	if vm.Host.Address == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
	defer cancel()
	st := c.pairings.State(vm.ID)
	if err := c.host.Cancel(ctx, vm.Host, st.ClientUniqueID); err != nil {
		c.log.Warn().Str("event", "stop_failed").Str("vm_id", vm.ID).Err(err).Send()
		return
	}
	c.log.Info().Str("event", "app_stopped").Str("vm_id", vm.ID).Send()
}
