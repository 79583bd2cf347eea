package main

import (
	"context"
	"fmt"

	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/provision"
	"github.com/telemyapp/aegis-play/internal/vmpool"
)

func newProvisioner(cfg config.Config, log *logging.Logger) (provision.Provisioner, error) {
	switch cfg.VMProvider {
	case "aws":
		p, err := provision.NewAWSProvisioner(provision.AWSProvisionerOptions{
			AMIByRegion:   cfg.AWSAMIMap,
			InstanceType:  cfg.AWSInstanceType,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityIDs,
			KeyName:       cfg.AWSKeyName,
			Log:           log,
		})
		if err != nil {
			return nil, fmt.Errorf("init aws provisioner: %w", err)
		}
		return p, nil
	case "fake", "":
		return provision.NewFakeProvisioner(cfg.FakeHostAddress), nil
	default:
		return nil, fmt.Errorf("unknown vm provider %q", cfg.VMProvider)
	}
}

type vmEventStore interface {
	RecordVMEvent(ctx context.Context, ev vmpool.Event) error
}

// vmEventRecorder persists pool transitions off the pool's callback path.
// When the buffer is full the event is dropped and logged; the in-memory
// pool stays authoritative.
type vmEventRecorder struct {
	st  vmEventStore
	log *logging.Logger
	ch  chan vmpool.Event
}

func newVMEventRecorder(st vmEventStore, log *logging.Logger, buffer int) *vmEventRecorder {
	return &vmEventRecorder{st: st, log: log.Named("vm_history"), ch: make(chan vmpool.Event, buffer)}
}

func (r *vmEventRecorder) Record(ev vmpool.Event) {
	select {
	case r.ch <- ev:
	default:
		r.log.Warn().Str("event", "vm_event_dropped").Str("vm_id", ev.VM.ID).Str("to", string(ev.To)).Send()
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *vmEventRecorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *vmEventRecorder) flush() {
	ctx := context.Background()
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *vmEventRecorder) write(ctx context.Context, ev vmpool.Event) {
	if err := r.st.RecordVMEvent(ctx, ev); err != nil {
		r.log.Warn().Str("event", "vm_event_persist").Str("vm_id", ev.VM.ID).Str("to", string(ev.To)).Err(err).Send()
	}
}
