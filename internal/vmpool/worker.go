package vmpool

import (
	"context"
	"errors"
	"time"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/provision"
)

// HostProbe checks whether the streaming host on a VM answers.
type HostProbe interface {
	Probe(ctx context.Context, host model.Host) error
}

// Worker drives new VMs through PROVISIONING → BOOTING → READY and releases
// cloud instances once a VM reaches TERMINATED.
type Worker struct {
	pool          *Pool
	prov          provision.Provisioner
	probe         HostProbe
	log           *logging.Logger
	probeInterval time.Duration
	bootTimeout   time.Duration
}

type WorkerOptions struct {
	ProbeInterval time.Duration
	BootTimeout   time.Duration
	Log           *logging.Logger
}

func NewWorker(pool *Pool, prov provision.Provisioner, probe HostProbe, opts WorkerOptions) *Worker {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 2 * time.Second
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 5 * time.Minute
	}
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	w := &Worker{
		pool:          pool,
		prov:          prov,
		probe:         probe,
		log:           log.Named("provisioner"),
		probeInterval: opts.ProbeInterval,
		bootTimeout:   opts.BootTimeout,
	}
	pool.Subscribe(w.onEvent)
	return w
}

// Launch creates a VM and provisions it in the background. ctx bounds the
// background work, so pass the process lifetime context, not a request's.
func (w *Worker) Launch(ctx context.Context, templateID, region string) (model.VirtualMachine, error) {
	vm, err := w.pool.CreateVM(templateID, region)
	if err != nil {
		return model.VirtualMachine{}, err
	}
	go w.Provision(ctx, vm.ID)
	return vm, nil
}

// Provision runs the blocking provisioning sequence for one VM.
func (w *Worker) Provision(ctx context.Context, vmID string) {
	vm, err := w.pool.Get(vmID)
	if err != nil {
		return
	}
	tmpl, ok := w.pool.templates.Template(vm.TemplateID)
	if !ok {
		_ = w.pool.MarkError(vmID, "template disappeared")
		return
	}

	start := time.Now()
	res, err := w.prov.Provision(ctx, provision.ProvisionRequest{
		VMID:         vm.ID,
		TemplateID:   vm.TemplateID,
		Region:       vm.Region,
		InstanceType: tmpl.InstanceType,
		ImageID:      tmpl.AMIByRegion[vm.Region],
	})
	labels := map[string]string{"provider": w.prov.Name(), "region": vm.Region, "status": "ok"}
	if err != nil {
		labels["status"] = "error"
	}
	metrics.Default().IncCounter("aegis_vm_provision_total", labels)
	metrics.Default().ObserveHistogram("aegis_vm_provision_latency_ms", float64(time.Since(start).Milliseconds()), labels)
	if err != nil {
		w.log.Error().Str("event", "provision_failed").Str("vm_id", vmID).Err(err).Send()
		_ = w.pool.MarkError(vmID, "provision failed: "+err.Error())
		return
	}

	host := model.Host{
		Address:     res.PublicIP,
		ControlPort: tmpl.ControlPort,
		StreamPort:  tmpl.StreamPort,
		Protocol:    tmpl.Protocol,
		UDPPorts:    tmpl.UDPPorts,
	}
	if err := w.pool.MarkBooting(vmID, res.InstanceID, host); err != nil {
		// Drained or terminated while the instance came up.
		w.log.Warn().Str("event", "provision_orphaned").Str("vm_id", vmID).Err(err).Send()
		w.deprovision(context.WithoutCancel(ctx), model.VirtualMachine{ID: vmID, Region: vm.Region, InstanceID: res.InstanceID})
		return
	}

	if err := w.waitForHost(ctx, host); err != nil {
		w.log.Error().Str("event", "host_unreachable").Str("vm_id", vmID).Err(err).Send()
		_ = w.pool.MarkError(vmID, "host did not come up: "+err.Error())
		return
	}
	if err := w.pool.MarkReady(vmID); err != nil {
		w.log.Warn().Str("event", "mark_ready_skipped").Str("vm_id", vmID).Err(err).Send()
	}
}

func (w *Worker) waitForHost(ctx context.Context, host model.Host) error {
	ctx, cancel := context.WithTimeout(ctx, w.bootTimeout)
	defer cancel()
	ticker := time.NewTicker(w.probeInterval)
	defer ticker.Stop()
	for {
		err := w.probe.Probe(ctx, host)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (w *Worker) onEvent(ev Event) {
	if ev.To != model.VMTerminated || ev.VM.InstanceID == "" {
		return
	}
	go w.deprovision(context.Background(), ev.VM)
}

func (w *Worker) deprovision(ctx context.Context, vm model.VirtualMachine) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	err := w.prov.Deprovision(ctx, provision.DeprovisionRequest{VMID: vm.ID, Region: vm.Region, InstanceID: vm.InstanceID})
	status := "ok"
	if err != nil {
		status = "error"
		w.log.Error().Str("event", "deprovision_failed").Str("vm_id", vm.ID).Str("instance_id", vm.InstanceID).Err(err).Send()
	}
	metrics.Default().IncCounter("aegis_vm_deprovision_total", map[string]string{"provider": w.prov.Name(), "region": vm.Region, "status": status})
}

// IsUnavailable reports whether err means the pool had no free slot.
func IsUnavailable(err error) bool { return errors.Is(err, apperr.ErrVMUnavailable) }
