// Package vmpool is the single authority over virtual machine lifecycle and
// capacity. All VM records live behind one mutex; callers only ever receive
// copies.
package vmpool

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
)

// TemplateSource resolves a template id to its settings.
type TemplateSource interface {
	Template(id string) (config.Template, bool)
}

// Lease is one held session slot on a VM. Releasing the same lease twice
// is a no-op.
type Lease struct {
	ID   string
	VMID string
}

// Event describes one status transition. VM is the record after the change.
type Event struct {
	VM     model.VirtualMachine
	From   model.VMStatus
	To     model.VMStatus
	Reason string
}

type Pool struct {
	mu        sync.Mutex
	vms       map[string]*model.VirtualMachine
	leases    map[string]string
	templates TemplateSource
	handlers  []func(Event)

	log   *logging.Logger
	now   func() time.Time
	newID func() string
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

func WithLogger(l *logging.Logger) Option { return func(p *Pool) { p.log = l.Named("vmpool") } }

func New(templates TemplateSource, opts ...Option) *Pool {
	p := &Pool{
		vms:       make(map[string]*model.VirtualMachine),
		leases:    make(map[string]string),
		templates: templates,
		log:       logging.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers fn for every transition. Handlers run after the pool
// lock is released, in the goroutine that caused the change.
func (p *Pool) Subscribe(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

// CreateVM registers a VM from a template and moves it straight to
// PROVISIONING. TEMPLATE is only the record's initial status.
func (p *Pool) CreateVM(templateID, region string) (model.VirtualMachine, error) {
	templateID = strings.TrimSpace(templateID)
	region = strings.TrimSpace(region)
	if templateID == "" || region == "" {
		return model.VirtualMachine{}, apperr.Validation("templateId and region are required")
	}
	tmpl, ok := p.templates.Template(templateID)
	if !ok {
		return model.VirtualMachine{}, apperr.New(apperr.KindNotFound, "unknown template")
	}

	now := p.now()
	vm := &model.VirtualMachine{
		ID:          "vm_" + p.newID(),
		TemplateID:  templateID,
		Region:      region,
		Status:      model.VMTemplate,
		MaxSessions: tmpl.MaxSessions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	p.mu.Lock()
	p.vms[vm.ID] = vm
	ev, err := p.transitionLocked(vm, model.VMProvisioning, "created")
	snap := cloneVM(vm)
	p.mu.Unlock()
	if err != nil {
		return model.VirtualMachine{}, err
	}
	p.emit(ev)
	return snap, nil
}

// Acquire takes one slot on the least-loaded READY VM in region.
func (p *Pool) Acquire(region string) (Lease, model.VirtualMachine, error) {
	p.mu.Lock()
	var best *model.VirtualMachine
	for _, vm := range p.vms {
		if vm.Region != region || vm.Status != model.VMReady || vm.CurrentSessions >= vm.MaxSessions {
			continue
		}
		if best == nil || lessLoaded(vm, best) {
			best = vm
		}
	}
	if best == nil {
		p.mu.Unlock()
		metrics.Default().IncCounter("aegis_vm_acquire_total", map[string]string{"region": region, "result": "unavailable"})
		return Lease{}, model.VirtualMachine{}, apperr.ErrVMUnavailable
	}

	best.CurrentSessions++
	best.UpdatedAt = p.now()
	lease := Lease{ID: "lease_" + p.newID(), VMID: best.ID}
	p.leases[lease.ID] = best.ID

	var events []Event
	if best.CurrentSessions >= best.MaxSessions {
		ev, err := p.transitionLocked(best, model.VMInUse, "at capacity")
		if err == nil {
			events = append(events, ev)
		}
	}
	snap := cloneVM(best)
	p.mu.Unlock()

	metrics.Default().IncCounter("aegis_vm_acquire_total", map[string]string{"region": region, "result": "ok"})
	p.log.Info().Str("event", "vm_acquired").Str("vm_id", snap.ID).Str("lease_id", lease.ID).
		Int("current_sessions", snap.CurrentSessions).Int("max_sessions", snap.MaxSessions).Send()
	p.emit(events...)
	return lease, snap, nil
}

func lessLoaded(a, b *model.VirtualMachine) bool {
	if a.CurrentSessions != b.CurrentSessions {
		return a.CurrentSessions < b.CurrentSessions
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Release returns the slot held by lease. Unknown or already released
// leases are ignored.
func (p *Pool) Release(lease Lease) {
	p.mu.Lock()
	vmID, ok := p.leases[lease.ID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leases, lease.ID)
	vm := p.vms[vmID]
	if vm == nil || vm.Status == model.VMTerminated || vm.Status == model.VMError {
		p.mu.Unlock()
		return
	}
	if vm.CurrentSessions > 0 {
		vm.CurrentSessions--
	}
	vm.UpdatedAt = p.now()

	var events []Event
	switch {
	case vm.Status == model.VMInUse && vm.CurrentSessions < vm.MaxSessions:
		if ev, err := p.transitionLocked(vm, model.VMReady, "slot released"); err == nil {
			events = append(events, ev)
		}
	case vm.Status == model.VMDraining && vm.CurrentSessions == 0:
		if ev, err := p.transitionLocked(vm, model.VMTerminated, "drained"); err == nil {
			events = append(events, ev)
		}
	}
	current := vm.CurrentSessions
	p.mu.Unlock()

	p.log.Info().Str("event", "vm_released").Str("vm_id", vmID).Str("lease_id", lease.ID).
		Int("current_sessions", current).Send()
	p.emit(events...)
}

// MarkBooting records the instance behind a VM once the provider reports it
// running.
func (p *Pool) MarkBooting(vmID, instanceID string, host model.Host) error {
	return p.apply(vmID, func(vm *model.VirtualMachine) ([]Event, error) {
		ev, err := p.transitionLocked(vm, model.VMBooting, "instance running")
		if err != nil {
			return nil, err
		}
		host.UDPPorts = append([]int(nil), host.UDPPorts...)
		vm.InstanceID = instanceID
		vm.Host = host
		ev.VM = cloneVM(vm)
		return []Event{ev}, nil
	})
}

func (p *Pool) MarkReady(vmID string) error {
	return p.apply(vmID, func(vm *model.VirtualMachine) ([]Event, error) {
		ev, err := p.transitionLocked(vm, model.VMReady, "host reachable")
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	})
}

// MarkError forces a VM into ERROR whatever its load. Held leases are voided;
// subscribers see the event and fail the sessions on that VM.
func (p *Pool) MarkError(vmID, reason string) error {
	return p.apply(vmID, func(vm *model.VirtualMachine) ([]Event, error) {
		if vm.Status == model.VMError {
			return nil, nil
		}
		ev, err := p.transitionLocked(vm, model.VMError, reason)
		if err != nil {
			return nil, err
		}
		vm.LastError = reason
		p.voidLeasesLocked(vm)
		ev.VM = cloneVM(vm)
		return []Event{ev}, nil
	})
}

// Drain stops new assignments. An idle VM terminates immediately; a busy one
// terminates when its last lease is released.
func (p *Pool) Drain(vmID string) error {
	return p.apply(vmID, func(vm *model.VirtualMachine) ([]Event, error) {
		var events []Event
		if vm.Status != model.VMDraining {
			ev, err := p.transitionLocked(vm, model.VMDraining, "drain requested")
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		if vm.CurrentSessions == 0 {
			ev, err := p.transitionLocked(vm, model.VMTerminated, "drained")
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	})
}

// Terminate forces a VM to TERMINATED regardless of load. Live VMs pass
// through DRAINING so the edge set is respected. Terminating a terminated VM
// is a no-op.
func (p *Pool) Terminate(vmID, reason string) error {
	if reason == "" {
		reason = "terminated by operator"
	}
	return p.apply(vmID, func(vm *model.VirtualMachine) ([]Event, error) {
		if vm.Status == model.VMTerminated {
			return nil, nil
		}
		var events []Event
		if vm.Status != model.VMDraining && vm.Status != model.VMError {
			ev, err := p.transitionLocked(vm, model.VMDraining, reason)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		p.voidLeasesLocked(vm)
		ev, err := p.transitionLocked(vm, model.VMTerminated, reason)
		if err != nil {
			return nil, err
		}
		return append(events, ev), nil
	})
}

func (p *Pool) Get(vmID string) (model.VirtualMachine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vm, ok := p.vms[vmID]
	if !ok {
		return model.VirtualMachine{}, apperr.New(apperr.KindNotFound, "vm not found")
	}
	return cloneVM(vm), nil
}

// List returns VMs ordered by creation time. An empty region matches all.
func (p *Pool) List(region string) []model.VirtualMachine {
	p.mu.Lock()
	out := make([]model.VirtualMachine, 0, len(p.vms))
	for _, vm := range p.vms {
		if region != "" && vm.Region != region {
			continue
		}
		out = append(out, cloneVM(vm))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune forgets TERMINATED VMs last updated before cutoff.
func (p *Pool) Prune(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, vm := range p.vms {
		if vm.Status == model.VMTerminated && vm.UpdatedAt.Before(cutoff) {
			delete(p.vms, id)
			n++
		}
	}
	if n > 0 {
		p.publishGaugesLocked()
	}
	return n
}

func (p *Pool) apply(vmID string, fn func(vm *model.VirtualMachine) ([]Event, error)) error {
	p.mu.Lock()
	vm, ok := p.vms[vmID]
	if !ok {
		p.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "vm not found")
	}
	events, err := fn(vm)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emit(events...)
	return nil
}

func (p *Pool) transitionLocked(vm *model.VirtualMachine, to model.VMStatus, reason string) (Event, error) {
	from := vm.Status
	if !CanTransition(from, to) {
		return Event{}, apperr.New(apperr.KindConflict, fmt.Sprintf("vm %s cannot move from %s to %s", vm.ID, from, to))
	}
	vm.Status = to
	vm.UpdatedAt = p.now()
	if to == model.VMTerminated {
		vm.CurrentSessions = 0
	}
	metrics.Default().IncCounter("aegis_vm_transitions_total", map[string]string{"to": string(to)})
	p.publishGaugesLocked()
	return Event{VM: cloneVM(vm), From: from, To: to, Reason: reason}, nil
}

func (p *Pool) voidLeasesLocked(vm *model.VirtualMachine) {
	for id, vmID := range p.leases {
		if vmID == vm.ID {
			delete(p.leases, id)
		}
	}
	vm.CurrentSessions = 0
}

func (p *Pool) publishGaugesLocked() {
	counts := make(map[string]map[model.VMStatus]int)
	for _, vm := range p.vms {
		if counts[vm.Region] == nil {
			counts[vm.Region] = make(map[model.VMStatus]int)
		}
		counts[vm.Region][vm.Status]++
	}
	for region, byStatus := range counts {
		for _, st := range allStatuses {
			metrics.Default().SetGauge("aegis_vm_pool_size", float64(byStatus[st]), map[string]string{
				"region": region,
				"status": string(st),
			})
		}
	}
}

var allStatuses = []model.VMStatus{
	model.VMTemplate, model.VMProvisioning, model.VMBooting, model.VMReady,
	model.VMInUse, model.VMDraining, model.VMTerminated, model.VMError,
}

func (p *Pool) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	handlers := slices.Clone(p.handlers)
	p.mu.Unlock()
	for _, ev := range events {
		p.log.Info().Str("event", "vm_transition").Str("vm_id", ev.VM.ID).Str("region", ev.VM.Region).
			Str("from", string(ev.From)).Str("to", string(ev.To)).Str("reason", ev.Reason).Send()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func cloneVM(vm *model.VirtualMachine) model.VirtualMachine {
	out := *vm
	out.Host.UDPPorts = append([]int(nil), vm.Host.UDPPorts...)
	return out
}
