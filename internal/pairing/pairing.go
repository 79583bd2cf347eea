// Package pairing establishes PIN-challenge trust with the streaming host on
// each VM and caches the result per VM.
//
// Each VM's pairing record moves unpaired → pin-requested → paired. A wrong
// PIN sends it back to unpaired. Calls against one VM are serialized through
// a one-slot token channel, so waiting for a busy VM honours ctx.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/hostproto"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
)

type HostClient interface {
	Pair(ctx context.Context, host model.Host, req hostproto.PairRequest) (hostproto.PairResponse, error)
	Unpair(ctx context.Context, host model.Host, uniqueID string) error
}

type Options struct {
	DeviceName string
	// PIN, when set, is submitted automatically once the host asks for one.
	PIN     string
	Timeout time.Duration
	Log     *logging.Logger
	// OnTransition observes every phase change.
	OnTransition func(vmID string, from, to model.PairingPhase)
}

type Manager struct {
	client HostClient
	opts   Options
	log    *logging.Logger

	mu  sync.Mutex
	vms map[string]*record
}

type record struct {
	token chan struct{}
	state model.PairingState
}

func NewManager(client HostClient, opts Options) *Manager {
	if opts.DeviceName == "" {
		opts.DeviceName = "aegis-play"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{client: client, opts: opts, log: log.Named("pairing"), vms: make(map[string]*record)}
}

func (m *Manager) record(vmID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.vms[vmID]
	if !ok {
		r = &record{
			token: make(chan struct{}, 1),
			state: model.PairingState{
				VMID:           vmID,
				ClientUniqueID: uuid.NewString(),
				Phase:          model.PairingUnpaired,
			},
		}
		m.vms[vmID] = r
	}
	return r
}

func (r *record) lock(ctx context.Context) error {
	select {
	case r.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *record) unlock() { <-r.token }

// State returns the current pairing record for vmID.
func (m *Manager) State(vmID string) model.PairingState {
	r := m.record(vmID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.state
}

// Do runs fn while holding vmID's slot, so other host calls against the same
// VM wait for it.
func (m *Manager) Do(ctx context.Context, vmID string, fn func(ctx context.Context) error) error {
	r := m.record(vmID)
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()
	return fn(ctx)
}

// Request asks the host for pairing. While paired, or while a PIN challenge
// is already pending, it returns the current state without contacting the
// host.
func (m *Manager) Request(ctx context.Context, vm model.VirtualMachine) (model.PairingState, error) {
	r := m.record(vm.ID)
	if err := r.lock(ctx); err != nil {
		return m.State(vm.ID), err
	}
	defer r.unlock()
	return m.requestLocked(ctx, vm, r)
}

func (m *Manager) requestLocked(ctx context.Context, vm model.VirtualMachine, r *record) (model.PairingState, error) {
	cur := m.snapshot(r)
	if cur.Phase != model.PairingUnpaired {
		return cur, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	res, err := m.client.Pair(callCtx, vm.Host, hostproto.PairRequest{
		UniqueID:   cur.ClientUniqueID,
		DeviceName: m.opts.DeviceName,
		Phrase:     hostproto.PhraseGetServerCert,
	})
	if err != nil {
		m.count("request_error")
		if hostproto.IsTimeout(err) && ctx.Err() == nil {
			return cur, apperr.Retryable(apperr.KindPairingFailed, "pairing request timed out", err)
		}
		if ctx.Err() != nil {
			return cur, ctx.Err()
		}
		return cur, apperr.Wrap(apperr.KindPairingFailed, "pairing request failed", err)
	}

	m.setPhase(r, model.PairingPINRequested, res.Challenge)
	if res.Paired {
		m.setPhase(r, model.PairingPaired, "")
		m.count("paired")
	}
	return m.snapshot(r), nil
}

// Ensure drives vm to paired when it can. Without a PIN at hand it stops at
// pin-requested and returns PairingRequired.
func (m *Manager) Ensure(ctx context.Context, vm model.VirtualMachine) (model.PairingState, error) {
	r := m.record(vm.ID)
	if err := r.lock(ctx); err != nil {
		return m.State(vm.ID), err
	}
	defer r.unlock()

	st, err := m.requestLocked(ctx, vm, r)
	if err != nil {
		return st, err
	}
	if st.Paired {
		return st, nil
	}
	if m.opts.PIN == "" {
		m.log.Info().Str("event", "pin_required").Str("vm_id", vm.ID).Send()
		return st, apperr.Wrap(apperr.KindPairingRequired, "host is waiting for a pairing PIN", nil)
	}
	return m.submitLocked(ctx, vm, r, m.opts.PIN)
}

// SubmitPIN answers the pending challenge on vm. A wrong PIN ends the
// attempt; the next Request starts a fresh challenge.
func (m *Manager) SubmitPIN(ctx context.Context, vm model.VirtualMachine, pin string) (model.PairingState, error) {
	if pin == "" {
		return m.State(vm.ID), apperr.Validation("pin is required")
	}
	r := m.record(vm.ID)
	if err := r.lock(ctx); err != nil {
		return m.State(vm.ID), err
	}
	defer r.unlock()

	switch cur := m.snapshot(r); cur.Phase {
	case model.PairingPaired:
		return cur, nil
	case model.PairingUnpaired:
		return cur, apperr.New(apperr.KindConflict, "no pairing challenge is pending")
	}
	return m.submitLocked(ctx, vm, r, pin)
}

func (m *Manager) submitLocked(ctx context.Context, vm model.VirtualMachine, r *record, pin string) (model.PairingState, error) {
	cur := m.snapshot(r)
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	res, err := m.client.Pair(callCtx, vm.Host, hostproto.PairRequest{
		UniqueID:   cur.ClientUniqueID,
		DeviceName: m.opts.DeviceName,
		Phrase:     hostproto.PhrasePairChallenge,
		PIN:        pin,
	})
	if err != nil {
		// The host forgets the challenge on any answer, so start over.
		m.setPhase(r, model.PairingUnpaired, "")
		m.count("challenge_error")
		if ctx.Err() != nil {
			return m.snapshot(r), ctx.Err()
		}
		if hostproto.IsTimeout(err) {
			return m.snapshot(r), apperr.Retryable(apperr.KindPairingFailed, "pairing challenge timed out", err)
		}
		return m.snapshot(r), apperr.Wrap(apperr.KindPairingFailed, "pairing challenge failed", err)
	}
	if !res.Paired {
		m.setPhase(r, model.PairingUnpaired, "")
		m.count("wrong_pin")
		m.log.Warn().Str("event", "pin_rejected").Str("vm_id", vm.ID).Send()
		return m.snapshot(r), apperr.New(apperr.KindPairingFailed, "pairing PIN rejected")
	}
	m.setPhase(r, model.PairingPaired, "")
	m.count("paired")
	m.log.Info().Str("event", "paired").Str("vm_id", vm.ID).Send()
	return m.snapshot(r), nil
}

// Forget drops the pairing record for vm, unpairing on the host when it is
// still reachable.
func (m *Manager) Forget(ctx context.Context, vm model.VirtualMachine) {
	m.mu.Lock()
	r, ok := m.vms[vm.ID]
	var st model.PairingState
	if ok {
		st = r.state
	}
	delete(m.vms, vm.ID)
	m.mu.Unlock()
	if !ok || !st.Paired || vm.Host.Address == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	if err := m.client.Unpair(callCtx, vm.Host, st.ClientUniqueID); err != nil {
		m.log.Debug().Str("event", "unpair_failed").Str("vm_id", vm.ID).Err(err).Send()
	}
}

func (m *Manager) snapshot(r *record) model.PairingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.state
}

var phaseEdges = map[model.PairingPhase]model.PairingPhase{
	model.PairingUnpaired:     model.PairingPINRequested,
	model.PairingPINRequested: model.PairingPaired,
}

func (m *Manager) setPhase(r *record, to model.PairingPhase, nonce string) {
	m.mu.Lock()
	from := r.state.Phase
	if from == to {
		m.mu.Unlock()
		return
	}
	if next, ok := phaseEdges[from]; to != model.PairingUnpaired && (!ok || next != to) {
		m.mu.Unlock()
		panic(fmt.Sprintf("pairing: illegal phase change %s -> %s", from, to))
	}
	r.state.Phase = to
	r.state.Paired = to == model.PairingPaired
	if to == model.PairingPINRequested {
		r.state.LastChallengeNonce = nonce
	}
	vmID := r.state.VMID
	m.mu.Unlock()
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(vmID, from, to)
	}
}

func (m *Manager) count(result string) {
	metrics.Default().IncCounter("aegis_pairing_total", map[string]string{"result": result})
}

// IsPINRequired reports whether err means an operator must supply a PIN.
func IsPINRequired(err error) bool { return errors.Is(err, apperr.ErrPairingRequired) }
