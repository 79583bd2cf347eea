package vmpool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/model"
)

func testCatalog() config.Catalog {
	return config.Catalog{Templates: []config.Template{
		{ID: "solo", MaxSessions: 1, ControlPort: 47989, Protocol: "webrtc"},
		{ID: "quad", MaxSessions: 4, ControlPort: 47989, Protocol: "webrtc"},
	}}
}

func readyVM(t *testing.T, p *Pool, templateID, region string) model.VirtualMachine {
	t.Helper()
	vm, err := p.CreateVM(templateID, region)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := p.MarkBooting(vm.ID, "i-"+vm.ID, model.Host{Address: "10.0.0.1", ControlPort: 47989}); err != nil {
		t.Fatalf("MarkBooting: %v", err)
	}
	if err := p.MarkReady(vm.ID); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	got, _ := p.Get(vm.ID)
	return got
}

func TestCreateVM_StartsProvisioning(t *testing.T) {
	p := New(testCatalog())
	var events []Event
	p.Subscribe(func(ev Event) { events = append(events, ev) })

	vm, err := p.CreateVM("quad", "us-east-1")
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if vm.Status != model.VMProvisioning || vm.MaxSessions != 4 || vm.CurrentSessions != 0 {
		t.Fatalf("unexpected vm: %+v", vm)
	}
	if len(events) != 1 || events[0].From != model.VMTemplate || events[0].To != model.VMProvisioning {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestCreateVM_Validation(t *testing.T) {
	p := New(testCatalog())
	if _, err := p.CreateVM("", "us-east-1"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := p.CreateVM("missing", "us-east-1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcquire_LeastLoadedFirstAndCapacityFlip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(testCatalog(), WithClock(func() time.Time { now = now.Add(time.Second); return now }))
	a := readyVM(t, p, "quad", "us-east-1")
	b := readyVM(t, p, "quad", "us-east-1")

	l1, vm1, err := p.Acquire("us-east-1")
	if err != nil || vm1.ID != a.ID {
		t.Fatalf("first acquire: vm=%s err=%v", vm1.ID, err)
	}
	_, vm2, err := p.Acquire("us-east-1")
	if err != nil || vm2.ID != b.ID {
		t.Fatalf("second acquire should pick the idle vm: vm=%s err=%v", vm2.ID, err)
	}
	p.Release(l1)
	_, vm3, _ := p.Acquire("us-east-1")
	if vm3.ID != a.ID {
		t.Fatalf("expected least loaded %s, got %s", a.ID, vm3.ID)
	}

	solo := readyVM(t, p, "solo", "eu-west-1")
	lease, got, err := p.Acquire("eu-west-1")
	if err != nil || got.Status != model.VMInUse || got.CurrentSessions != 1 {
		t.Fatalf("expected IN_USE at capacity: %+v err=%v", got, err)
	}
	p.Release(lease)
	after, _ := p.Get(solo.ID)
	if after.Status != model.VMReady || after.CurrentSessions != 0 {
		t.Fatalf("expected READY after release: %+v", after)
	}
}

func TestAcquire_FullPoolReturnsUnavailableWithoutMutation(t *testing.T) {
	p := New(testCatalog())
	vm := readyVM(t, p, "solo", "us-east-1")
	if _, _, err := p.Acquire("us-east-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before, _ := p.Get(vm.ID)

	_, _, err := p.Acquire("us-east-1")
	if !errors.Is(err, apperr.ErrVMUnavailable) || !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable VMUnavailable, got %v", err)
	}
	after, _ := p.Get(vm.ID)
	if after.CurrentSessions != before.CurrentSessions || after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("vm mutated: before=%+v after=%+v", before, after)
	}
}

func TestAcquire_IgnoresOtherRegionsAndNonReady(t *testing.T) {
	p := New(testCatalog())
	readyVM(t, p, "quad", "eu-west-1")
	if _, err := p.CreateVM("quad", "us-east-1"); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if _, _, err := p.Acquire("us-east-1"); !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRelease_DoubleReleaseIsNoop(t *testing.T) {
	p := New(testCatalog())
	vm := readyVM(t, p, "quad", "us-east-1")
	l1, _, _ := p.Acquire("us-east-1")
	if _, _, err := p.Acquire("us-east-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(l1)
	p.Release(l1)
	got, _ := p.Get(vm.ID)
	if got.CurrentSessions != 1 {
		t.Fatalf("expected 1 session after double release, got %d", got.CurrentSessions)
	}
}

func TestConcurrentAcquireReleaseRespectsCapacity(t *testing.T) {
	p := New(testCatalog())
	var vms []model.VirtualMachine
	for i := 0; i < 3; i++ {
		vms = append(vms, readyVM(t, p, "quad", "us-east-1"))
	}

	var violations int
	var vmu sync.Mutex
	p.Subscribe(func(ev Event) {
		if ev.VM.CurrentSessions < 0 || ev.VM.CurrentSessions > ev.VM.MaxSessions {
			vmu.Lock()
			violations++
			vmu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, vm, err := p.Acquire("us-east-1")
				if err != nil {
					continue
				}
				if vm.CurrentSessions < 1 || vm.CurrentSessions > vm.MaxSessions {
					vmu.Lock()
					violations++
					vmu.Unlock()
				}
				p.Release(lease)
				p.Release(lease)
			}
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Fatalf("observed %d capacity violations", violations)
	}
	for _, vm := range vms {
		got, _ := p.Get(vm.ID)
		if got.CurrentSessions != 0 || got.Status != model.VMReady {
			t.Fatalf("vm %s not idle after churn: %+v", vm.ID, got)
		}
	}
}

func TestTerminate_FromReadyPassesThroughDraining(t *testing.T) {
	p := New(testCatalog())
	vm := readyVM(t, p, "quad", "us-east-1")
	if _, _, err := p.Acquire("us-east-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var seen []Event
	p.Subscribe(func(ev Event) { seen = append(seen, ev) })
	if err := p.Terminate(vm.ID, "operator"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(seen) != 2 || seen[0].To != model.VMDraining || seen[1].To != model.VMTerminated {
		t.Fatalf("unexpected transitions: %+v", seen)
	}
	for _, ev := range seen {
		if !CanTransition(ev.From, ev.To) {
			t.Fatalf("illegal edge %s -> %s", ev.From, ev.To)
		}
	}
	got, _ := p.Get(vm.ID)
	if got.CurrentSessions != 0 {
		t.Fatalf("expected sessions cleared, got %d", got.CurrentSessions)
	}
	if err := p.Terminate(vm.ID, ""); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
}

func TestMarkError_VoidsLeases(t *testing.T) {
	p := New(testCatalog())
	vm := readyVM(t, p, "quad", "us-east-1")
	lease, _, _ := p.Acquire("us-east-1")

	if err := p.MarkError(vm.ID, "gpu fault"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	p.Release(lease)
	got, _ := p.Get(vm.ID)
	if got.Status != model.VMError || got.CurrentSessions != 0 || got.LastError != "gpu fault" {
		t.Fatalf("unexpected vm: %+v", got)
	}
	if err := p.MarkReady(vm.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict leaving ERROR, got %v", err)
	}
}

func TestDrain_TerminatesWhenLastLeaseReleased(t *testing.T) {
	p := New(testCatalog())
	vm := readyVM(t, p, "quad", "us-east-1")
	lease, _, _ := p.Acquire("us-east-1")

	if err := p.Drain(vm.ID); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, _, err := p.Acquire("us-east-1"); !IsUnavailable(err) {
		t.Fatalf("draining vm must not be assigned, got %v", err)
	}
	p.Release(lease)
	got, _ := p.Get(vm.ID)
	if got.Status != model.VMTerminated {
		t.Fatalf("expected TERMINATED, got %s", got.Status)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to model.VMStatus
		want     bool
	}{
		{model.VMTemplate, model.VMProvisioning, true},
		{model.VMProvisioning, model.VMBooting, true},
		{model.VMBooting, model.VMReady, true},
		{model.VMReady, model.VMInUse, true},
		{model.VMInUse, model.VMReady, true},
		{model.VMReady, model.VMTerminated, false},
		{model.VMInUse, model.VMTerminated, false},
		{model.VMDraining, model.VMTerminated, true},
		{model.VMTerminated, model.VMError, false},
		{model.VMBooting, model.VMError, true},
		{model.VMError, model.VMReady, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPruneForgetsOldTerminated(t *testing.T) {
	p := New(testCatalog())
	vm := readyVM(t, p, "quad", "us-east-1")
	_ = p.Terminate(vm.ID, "")
	if n := p.Prune(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := p.Get(vm.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
