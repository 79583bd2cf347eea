package provision

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// FakeProvisioner hands out instances without touching a cloud. With a fixed
// Address every VM points at the same local streaming host, which is how the
// stack runs on a workstation.
type FakeProvisioner struct {
	Address string
	Delay   time.Duration

	mu      sync.Mutex
	running map[string]struct{}
}

func NewFakeProvisioner(address string) *FakeProvisioner {
	return &FakeProvisioner{Address: address, running: make(map[string]struct{})}
}

func (f *FakeProvisioner) Name() string { return "fake" }

func (f *FakeProvisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ProvisionResult{}, ctx.Err()
		case <-t.C:
		}
	}
	ip := f.Address
	if ip == "" {
		tail, err := randomUint8()
		if err != nil {
			return ProvisionResult{}, err
		}
		ip = fmt.Sprintf("203.0.113.%d", 10+int(tail)%200)
	}
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = "fake.gpu"
	}
	id := "i-fake-" + req.VMID
	f.mu.Lock()
	f.running[id] = struct{}{}
	f.mu.Unlock()
	return ProvisionResult{
		InstanceID:   id,
		ImageID:      "ami-fake-" + req.Region,
		InstanceType: instanceType,
		PublicIP:     ip,
	}, nil
}

func (f *FakeProvisioner) Deprovision(_ context.Context, req DeprovisionRequest) error {
	f.mu.Lock()
	delete(f.running, req.InstanceID)
	f.mu.Unlock()
	return nil
}

// Running reports how many instances are currently up.
func (f *FakeProvisioner) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
