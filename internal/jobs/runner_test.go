package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
)

type fakePool struct {
	vms    map[string][]model.VirtualMachine
	pruned int
}

func (p *fakePool) List(region string) []model.VirtualMachine { return p.vms[region] }
func (p *fakePool) Prune(time.Time) int                      { return p.pruned }

type fakeLauncher struct {
	calls []string
	err   error
}

func (l *fakeLauncher) Launch(_ context.Context, templateID, region string) (model.VirtualMachine, error) {
	if l.err != nil {
		return model.VirtualMachine{}, l.err
	}
	l.calls = append(l.calls, templateID+"@"+region)
	return model.VirtualMachine{TemplateID: templateID, Region: region, Status: model.VMProvisioning}, nil
}

type fakeReaper struct {
	reaped int
	pruned int
	live   []string
}

func (r *fakeReaper) ReapStarting(time.Duration) int { return r.reaped }
func (r *fakeReaper) PruneFinished(time.Time) int    { return r.pruned }
func (r *fakeReaper) LiveSessionIDs() []string       { return r.live }

type fakeStore struct {
	rollupErr   error
	pruneBefore time.Time
	orphanLive  []string
	orphanAge   time.Time
}

func (s *fakeStore) UpsertUsageRollups(context.Context) error { return s.rollupErr }

func (s *fakeStore) PruneVMEvents(_ context.Context, before time.Time) (int64, error) {
	s.pruneBefore = before
	return 4, nil
}

func (s *fakeStore) CloseOrphanedSessions(_ context.Context, live []string, olderThan time.Time) (int64, error) {
	s.orphanLive = live
	s.orphanAge = olderThan
	return 2, nil
}

func TestRunOnceRecordsOutcome(t *testing.T) {
	reg := metrics.NewRegistry()
	r := NewRunner(nil, reg)

	r.RunOnce(context.Background(), Job{Name: "ok_job", Run: func(context.Context) (int, error) { return 3, nil }})
	r.RunOnce(context.Background(), Job{Name: "bad_job", Run: func(context.Context) (int, error) { return 0, errors.New("boom") }})

	want := `
# HELP aegis_job_items_total Records touched by background jobs by job.
# TYPE aegis_job_items_total counter
aegis_job_items_total{job="ok_job"} 3
`
	if err := testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(want), "aegis_job_items_total"); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(reg.Gatherer(), "aegis_job_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected an ok and an error series, got %d", n)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(nil, metrics.NewRegistry())
	r.Add(Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if runs.Load() < 2 {
		t.Fatalf("expected the job to run repeatedly, ran %d times", runs.Load())
	}
}

func TestReconcilePoolLaunchesMissingWarmVMs(t *testing.T) {
	pool := &fakePool{vms: map[string][]model.VirtualMachine{
		"us-east-1": {
			{TemplateID: "gpu", Status: model.VMReady},
			{TemplateID: "gpu", Status: model.VMInUse},
			{TemplateID: "gpu", Status: model.VMTerminated},
			{TemplateID: "cpu", Status: model.VMReady},
		},
	}}
	catalog := config.Catalog{Templates: []config.Template{
		{ID: "gpu", WarmPerRegion: map[string]int{"us-east-1": 3}},
		{ID: "cpu", WarmPerRegion: map[string]int{"us-east-1": 1}},
	}}
	l := &fakeLauncher{}

	job := ReconcilePool(context.Background(), pool, l, catalog, time.Minute)
	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 || len(l.calls) != 2 || l.calls[0] != "gpu@us-east-1" {
		t.Fatalf("expected two gpu launches, got %d %v", n, l.calls)
	}
}

func TestReconcilePoolCollectsLaunchErrors(t *testing.T) {
	pool := &fakePool{}
	catalog := config.Catalog{Templates: []config.Template{
		{ID: "gpu", WarmPerRegion: map[string]int{"us-east-1": 2, "eu-west-1": 1}},
	}}
	job := ReconcilePool(context.Background(), pool, &fakeLauncher{err: errors.New("no capacity")}, catalog, time.Minute)
	n, err := job.Run(context.Background())
	if n != 0 || err == nil {
		t.Fatalf("expected launch failure, got n=%d err=%v", n, err)
	}
	if !strings.Contains(err.Error(), "2 errors") {
		t.Fatalf("expected one error per region, got %v", err)
	}
}

func TestMaintenanceJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := &fakeStore{}
	o := &fakeReaper{reaped: 1, pruned: 2, live: []string{"s1"}}

	if n, _ := ReapStarting(o, 2*time.Minute).Run(context.Background()); n != 1 {
		t.Fatalf("reaper: %d", n)
	}
	if n, _ := PruneMemory(&fakePool{pruned: 5}, o, time.Hour, clock).Run(context.Background()); n != 7 {
		t.Fatalf("prune: %d", n)
	}
	if n, _ := PruneVMHistory(st, 24*time.Hour, clock).Run(context.Background()); n != 4 || !st.pruneBefore.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("history prune: %d before=%v", n, st.pruneBefore)
	}
	if n, _ := SweepOrphans(st, o, 2*time.Minute, clock).Run(context.Background()); n != 2 {
		t.Fatalf("sweep: %d", n)
	}
	if len(st.orphanLive) != 1 || st.orphanLive[0] != "s1" || !st.orphanAge.Equal(now.Add(-2*time.Minute)) {
		t.Fatalf("sweep args: %v %v", st.orphanLive, st.orphanAge)
	}

	st.rollupErr = errors.New("db down")
	if _, err := UsageRollup(st).Run(context.Background()); err == nil {
		t.Fatal("expected rollup error")
	}
}
