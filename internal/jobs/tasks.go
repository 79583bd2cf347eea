package jobs

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/telemyapp/aegis-play/internal/config"
	"github.com/telemyapp/aegis-play/internal/model"
)

type Reaper interface {
	ReapStarting(ttl time.Duration) int
	PruneFinished(cutoff time.Time) int
	LiveSessionIDs() []string
}

type Pool interface {
	List(region string) []model.VirtualMachine
	Prune(cutoff time.Time) int
}

type VMLauncher interface {
	Launch(ctx context.Context, templateID, region string) (model.VirtualMachine, error)
}

type Store interface {
	UpsertUsageRollups(ctx context.Context) error
	PruneVMEvents(ctx context.Context, before time.Time) (int64, error)
	CloseOrphanedSessions(ctx context.Context, live []string, olderThan time.Time) (int64, error)
}

// ReapStarting fails sessions that have been starting for longer than ttl.
func ReapStarting(o Reaper, ttl time.Duration) Job {
	return Job{
		Name:     "stale_start_reaper",
		Interval: max(ttl/4, time.Second),
		Run: func(context.Context) (int, error) {
			return o.ReapStarting(ttl), nil
		},
	}
}

// ReconcilePool launches VMs until every template has its warm count of
// not-yet-busy VMs per region. The launch context outlives the job run.
func ReconcilePool(launchCtx context.Context, pool Pool, launcher VMLauncher, catalog config.Catalog, interval time.Duration) Job {
	return Job{
		Name:     "pool_reconcile",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			var errs error
			launched := 0
			for _, tmpl := range catalog.Templates {
				for region, want := range tmpl.WarmPerRegion {
					missing := want - warmCount(pool.List(region), tmpl.ID)
					for i := 0; i < missing; i++ {
						if ctx.Err() != nil {
							return launched, ctx.Err()
						}
						if _, err := launcher.Launch(launchCtx, tmpl.ID, region); err != nil {
							errs = multierror.Append(errs, err)
							break
						}
						launched++
					}
				}
			}
			return launched, errs
		},
	}
}

func warmCount(vms []model.VirtualMachine, templateID string) int {
	n := 0
	for _, vm := range vms {
		if vm.TemplateID != templateID {
			continue
		}
		switch vm.Status {
		case model.VMProvisioning, model.VMBooting, model.VMReady:
			n++
		}
	}
	return n
}

// PruneMemory drops terminated VMs and finished sessions older than
// retention from the in-process registries.
func PruneMemory(pool Pool, o Reaper, retention time.Duration, now func() time.Time) Job {
	return Job{
		Name:     "registry_prune",
		Interval: max(retention/10, time.Minute),
		Run: func(context.Context) (int, error) {
			cutoff := now().Add(-retention)
			return pool.Prune(cutoff) + o.PruneFinished(cutoff), nil
		},
	}
}

func UsageRollup(st Store) Job {
	return Job{
		Name:     "usage_rollup",
		Interval: time.Minute,
		Run: func(ctx context.Context) (int, error) {
			return 0, st.UpsertUsageRollups(ctx)
		},
	}
}

func PruneVMHistory(st Store, retention time.Duration, now func() time.Time) Job {
	return Job{
		Name:     "vm_history_prune",
		Interval: time.Hour,
		Run: func(ctx context.Context) (int, error) {
			n, err := st.PruneVMEvents(ctx, now().Add(-retention))
			return int(n), err
		},
	}
}

// SweepOrphans closes stored sessions this process no longer tracks. grace
// keeps rows written by a start that is still in flight.
func SweepOrphans(st Store, o Reaper, grace time.Duration, now func() time.Time) Job {
	return Job{
		Name:     "orphan_session_sweep",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) (int, error) {
			n, err := st.CloseOrphanedSessions(ctx, o.LiveSessionIDs(), now().Add(-grace))
			return int(n), err
		},
	}
}
