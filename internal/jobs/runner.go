package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
)

// Job is a periodic task. Run reports how many records it touched.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type Runner struct {
	jobs    []Job
	log     *logging.Logger
	metrics *metrics.Registry
}

func NewRunner(log *logging.Logger, reg *metrics.Registry, jobs ...Job) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	if reg == nil {
		reg = metrics.Default()
	}
	return &Runner{jobs: jobs, log: log.Named("jobs"), metrics: reg}
}

func (r *Runner) Add(job Job) { r.jobs = append(r.jobs, job) }

// Run starts every job and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.runEvery(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

func (r *Runner) runEvery(ctx context.Context, job Job) {
	r.RunOnce(ctx, job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx, job)
		}
	}
}

func (r *Runner) RunOnce(ctx context.Context, job Job) {
	start := time.Now()
	n, err := job.Run(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": job.Name,
	}
	r.metrics.ObserveHistogram("aegis_job_duration_ms", durMs, map[string]string{"job": job.Name})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Warn().Str("event", "job_run").Str("job", job.Name).Str("status", "error").
			Int64("duration_ms", int64(durMs)).Err(err).Send()
		labels["status"] = "error"
		r.metrics.IncCounter("aegis_job_runs_total", labels)
		return
	}
	ev := r.log.Debug()
	if n > 0 {
		ev = r.log.Info()
	}
	ev.Str("event", "job_run").Str("job", job.Name).Str("status", "ok").
		Int64("duration_ms", int64(durMs)).Int("items", n).Send()
	labels["status"] = "ok"
	r.metrics.IncCounter("aegis_job_runs_total", labels)
	if n > 0 {
		r.metrics.AddCounter("aegis_job_items_total", float64(n), map[string]string{"job": job.Name})
	}
}
