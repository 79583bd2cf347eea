// Package orchestrator is the public entry point for sessions. It combines
// the VM pool, the pairing client and the launch client, and owns every
// Session record.
//
// Slot ownership: a session's lease is released through releaseOnce on the
// one path that finishes the session, whichever comes first of endSession,
// a start failure or the loss of its VM.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/vmpool"
)

type VMPool interface {
	Acquire(region string) (vmpool.Lease, model.VirtualMachine, error)
	Release(lease vmpool.Lease)
}

type Pairer interface {
	Ensure(ctx context.Context, vm model.VirtualMachine) (model.PairingState, error)
	Forget(ctx context.Context, vm model.VirtualMachine)
}

type Launcher interface {
	Launch(ctx context.Context, vm model.VirtualMachine, appID, command string) error
	Stop(ctx context.Context, vm model.VirtualMachine)
}

// Apps resolves an application id to the command the host runs.
type Apps interface {
	LaunchCommand(ctx context.Context, appID string) (string, error)
}

type Recorder interface {
	RecordSession(ctx context.Context, s model.Session) error
}

type UsageSink interface {
	EmitUsage(ctx context.Context, ev model.UsageEvent) error
}

// MediaStopper tears down the media side of a session.
type MediaStopper interface {
	StopSession(ctx context.Context, sessionID string) error
}

// Handle is what a client needs to reach its session.
type Handle struct {
	SessionID string `json:"sessionId"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	UDPPorts  []int  `json:"udpPorts"`
}

type Deps struct {
	Pool     VMPool
	Pairing  Pairer
	Launcher Launcher
	Apps     Apps
	Recorder Recorder
	Usage    UsageSink
	Media    MediaStopper
}

type Options struct {
	DefaultRegion    string
	SupportedRegions []string
	Log              *logging.Logger
	Now              func() time.Time
}

type Orchestrator struct {
	deps    Deps
	regions map[string]struct{}
	region  string
	log     *logging.Logger
	now     func() time.Time
	tracer  trace.Tracer

	mu       sync.Mutex
	live     map[string]*liveSession
	finished map[string]model.Session

	// background teardown work, waited on by Close. Once closing is set,
	// finish runs teardown inline instead of adding to bg.
	bg      sync.WaitGroup
	closing bool
}

type liveSession struct {
	sess        model.Session
	lease       vmpool.Lease
	vm          model.VirtualMachine
	cancel      context.CancelFunc
	releaseOnce sync.Once
	launched    bool
}

func New(deps Deps, opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	regions := make(map[string]struct{}, len(opts.SupportedRegions))
	for _, r := range opts.SupportedRegions {
		regions[strings.TrimSpace(r)] = struct{}{}
	}
	return &Orchestrator{
		deps:     deps,
		regions:  regions,
		region:   opts.DefaultRegion,
		log:      log.Named("orchestrator"),
		now:      now,
		tracer:   otel.Tracer("github.com/telemyapp/aegis-play/internal/orchestrator"),
		live:     make(map[string]*liveSession),
		finished: make(map[string]model.Session),
	}
}

// StartSession acquires a VM, pairs with its host and launches appID on it.
// With no free VM it fails immediately with a retryable VMUnavailable.
func (o *Orchestrator) StartSession(ctx context.Context, userID, appID, region string) (Handle, error) {
	userID = strings.TrimSpace(userID)
	appID = strings.TrimSpace(appID)
	region = strings.TrimSpace(region)
	if region == "" {
		region = o.region
	}
	if userID == "" || appID == "" {
		return Handle{}, apperr.Validation("userId and appId are required")
	}
	if len(o.regions) > 0 {
		if _, ok := o.regions[region]; !ok {
			return Handle{}, apperr.Validation("unsupported region")
		}
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.StartSession", trace.WithAttributes(
		attribute.String("app.id", appID),
		attribute.String("region", region),
	))
	defer span.End()
	start := time.Now()

	command, err := o.deps.Apps.LaunchCommand(ctx, appID)
	if err != nil {
		return Handle{}, o.startFailed(span, region, err)
	}

	lease, vm, err := o.deps.Pool.Acquire(region)
	if err != nil {
		return Handle{}, o.startFailed(span, region, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	vmID := vm.ID
	ls := &liveSession{
		sess: model.Session{
			ID:        "sess_" + uuid.NewString(),
			UserID:    userID,
			VMID:      &vmID,
			AppID:     appID,
			Region:    region,
			Status:    model.SessionStarting,
			StartedAt: o.now(),
		},
		lease:  lease,
		vm:     vm,
		cancel: cancel,
	}
	o.mu.Lock()
	o.live[ls.sess.ID] = ls
	o.mu.Unlock()
	span.SetAttributes(attribute.String("session.id", ls.sess.ID), attribute.String("vm.id", vm.ID))
	o.record(ctx, ls.sess)
	o.log.Info().Str("event", "session_starting").Str("session_id", ls.sess.ID).Str("vm_id", vm.ID).
		Str("app_id", appID).Str("region", region).Send()

	if _, err := o.deps.Pairing.Ensure(sessCtx, vm); err != nil {
		return Handle{}, o.startFailed(span, region, o.abortStart(ls, err))
	}

	o.mu.Lock()
	ls.launched = true
	o.mu.Unlock()
	if err := o.deps.Launcher.Launch(sessCtx, vm, appID, command); err != nil {
		if errors.Is(err, apperr.ErrLaunchFailed) {
			err = apperr.Wrap(apperr.KindLaunchFailed, "application launch failed", err)
		}
		return Handle{}, o.startFailed(span, region, o.abortStart(ls, err))
	}

	o.mu.Lock()
	if ls.sess.Status != model.SessionStarting {
		o.mu.Unlock()
		return Handle{}, o.startFailed(span, region, apperr.New(apperr.KindConflict, "session ended while starting"))
	}
	ls.sess.Status = model.SessionActive
	snap := ls.sess
	o.mu.Unlock()
	o.record(ctx, snap)

	metrics.Default().IncCounter("aegis_session_start_total", map[string]string{"region": region, "result": "ok"})
	metrics.Default().ObserveHistogram("aegis_session_start_latency_ms", float64(time.Since(start).Milliseconds()), map[string]string{"region": region})
	o.log.Info().Str("event", "session_active").Str("session_id", snap.ID).Str("vm_id", vm.ID).
		Int64("duration_ms", time.Since(start).Milliseconds()).Send()

	return Handle{
		SessionID: snap.ID,
		Host:      vm.Host.Address,
		Port:      vm.Host.StreamPort,
		Protocol:  vm.Host.Protocol,
		UDPPorts:  append([]int(nil), vm.Host.UDPPorts...),
	}, nil
}

// abortStart finishes a session whose start sequence failed. When the session
// was already ended by someone else, it reports that instead of cause.
func (o *Orchestrator) abortStart(ls *liveSession, cause error) error {
	o.mu.Lock()
	if ls.sess.Status.Terminal() {
		o.mu.Unlock()
		return apperr.New(apperr.KindConflict, "session ended while starting")
	}
	o.mu.Unlock()
	o.finish(ls, model.SessionError, apperr.MessageOf(cause))
	return cause
}

func (o *Orchestrator) startFailed(span trace.Span, region string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	metrics.Default().IncCounter("aegis_session_start_total", map[string]string{"region": region, "result": string(apperr.KindOf(err))})
	return err
}

// EndSession stops a session. Ending an ended session, or ending one twice
// concurrently, succeeds without releasing its VM slot again.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	_, span := o.tracer.Start(ctx, "orchestrator.EndSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	return o.end(sessionID, model.SessionEnded, "")
}

// FailSession moves a live session to error, for example when its media
// transport failed. A finished session keeps its status.
func (o *Orchestrator) FailSession(ctx context.Context, sessionID, reason string) error {
	_, span := o.tracer.Start(ctx, "orchestrator.FailSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	return o.end(sessionID, model.SessionError, reason)
}

func (o *Orchestrator) end(sessionID string, status model.SessionStatus, reason string) error {
	o.mu.Lock()
	ls, ok := o.live[sessionID]
	if !ok {
		_, done := o.finished[sessionID]
		o.mu.Unlock()
		if done {
			return nil
		}
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	o.mu.Unlock()

	o.finish(ls, status, reason)
	return nil
}

// finish moves ls to status exactly once: it cancels in-flight calls,
// releases the slot and schedules best-effort remote cleanup.
func (o *Orchestrator) finish(ls *liveSession, status model.SessionStatus, reason string) {
	o.mu.Lock()
	if ls.sess.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	ended := o.now()
	ls.sess.Status = status
	ls.sess.Error = reason
	ls.sess.EndedAt = &ended
	snap := ls.sess
	launched := ls.launched
	delete(o.live, snap.ID)
	o.finished[snap.ID] = snap
	async := !o.closing
	if async {
		o.bg.Add(1)
	}
	o.mu.Unlock()

	ls.cancel()
	ls.releaseOnce.Do(func() { o.deps.Pool.Release(ls.lease) })

	metrics.Default().IncCounter("aegis_session_end_total", map[string]string{"status": string(status)})
	o.log.Info().Str("event", "session_finished").Str("session_id", snap.ID).Str("vm_id", ls.vm.ID).
		Str("status", string(status)).Str("reason", reason).Send()

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if launched {
			o.deps.Launcher.Stop(ctx, ls.vm)
		}
		if o.deps.Media != nil {
			if err := o.deps.Media.StopSession(ctx, snap.ID); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
				o.log.Warn().Str("event", "media_stop_failed").Str("session_id", snap.ID).Err(err).Send()
			}
		}
		o.record(ctx, snap)
		o.emitUsage(ctx, snap)
	}
	if !async {
		cleanup()
		return
	}
	go func() {
		defer o.bg.Done()
		cleanup()
	}()
}

func (o *Orchestrator) emitUsage(ctx context.Context, s model.Session) {
	if o.deps.Usage == nil || s.EndedAt == nil {
		return
	}
	ev := model.UsageEvent{
		SessionID:       s.ID,
		UserID:          s.UserID,
		AppID:           s.AppID,
		Region:          s.Region,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		EndedAt:         *s.EndedAt,
		DurationSeconds: int(s.EndedAt.Sub(s.StartedAt).Seconds()),
	}
	if s.VMID != nil {
		ev.VMID = *s.VMID
	}
	if err := o.deps.Usage.EmitUsage(ctx, ev); err != nil {
		o.log.Warn().Str("event", "usage_emit_failed").Str("session_id", s.ID).Err(err).Send()
	}
}

func (o *Orchestrator) record(ctx context.Context, s model.Session) {
	if o.deps.Recorder == nil {
		return
	}
	if err := o.deps.Recorder.RecordSession(ctx, s); err != nil {
		o.log.Warn().Str("event", "session_record_failed").Str("session_id", s.ID).Err(err).Send()
	}
}

func (o *Orchestrator) GetSession(sessionID string) (model.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ls, ok := o.live[sessionID]; ok {
		return ls.sess, nil
	}
	if s, ok := o.finished[sessionID]; ok {
		return s, nil
	}
	return model.Session{}, apperr.New(apperr.KindNotFound, "session not found")
}

// SetPaused flips an active session to paused and back. It is bookkeeping
// only; the VM slot stays held.
func (o *Orchestrator) SetPaused(ctx context.Context, sessionID string, paused bool) (model.Session, error) {
	o.mu.Lock()
	ls, ok := o.live[sessionID]
	if !ok {
		o.mu.Unlock()
		return model.Session{}, apperr.New(apperr.KindNotFound, "session not found")
	}
	from, to := model.SessionActive, model.SessionPaused
	if !paused {
		from, to = model.SessionPaused, model.SessionActive
	}
	if ls.sess.Status != from {
		st := ls.sess.Status
		o.mu.Unlock()
		return model.Session{}, apperr.New(apperr.KindConflict, "session is "+string(st))
	}
	ls.sess.Status = to
	snap := ls.sess
	o.mu.Unlock()
	o.record(ctx, snap)
	return snap, nil
}

// HandleVMEvent fails the sessions of a VM that went to ERROR or TERMINATED.
// Subscribe it to the pool.
func (o *Orchestrator) HandleVMEvent(ev vmpool.Event) {
	if ev.To != model.VMError && ev.To != model.VMTerminated {
		return
	}
	o.mu.Lock()
	var affected []*liveSession
	for _, ls := range o.live {
		if ls.vm.ID == ev.VM.ID {
			affected = append(affected, ls)
		}
	}
	o.mu.Unlock()

	reason := "vm " + strings.ToLower(string(ev.To))
	if ev.Reason != "" {
		reason += ": " + ev.Reason
	}
	for _, ls := range affected {
		o.finish(ls, model.SessionError, reason)
	}
	if ev.To == model.VMTerminated && o.deps.Pairing != nil {
		o.deps.Pairing.Forget(context.Background(), ev.VM)
	}
}

// ReapStarting fails sessions stuck in starting for longer than ttl.
func (o *Orchestrator) ReapStarting(ttl time.Duration) int {
	cutoff := o.now().Add(-ttl)
	o.mu.Lock()
	var stale []*liveSession
	for _, ls := range o.live {
		if ls.sess.Status == model.SessionStarting && ls.sess.StartedAt.Before(cutoff) {
			stale = append(stale, ls)
		}
	}
	o.mu.Unlock()
	for _, ls := range stale {
		o.finish(ls, model.SessionError, "start timed out")
	}
	return len(stale)
}

// PruneFinished forgets finished sessions that ended before cutoff.
func (o *Orchestrator) PruneFinished(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, s := range o.finished {
		if s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(o.finished, id)
			n++
		}
	}
	return n
}

// LiveCount is the number of sessions holding a VM slot.
func (o *Orchestrator) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// LiveSessionIDs lists the sessions holding a VM slot.
func (o *Orchestrator) LiveSessionIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every live session and waits for teardown work. Sessions that
// finish while Close waits are torn down by their caller.
func (o *Orchestrator) Close(ctx context.Context) error {
	for _, id := range o.LiveSessionIDs() {
		_ = o.EndSession(ctx, id)
	}
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
