package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/aegis-play/internal/auth"
	"github.com/telemyapp/aegis-play/internal/httpx"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/orchestrator"
	"github.com/telemyapp/aegis-play/internal/signaling"
	"github.com/telemyapp/aegis-play/internal/store"
)

// AdminKeyHeader authenticates operator calls.
const AdminKeyHeader = "X-Admin-Key"

type Sessions interface {
	StartSession(ctx context.Context, userID, appID, region string) (orchestrator.Handle, error)
	EndSession(ctx context.Context, sessionID string) error
	FailSession(ctx context.Context, sessionID, reason string) error
	GetSession(sessionID string) (model.Session, error)
	SetPaused(ctx context.Context, sessionID string, paused bool) (model.Session, error)
}

type VMs interface {
	List(region string) []model.VirtualMachine
	Get(vmID string) (model.VirtualMachine, error)
	MarkError(vmID, reason string) error
	Drain(vmID string) error
	Terminate(vmID, reason string) error
}

// VMLauncher creates a VM and drives it to READY in the background.
type VMLauncher interface {
	Launch(ctx context.Context, templateID, region string) (model.VirtualMachine, error)
}

type Pairing interface {
	State(vmID string) model.PairingState
	Request(ctx context.Context, vm model.VirtualMachine) (model.PairingState, error)
	SubmitPIN(ctx context.Context, vm model.VirtualMachine, pin string) (model.PairingState, error)
}

// History serves sessions the orchestrator has already forgotten, and
// usage rollups.
type History interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	UsageForUser(ctx context.Context, userID string, since time.Time) ([]store.UsageSummary, error)
}

type Deps struct {
	Sessions  Sessions
	Signaling signaling.Signaler
	VMs       VMs
	Launcher  VMLauncher
	Pairing   Pairing
	History   History
	Metrics   *metrics.Registry
	Log       *logging.Logger
	// BaseContext bounds background work started by operator calls.
	BaseContext context.Context
}

type Options struct {
	JWTSecret string
	AdminKey  string
}

type Server struct {
	opts Options
	deps Deps
	log  *logging.Logger
}

func NewRouter(opts Options, deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	s := &Server{opts: opts, deps: deps, log: deps.Log.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", deps.Metrics.Handler().ServeHTTP)

	r.Group(func(authed chi.Router) {
		authed.Use(auth.Middleware(opts.JWTSecret))
		// Pairing and launch can take tens of seconds against a slow host.
		authed.With(middleware.Timeout(2*time.Minute)).Post("/session/start", s.handleSessionStart)
		authed.Post("/session/stop", s.handleSessionStop)
		authed.Get("/session/{id}", s.handleSessionGet)
		authed.Post("/session/{id}/pause", s.handleSessionPause(true))
		authed.Post("/session/{id}/resume", s.handleSessionPause(false))
		authed.Get("/usage", s.handleUsage)

		authed.Route("/webrtc/session/{id}", func(wr chi.Router) {
			wr.Use(s.requireLiveSession)
			wr.Post("/start", s.handleWebRTCStart)
			wr.Post("/answer", s.handleWebRTCAnswer)
			wr.Post("/ice", s.handleWebRTCAddCandidate)
			wr.Get("/ice", s.handleWebRTCCandidates)
			wr.Get("/events", s.handleWebRTCEvents)
			wr.Post("/stop", s.handleWebRTCStop)
		})
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(httpx.SharedKey(AdminKeyHeader, opts.AdminKey))
		ar.Post("/vms", s.handleVMCreate)
		ar.Get("/vms", s.handleVMList)
		ar.Get("/vms/{id}", s.handleVMGet)
		ar.Post("/vms/{id}/error", s.handleVMError)
		ar.Post("/vms/{id}/drain", s.handleVMDrain)
		ar.Post("/vms/{id}/terminate", s.handleVMTerminate)
		ar.Get("/vms/{id}/pair", s.handlePairState)
		ar.Post("/vms/{id}/pair", s.handlePairRequest)
		ar.Post("/vms/{id}/pair/pin", s.handlePairPIN)
	})

	return r
}
