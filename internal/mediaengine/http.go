package mediaengine

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/hls"
	"github.com/telemyapp/aegis-play/internal/httpx"
	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/signaling"
)

var hlsFileName = regexp.MustCompile(`^(index\.m3u8|seg_[0-9]{5}\.ts)$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type server struct {
	engine *Engine
	hlsDir string
	log    *logging.Logger
}

// NewHandler serves the internal session API behind the shared key and the
// read-only HLS tree without it.
func NewHandler(e *Engine, internalKey, hlsDir string, reg *metrics.Registry, log *logging.Logger) http.Handler {
	if log == nil {
		log = logging.Nop()
	}
	s := &server{engine: e, hlsDir: hlsDir, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": e.Count()})
	})
	r.Get("/metrics", reg.Handler().ServeHTTP)

	r.Route("/internal/sessions/{id}", func(sr chi.Router) {
		sr.Use(httpx.SharedKey(signaling.InternalKeyHeader, internalKey))
		sr.Get("/", s.handleInfo)
		sr.Post("/start", s.handleStart)
		sr.Post("/answer", s.handleAnswer)
		sr.Post("/ice", s.handleAddCandidate)
		sr.Get("/ice", s.handleCandidates)
		sr.Get("/events", s.handleEvents)
		sr.Post("/stop", s.handleStop)
	})

	r.Get("/hls/{id}/{file}", s.handleHLS)
	return r
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	var params model.StreamParams
	if err := httpx.DecodeJSON(r, &params, true); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	offer, err := s.engine.StartSession(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, signaling.StartResponse{Offer: model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}})
}

func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req signaling.AnswerRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.Answer.Type != "" && req.Answer.Type != webrtc.SDPTypeAnswer.String() {
		httpx.WriteError(w, r, apperr.Validation("answer must have type answer"))
		return
	}
	if err := s.engine.Answer(chi.URLParam(r, "id"), req.Answer.SDP); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleAddCandidate(w http.ResponseWriter, r *http.Request) {
	var req signaling.CandidateRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.engine.AddCandidate(chi.URLParam(r, "id"), req.Candidate); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.engine.Candidates(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, signaling.CandidatesResponse{Candidates: cands})
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Info(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel, err := s.engine.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	signaling.PumpEvents(conn, events, s.log)
}

func (s *server) handleHLS(w http.ResponseWriter, r *http.Request) {
	id, file := chi.URLParam(r, "id"), chi.URLParam(r, "file")
	if s.hlsDir == "" || !hlsFileName.MatchString(file) || id != filepath.Base(id) || id == "." || id == ".." {
		httpx.WriteError(w, r, apperr.ErrNotFound)
		return
	}
	path := filepath.Join(s.hlsDir, id, file)
	if _, err := os.Stat(path); err != nil {
		httpx.WriteError(w, r, apperr.ErrNotFound)
		return
	}
	if file == hls.PlaylistName {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	http.ServeFile(w, r, path)
}
