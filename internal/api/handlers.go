package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/auth"
	"github.com/telemyapp/aegis-play/internal/httpx"
	"github.com/telemyapp/aegis-play/internal/model"
	"github.com/telemyapp/aegis-play/internal/signaling"
	"github.com/telemyapp/aegis-play/internal/store"
)

type sessionStartRequest struct {
	UserID string `json:"userId"`
	AppID  string `json:"appId"`
	Region string `json:"region"`
}

type sessionStopRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	ID        string  `json:"sessionId"`
	UserID    string  `json:"userId"`
	VMID      *string `json:"vmId"`
	AppID     string  `json:"appId"`
	Region    string  `json:"region"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	StartedAt string  `json:"startedAt"`
	EndedAt   *string `json:"endedAt"`
}

func toSessionResponse(s model.Session) sessionResponse {
	out := sessionResponse{
		ID:        s.ID,
		UserID:    s.UserID,
		VMID:      s.VMID,
		AppID:     s.AppID,
		Region:    s.Region,
		Status:    string(s.Status),
		Error:     s.Error,
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.UTC().Format(time.RFC3339)
		out.EndedAt = &ended
	}
	return out
}

var errSessionNotFound = apperr.New(apperr.KindNotFound, "session not found")

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, apperr.ErrAuthRequired)
		return
	}
	var req sessionStartRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = userID
	}
	if strings.TrimSpace(req.UserID) != userID {
		httpx.WriteError(w, r, apperr.New(apperr.KindAuthRequired, "userId does not match token"))
		return
	}

	handle, err := s.deps.Sessions.StartSession(r.Context(), userID, req.AppID, req.Region)
	if err != nil {
		s.logFailure(r, "session_start_failed", err)
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, handle)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	var req sessionStopRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil || req.SessionID == "" {
		httpx.WriteError(w, r, apperr.Validation("sessionId is required"))
		return
	}
	if _, err := s.ownedSession(r, req.SessionID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.deps.Sessions.EndSession(r.Context(), req.SessionID); err != nil {
		s.logFailure(r, "session_stop_failed", err)
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.ownedSession(r, id)
	if apperr.KindOf(err) == apperr.KindNotFound && s.deps.History != nil {
		sess, err = s.historicSession(r, id)
	}
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) historicSession(r *http.Request, id string) (model.Session, error) {
	userID, _ := auth.UserIDFromContext(r.Context())
	sess, err := s.deps.History.GetSession(r.Context(), id)
	if err != nil || sess.UserID != userID {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Str("event", "session_history_failed").Str("session_id", id).Err(err).Send()
		}
		return model.Session{}, errSessionNotFound
	}
	return *sess, nil
}

func (s *Server) handleSessionPause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.ownedSession(r, id); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		sess, err := s.deps.Sessions.SetPaused(r.Context(), id, paused)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		httpx.WriteError(w, r, apperr.New(apperr.KindNotFound, "usage history is not configured"))
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	since := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.WriteError(w, r, apperr.Validation("since must be YYYY-MM-DD"))
			return
		}
		since = t
	}
	rollups, err := s.deps.History.UsageForUser(r.Context(), userID, since)
	if err != nil {
		s.logFailure(r, "usage_query_failed", err)
		httpx.WriteError(w, r, err)
		return
	}
	type day struct {
		Day      string `json:"day"`
		Sessions int    `json:"sessions"`
		Seconds  int    `json:"seconds"`
	}
	days := make([]day, 0, len(rollups))
	for _, u := range rollups {
		days = append(days, day{Day: u.Day.UTC().Format(time.DateOnly), Sessions: u.Sessions, Seconds: u.Seconds})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"days": days})
}

// ownedSession returns the live or recently finished session when it
// belongs to the caller. Someone else's session is reported as missing.
func (s *Server) ownedSession(r *http.Request, id string) (model.Session, error) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return model.Session{}, apperr.ErrAuthRequired
	}
	sess, err := s.deps.Sessions.GetSession(id)
	if err != nil {
		return model.Session{}, err
	}
	if sess.UserID != userID {
		return model.Session{}, errSessionNotFound
	}
	return sess, nil
}

func (s *Server) requireLiveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.ownedSession(r, chi.URLParam(r, "id"))
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		if sess.Status.Terminal() {
			httpx.WriteError(w, r, apperr.New(apperr.KindConflict, "session is "+string(sess.Status)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebRTCStart(w http.ResponseWriter, r *http.Request) {
	var params model.StreamParams
	if err := httpx.DecodeJSON(r, &params, true); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	offer, err := s.deps.Signaling.Start(r.Context(), id, params)
	s.countSignaling("start", err)
	if err != nil {
		s.logFailure(r, "webrtc_start_failed", err)
		httpx.WriteError(w, r, err)
		return
	}
	go s.watchTransport(id)
	httpx.WriteJSON(w, http.StatusOK, signaling.StartResponse{Offer: offer})
}

// watchTransport fails the session once its media side ends on its own:
// the peer failed, the pipeline gave up or the engine dropped the session.
// An orderly stop has already finished the session by then, which makes
// FailSession a no-op.
func (s *Server) watchTransport(sessionID string) {
	ctx := s.deps.BaseContext
	log := s.log.Extend(s.log.With().Str("session_id", sessionID))
	fail := func(reason string) {
		if err := s.deps.Sessions.FailSession(ctx, sessionID, reason); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			log.Warn().Str("event", "session_fail_failed").Err(err).Send()
		}
	}

	events, err := s.deps.Signaling.Events(ctx, sessionID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case apperr.KindOf(err) == apperr.KindConflict:
			// ended before we subscribed
			fail("media session ended")
		default:
			log.Warn().Str("event", "transport_watch_failed").Err(err).Send()
		}
		return
	}
	reason := ""
	for ev := range events {
		switch {
		case ev.Type == model.SignalState && ev.State == model.ConnFailed:
			reason = "transport failed"
		case ev.Type == model.SignalError && reason == "":
			reason = ev.Error
		case ev.Type == model.SignalEnded:
			if reason == "" {
				reason = "media session ended"
			}
			fail(reason)
			return
		}
	}
}

func (s *Server) handleWebRTCAnswer(w http.ResponseWriter, r *http.Request) {
	var req signaling.AnswerRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.Answer.SDP == "" {
		httpx.WriteError(w, r, apperr.Validation("answer is required"))
		return
	}
	err := s.deps.Signaling.Answer(r.Context(), chi.URLParam(r, "id"), req.Answer)
	s.countSignaling("answer", err)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWebRTCAddCandidate(w http.ResponseWriter, r *http.Request) {
	var req signaling.CandidateRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	err := s.deps.Signaling.AddCandidate(r.Context(), chi.URLParam(r, "id"), req.Candidate)
	s.countSignaling("ice", err)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWebRTCCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.deps.Signaling.Candidates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if cands == nil {
		cands = []model.ICECandidate{}
	}
	httpx.WriteJSON(w, http.StatusOK, signaling.CandidatesResponse{Candidates: cands})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients live on other origins; the bearer token is the gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWebRTCEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	events, err := s.deps.Signaling.Events(ctx, id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	signaling.PumpEvents(conn, events, s.log.Extend(s.log.With().Str("session_id", id)))
}

// handleWebRTCStop closes the peer. Closed is terminal, so the session
// ends first and its VM slot is released; the engine stop then runs
// synchronously so the peer is gone when the call returns.
func (s *Server) handleWebRTCStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.EndSession(r.Context(), id); err != nil {
		s.logFailure(r, "session_stop_failed", err)
		httpx.WriteError(w, r, err)
		return
	}
	err := s.deps.Signaling.Stop(r.Context(), id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		err = nil
	}
	s.countSignaling("stop", err)
	if err != nil {
		s.logFailure(r, "webrtc_stop_failed", err)
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) countSignaling(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	s.deps.Metrics.IncCounter("aegis_signaling_requests_total", map[string]string{"op": op, "result": result})
}

func (s *Server) logFailure(r *http.Request, event string, err error) {
	ev := s.log.Warn()
	if apperr.KindOf(err) == apperr.KindInternal {
		ev = s.log.Error()
	}
	ev.Str("event", event).Str("request_id", requestID(r)).Str("kind", string(apperr.KindOf(err))).Err(err).Send()
}
